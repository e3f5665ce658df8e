package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"Idolly-Chain/sdk/go/idolly"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(idolly.Agent{ID: "agent-demo", Role: "idol", State: "created"})
	})
	mux.HandleFunc("/api/v1/triggers", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(idolly.Workflow{ID: "wf-demo", Status: "pending"})
	})
	mux.HandleFunc("/api/v1/workflows/wf-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(idolly.Workflow{
			ID:     "wf-demo",
			Status: "succeeded",
			Result: map[string]any{"asset_id": "asset-root-demo"},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := idolly.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent, err := client.RegisterAgent(ctx, idolly.AgentRegistration{
		ID:   "agent-demo",
		Role: "idol",
		Terms: idolly.LicenseTerms{
			MintingFee:      10,
			RevSharePercent: 5,
			Currency:        "WIP",
			Transferable:    true,
		},
		Policy:  idolly.Policy{MaxMintingFee: 100, MaxRevSharePercent: 20},
		Profile: idolly.Profile{Name: "aria", Style: "neo-pop", ContentType: "image"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("registered agent %s (state=%s)\n", agent.ID, agent.State)

	record, err := client.SubmitTrigger(ctx, idolly.TriggerSubmission{
		AgentID:     agent.ID,
		Type:        "registration",
		BusinessKey: "bootstrap",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted workflow %s (status=%s)\n", record.ID, record.Status)

	final, err := client.WaitForWorkflow(ctx, record.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("workflow %s finished status=%s result=%v\n", final.ID, final.Status, final.Result)
}
