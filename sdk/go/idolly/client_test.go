package idolly

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRegisterAgentAndFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/agents" && r.Method == http.MethodPost:
			var reg AgentRegistration
			if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
				t.Fatalf("unexpected body: %v", err)
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Agent{ID: reg.ID, Role: reg.Role, State: "created"})
		case r.URL.Path == "/api/v1/agents/agent-1" && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(Agent{ID: "agent-1", Role: "idol", State: "active", RootAssetID: "asset-root-1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	created, err := client.RegisterAgent(context.Background(), AgentRegistration{
		ID:      "agent-1",
		Role:    "idol",
		Profile: Profile{Name: "aria"},
	})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if created.State != "created" {
		t.Fatalf("unexpected state: %q", created.State)
	}

	fetched, err := client.GetAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if fetched.RootAssetID != "asset-root-1" {
		t.Fatalf("unexpected root asset: %q", fetched.RootAssetID)
	}
}

func TestSubmitTriggerReturnsWorkflow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/triggers" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var submission TriggerSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if submission.Type != "remix" || submission.TargetAssetID != "asset-42" {
			t.Fatalf("unexpected submission: %+v", submission)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Workflow{ID: "wf-1", Status: "pending"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	record, err := client.SubmitTrigger(context.Background(), TriggerSubmission{
		AgentID:       "agent-1",
		Type:          "remix",
		BusinessKey:   "scan-asset-42",
		TargetAssetID: "asset-42",
	})
	if err != nil {
		t.Fatalf("submit trigger: %v", err)
	}
	if record.ID != "wf-1" || record.Status != "pending" {
		t.Fatalf("unexpected workflow: %+v", record)
	}
}

func TestListWorkflowsEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("agent_id") != "agent-1" {
			t.Fatalf("missing agent filter: %s", r.URL.RawQuery)
		}
		if query.Get("status") != "pending,running" {
			t.Fatalf("unexpected status filter: %q", query.Get("status"))
		}
		if query.Get("limit") != "5" {
			t.Fatalf("unexpected limit: %q", query.Get("limit"))
		}
		_ = json.NewEncoder(w).Encode([]Workflow{{ID: "wf-1"}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	records, err := client.ListWorkflows(context.Background(), ListWorkflowsOptions{
		AgentID:  "agent-1",
		Statuses: []string{"pending", "running"},
		Limit:    5,
	})
	if err != nil {
		t.Fatalf("list workflows: %v", err)
	}
	if len(records) != 1 || records[0].ID != "wf-1" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestWaitForWorkflowPollsUntilTerminal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "running"
		if calls >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Workflow{ID: "wf-1", Status: status})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record, err := client.WaitForWorkflow(ctx, "wf-1", time.Millisecond)
	if err != nil {
		t.Fatalf("wait for workflow: %v", err)
	}
	if record.Status != "succeeded" {
		t.Fatalf("unexpected status: %q", record.Status)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(APIError{Code: "INVALID_STATE", Message: "agent not registered"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.SubmitTrigger(context.Background(), TriggerSubmission{AgentID: "agent-1", Type: "remix", BusinessKey: "k"})
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "INVALID_STATE" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}
