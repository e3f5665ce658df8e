package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"Idolly-Chain/internal/catalog"
	"Idolly-Chain/internal/ledger"
	"Idolly-Chain/internal/registry"
	"Idolly-Chain/internal/workflow"
)

type serverFixture struct {
	server   *Server
	registry *registry.Registry
	catalog  *catalog.MemoryStore
	routes   http.Handler
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	reg := registry.New(registry.NewMemoryStore())
	store := workflow.NewMemoryStore()
	queue := workflow.NewMemoryQueue(16)
	service := workflow.NewService(reg, store, queue)
	cat := catalog.NewMemoryStore()
	server := NewServer(":0", reg, service, cat)
	return &serverFixture{server: server, registry: reg, catalog: cat, routes: server.Routes()}
}

func (fx *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	fx.routes.ServeHTTP(rec, req)
	return rec
}

func sampleRegisterRequest(id string) registry.RegisterRequest {
	return registry.RegisterRequest{
		ID:   id,
		Role: registry.RoleIdol,
		Terms: ledger.LicenseTerms{
			MintingFee:      10,
			RevSharePercent: 5,
			Currency:        "WIP",
			Transferable:    true,
		},
		Policy: registry.Policy{
			MaxMintingFee:      100,
			MaxRevSharePercent: 20,
			MinRevSharePercent: 2,
		},
		Profile: registry.Profile{Name: "aria", Style: "neo-pop", ContentType: "image"},
	}
}

func TestCreateAgentAndFetchDetail(t *testing.T) {
	fx := newServerFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/v1/agents", sampleRegisterRequest("agent-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status code: got %d want %d, body %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var created registry.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID != "agent-1" || created.State != registry.StateCreated {
		t.Fatalf("unexpected agent: %+v", created)
	}

	rec = fx.do(t, http.MethodGet, "/api/v1/agents/agent-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected detail status: got %d want %d", rec.Code, http.StatusOK)
	}

	rec = fx.do(t, http.MethodGet, "/api/v1/agents/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d for missing agent, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestCreateAgentRejectsInvalidRole(t *testing.T) {
	fx := newServerFixture(t)

	req := sampleRegisterRequest("agent-bad")
	req.Role = registry.Role("oracle")

	rec := fx.do(t, http.MethodPost, "/api/v1/agents", req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != "INVALID_ARGUMENT" {
		t.Fatalf("unexpected error code: %q", body.Code)
	}
}

func TestAgentStopAndResume(t *testing.T) {
	fx := newServerFixture(t)
	fx.do(t, http.MethodPost, "/api/v1/agents", sampleRegisterRequest("agent-1"))

	rec := fx.do(t, http.MethodPost, "/api/v1/agents/agent-1/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected stop status: got %d, body %s", rec.Code, rec.Body.String())
	}
	var stopped registry.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &stopped); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stopped.State != registry.StateStopped {
		t.Fatalf("expected stopped state, got %s", stopped.State)
	}

	// 停止是终态，恢复应被拒绝。
	rec = fx.do(t, http.MethodPost, "/api/v1/agents/agent-1/resume", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d for resume after stop, got %d", http.StatusUnprocessableEntity, rec.Code)
	}
}

func TestSubmitTriggerDeduplicates(t *testing.T) {
	fx := newServerFixture(t)
	fx.do(t, http.MethodPost, "/api/v1/agents", sampleRegisterRequest("agent-1"))

	submit := workflow.SubmitRequest{
		AgentID:     "agent-1",
		Type:        workflow.TypeRegistration,
		BusinessKey: "bootstrap",
	}

	rec := fx.do(t, http.MethodPost, "/api/v1/triggers", submit)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected submit status: got %d, body %s", rec.Code, rec.Body.String())
	}
	var first workflow.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if first.Status != workflow.StatusPending {
		t.Fatalf("expected pending workflow, got %s", first.Status)
	}

	rec = fx.do(t, http.MethodPost, "/api/v1/triggers", submit)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected duplicate submit status: got %d", rec.Code)
	}
	var second workflow.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate submit created a new workflow: %s vs %s", second.ID, first.ID)
	}

	rec = fx.do(t, http.MethodGet, "/api/v1/workflows/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected stats status: got %d", rec.Code)
	}
	var stats workflow.WorkflowStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSubmitTriggerErrors(t *testing.T) {
	fx := newServerFixture(t)
	fx.do(t, http.MethodPost, "/api/v1/agents", sampleRegisterRequest("agent-1"))

	t.Run("unknown type", func(t *testing.T) {
		rec := fx.do(t, http.MethodPost, "/api/v1/triggers", workflow.SubmitRequest{
			AgentID:     "agent-1",
			Type:        workflow.Type("mystery"),
			BusinessKey: "k",
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("agent not yet registered", func(t *testing.T) {
		rec := fx.do(t, http.MethodPost, "/api/v1/triggers", workflow.SubmitRequest{
			AgentID:     "agent-1",
			Type:        workflow.TypeDerivativeCreation,
			BusinessKey: "content-1",
		})
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, rec.Code)
		}
	})

	t.Run("agent missing", func(t *testing.T) {
		rec := fx.do(t, http.MethodPost, "/api/v1/triggers", workflow.SubmitRequest{
			AgentID:     "ghost",
			Type:        workflow.TypeRegistration,
			BusinessKey: "bootstrap",
		})
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestListWorkflowsFiltersByAgent(t *testing.T) {
	fx := newServerFixture(t)
	fx.do(t, http.MethodPost, "/api/v1/agents", sampleRegisterRequest("agent-1"))
	fx.do(t, http.MethodPost, "/api/v1/agents", sampleRegisterRequest("agent-2"))

	for _, agentID := range []string{"agent-1", "agent-2"} {
		rec := fx.do(t, http.MethodPost, "/api/v1/triggers", workflow.SubmitRequest{
			AgentID:     agentID,
			Type:        workflow.TypeRegistration,
			BusinessKey: "bootstrap",
		})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submit for %s: status %d, body %s", agentID, rec.Code, rec.Body.String())
		}
	}

	rec := fx.do(t, http.MethodGet, "/api/v1/workflows?agent_id=agent-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected list status: got %d", rec.Code)
	}
	var records []*workflow.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	if len(records) != 1 || records[0].AgentID != "agent-1" {
		t.Fatalf("unexpected filtered records: %+v", records)
	}

	rec = fx.do(t, http.MethodGet, "/api/v1/workflows?status=pending&limit=10", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 pending workflows, got %d", len(records))
	}
}

func TestWorkflowDetailErrors(t *testing.T) {
	fx := newServerFixture(t)

	t.Run("invalid method", func(t *testing.T) {
		rec := fx.do(t, http.MethodPost, "/api/v1/workflows/wf-1", nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		rec := fx.do(t, http.MethodGet, "/api/v1/workflows/", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := fx.do(t, http.MethodGet, "/api/v1/workflows/missing", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestAgentAssetsAndClaims(t *testing.T) {
	fx := newServerFixture(t)
	fx.do(t, http.MethodPost, "/api/v1/agents", sampleRegisterRequest("agent-1"))

	ctx := context.Background()
	if err := fx.catalog.RecordAsset(ctx, &catalog.AssetRecord{
		AssetID:      "asset-root-1",
		AgentID:      "agent-1",
		ContentRef:   "ipfs://meta-1",
		TxHash:       "0xabc",
		RegisteredAt: 1700000000,
	}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	if err := fx.catalog.RecordClaim(ctx, &catalog.RoyaltyClaim{
		ID:        "claim-1",
		AssetID:   "asset-root-1",
		AgentID:   "agent-1",
		Amount:    500,
		TxHash:    "0xdef",
		ClaimedAt: 1700000100,
	}); err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	rec := fx.do(t, http.MethodGet, "/api/v1/agents/agent-1/assets", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected assets status: got %d", rec.Code)
	}
	var assets []*catalog.AssetRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &assets); err != nil {
		t.Fatalf("decode assets: %v", err)
	}
	if len(assets) != 1 || assets[0].AssetID != "asset-root-1" {
		t.Fatalf("unexpected assets: %+v", assets)
	}

	rec = fx.do(t, http.MethodGet, "/api/v1/agents/agent-1/claims?limit=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected claims status: got %d", rec.Code)
	}
	var claims []*catalog.RoyaltyClaim
	if err := json.Unmarshal(rec.Body.Bytes(), &claims); err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	if len(claims) != 1 || claims[0].Amount != 500 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestAgentStatsScopedToAgent(t *testing.T) {
	fx := newServerFixture(t)
	fx.do(t, http.MethodPost, "/api/v1/agents", sampleRegisterRequest("agent-1"))
	fx.do(t, http.MethodPost, "/api/v1/agents", sampleRegisterRequest("agent-2"))
	for _, agentID := range []string{"agent-1", "agent-2"} {
		fx.do(t, http.MethodPost, "/api/v1/triggers", workflow.SubmitRequest{
			AgentID:     agentID,
			Type:        workflow.TypeRegistration,
			BusinessKey: "bootstrap",
		})
	}

	rec := fx.do(t, http.MethodGet, "/api/v1/agents/agent-1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected stats status: got %d", rec.Code)
	}
	var stats workflow.WorkflowStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("expected stats scoped to one agent, got %+v", stats)
	}

	rec = fx.do(t, http.MethodGet, "/api/v1/agents/ghost/stats", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d for missing agent, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	fx.do(t, http.MethodPost, "/api/v1/agents", sampleRegisterRequest("agent-1"))

	rec := fx.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected health status: got %d", rec.Code)
	}
	var body struct {
		Status string                 `json:"status"`
		Agents int                    `json:"agents"`
		Flows  workflow.WorkflowStats `json:"workflows"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body.Status != "ok" || body.Agents != 1 {
		t.Fatalf("unexpected health body: %+v", body)
	}
}
