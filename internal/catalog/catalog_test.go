package catalog

import (
	"context"
	stdErrors "errors"
	"testing"
)

func TestRecordAssetAndGet(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	root := &AssetRecord{AssetID: "0xroot", AgentID: "agent-1", ContentRef: "ipfs://meta"}
	if err := store.RecordAsset(ctx, root); err != nil {
		t.Fatalf("record asset: %v", err)
	}
	if err := store.RecordAsset(ctx, &AssetRecord{AssetID: "0xroot", AgentID: "agent-1", ContentRef: "ipfs://other"}); !stdErrors.Is(err, ErrAssetConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	got, err := store.GetAsset(ctx, "0xroot")
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if !got.IsRoot() {
		t.Fatalf("asset without parents should be root: %+v", got)
	}

	derivative := &AssetRecord{
		AssetID:        "0xderiv",
		AgentID:        "agent-1",
		ParentAssetIDs: []string{"0xroot", "0xtarget"},
		ContentRef:     "ipfs://deriv",
	}
	if err := store.RecordAsset(ctx, derivative); err != nil {
		t.Fatalf("record derivative: %v", err)
	}

	records, err := store.ListAssetsByAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(records))
	}
}

func TestConsumeTokenExactlyOnce(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	token := &LicenseToken{
		TokenID:         "token-1",
		LicensorAssetID: "0xtarget",
		LicenseeAgentID: "agent-1",
		Amount:          1,
	}
	if err := store.RecordToken(ctx, token); err != nil {
		t.Fatalf("record token: %v", err)
	}
	if err := store.ConsumeToken(ctx, "token-1"); err != nil {
		t.Fatalf("consume token: %v", err)
	}
	if err := store.ConsumeToken(ctx, "token-1"); !stdErrors.Is(err, ErrTokenConsumed) {
		t.Fatalf("second consume should fail, got %v", err)
	}
	if err := store.ConsumeToken(ctx, "ghost"); !stdErrors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListDanglingTokens(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	dangling := &LicenseToken{TokenID: "token-1", LicensorAssetID: "0xa", LicenseeAgentID: "agent-1", MintedAt: 100}
	consumed := &LicenseToken{TokenID: "token-2", LicensorAssetID: "0xb", LicenseeAgentID: "agent-1", MintedAt: 100}
	recent := &LicenseToken{TokenID: "token-3", LicensorAssetID: "0xc", LicenseeAgentID: "agent-1", MintedAt: 900}
	other := &LicenseToken{TokenID: "token-4", LicensorAssetID: "0xd", LicenseeAgentID: "agent-2", MintedAt: 100}
	for _, token := range []*LicenseToken{dangling, consumed, recent, other} {
		if err := store.RecordToken(ctx, token); err != nil {
			t.Fatalf("record token: %v", err)
		}
	}
	if err := store.ConsumeToken(ctx, "token-2"); err != nil {
		t.Fatalf("consume token: %v", err)
	}

	tokens, err := store.ListDanglingTokens(ctx, "agent-1", 500)
	if err != nil {
		t.Fatalf("list dangling: %v", err)
	}
	if len(tokens) != 1 || tokens[0].TokenID != "token-1" {
		t.Fatalf("expected only token-1, got %+v", tokens)
	}

	if err := store.ExpireToken(ctx, "token-1"); err != nil {
		t.Fatalf("expire token: %v", err)
	}
	tokens, err = store.ListDanglingTokens(ctx, "agent-1", 500)
	if err != nil {
		t.Fatalf("list dangling: %v", err)
	}
	if len(tokens) != 0 {
		t.Fatalf("expired token should no longer be dangling: %+v", tokens)
	}
}

func TestRecordAndListClaims(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	claims := []*RoyaltyClaim{
		{ID: "claim-1", AssetID: "0xroot", AgentID: "agent-1", Amount: 10, ClaimedAt: 100},
		{ID: "claim-2", AssetID: "0xroot", AgentID: "agent-1", Amount: 20, ClaimedAt: 200},
		{ID: "claim-3", AssetID: "0xother", AgentID: "agent-2", Amount: 30, ClaimedAt: 300},
	}
	for _, claim := range claims {
		if err := store.RecordClaim(ctx, claim); err != nil {
			t.Fatalf("record claim: %v", err)
		}
	}

	got, err := store.ListClaims(ctx, "agent-1", 10)
	if err != nil {
		t.Fatalf("list claims: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 claims, got %d", len(got))
	}
	if got[0].ID != "claim-2" {
		t.Fatalf("claims should be newest first, got %+v", got)
	}
}
