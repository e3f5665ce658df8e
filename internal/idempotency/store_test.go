package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestWorkflowFingerprintDeterministic(t *testing.T) {
	a := WorkflowFingerprint("agent-1", "registration", "bootstrap")
	b := WorkflowFingerprint("agent-1", "registration", "bootstrap")
	if a != b {
		t.Fatalf("same inputs should yield same fingerprint: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("unexpected fingerprint length %d", len(a))
	}
}

func TestWorkflowFingerprintSeparatesFields(t *testing.T) {
	// 字段拼接必须不可歧义，避免 "a"+"bc" 与 "ab"+"c" 撞指纹。
	a := WorkflowFingerprint("a", "bc", "k")
	b := WorkflowFingerprint("ab", "c", "k")
	if a == b {
		t.Fatalf("field boundaries collapsed into same fingerprint")
	}
}

func TestStepFingerprintInputsMatter(t *testing.T) {
	type inputs struct {
		AssetID string `json:"asset_id"`
	}
	a, err := StepFingerprint("wf-1", 0, inputs{AssetID: "x"})
	if err != nil {
		t.Fatalf("fingerprint step: %v", err)
	}
	b, err := StepFingerprint("wf-1", 0, inputs{AssetID: "y"})
	if err != nil {
		t.Fatalf("fingerprint step: %v", err)
	}
	if a == b {
		t.Fatalf("different inputs should yield different fingerprints")
	}
	c, err := StepFingerprint("wf-1", 1, inputs{AssetID: "x"})
	if err != nil {
		t.Fatalf("fingerprint step: %v", err)
	}
	if a == c {
		t.Fatalf("different step indexes should yield different fingerprints")
	}
}

func TestMemoryStoreAcquireRelease(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "fp-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatalf("first acquire should succeed")
	}

	ok, err = store.Acquire(ctx, "fp-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatalf("second acquire should be rejected while lock held")
	}

	if err := store.Release(ctx, "fp-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	ok, err = store.Acquire(ctx, "fp-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatalf("acquire after release should succeed")
	}
}

func TestMemoryStoreAcquireExpiredLock(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	ctx := context.Background()

	if ok, _ := store.Acquire(ctx, "fp-ttl", time.Millisecond); !ok {
		t.Fatalf("first acquire should succeed")
	}
	time.Sleep(5 * time.Millisecond)
	ok, err := store.Acquire(ctx, "fp-ttl", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatalf("acquire should succeed after the previous lock expired")
	}
}

func TestMemoryStoreStepOutcomeRoundTrip(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	ctx := context.Background()

	if _, hit, err := store.GetStep(ctx, "step-1"); err != nil || hit {
		t.Fatalf("empty store should miss, hit=%v err=%v", hit, err)
	}

	outcome := json.RawMessage(`{"asset_id":"0xabc"}`)
	if err := store.PutStep(ctx, "step-1", outcome); err != nil {
		t.Fatalf("put step: %v", err)
	}

	got, hit, err := store.GetStep(ctx, "step-1")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if !hit {
		t.Fatalf("expected a cached outcome")
	}
	if string(got) != string(outcome) {
		t.Fatalf("cached outcome mismatch: %s", got)
	}

	// 返回的副本不应受调用方后续修改影响。
	got[2] = 'X'
	again, _, err := store.GetStep(ctx, "step-1")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if string(again) != string(outcome) {
		t.Fatalf("store should hand out copies, got %s", again)
	}
}
