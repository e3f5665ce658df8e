package workflow

import (
	"context"
	stdErrors "errors"
	"testing"

	xerrors "Idolly-Chain/internal/errors"
)

func newStoreRecord(agentID string, typ Type, businessKey string) *Record {
	trigger := Trigger{AgentID: agentID, Type: typ, BusinessKey: businessKey}
	return recordFromTrigger(trigger, 5)
}

func TestMemoryStoreCreateDeduplicatesFingerprint(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record := newStoreRecord("agent-a", TypeRegistration, "genesis")
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("创建记录失败: %v", err)
	}
	duplicate := newStoreRecord("agent-a", TypeRegistration, "genesis")
	if err := store.Create(ctx, duplicate); !stdErrors.Is(err, ErrWorkflowConflict) {
		t.Fatalf("同一指纹重复创建应冲突，实际 %v", err)
	}
	other := newStoreRecord("agent-a", TypeRegistration, "genesis-2")
	if err := store.Create(ctx, other); err != nil {
		t.Fatalf("不同业务键应各自成单: %v", err)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record := newStoreRecord("agent-a", TypeRemix, "scan-1")
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("创建记录失败: %v", err)
	}

	claimed, err := store.Claim(ctx, record.ID)
	if err != nil {
		t.Fatalf("领取失败: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("领取后状态异常: %+v", claimed)
	}

	if _, err := store.Claim(ctx, record.ID); !stdErrors.Is(err, ErrWorkflowConflict) {
		t.Fatalf("运行中的记录不允许再次领取，实际 %v", err)
	}

	if err := store.MarkRetrying(ctx, record.ID, xerrors.CodeTransient, "rpc 瞬时失败"); err != nil {
		t.Fatalf("标记重试失败: %v", err)
	}
	reclaimed, err := store.Claim(ctx, record.ID)
	if err != nil {
		t.Fatalf("重试中的记录应可再次领取: %v", err)
	}
	if reclaimed.Attempts != 2 {
		t.Fatalf("再次领取应累计尝试次数，实际 %d", reclaimed.Attempts)
	}

	if err := store.MarkSucceeded(ctx, record.ID, Outcome{AssetID: "asset-1"}); err != nil {
		t.Fatalf("标记成功失败: %v", err)
	}
	if _, err := store.Claim(ctx, record.ID); !stdErrors.Is(err, ErrWorkflowCompleted) {
		t.Fatalf("终态记录不允许领取，实际 %v", err)
	}
}

func TestMemoryStoreAdvanceStepMonotonic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record := newStoreRecord("agent-a", TypeDerivativeCreation, "cycle-1")
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("创建记录失败: %v", err)
	}
	if _, err := store.Claim(ctx, record.ID); err != nil {
		t.Fatalf("领取失败: %v", err)
	}

	if err := store.AdvanceStep(ctx, record.ID, 2); err != nil {
		t.Fatalf("推进断点失败: %v", err)
	}
	// 断点只增不减，迟到的回写不得回退进度。
	if err := store.AdvanceStep(ctx, record.ID, 1); err != nil {
		t.Fatalf("迟到的推进应被静默忽略: %v", err)
	}
	got, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("读取记录失败: %v", err)
	}
	if got.StepIndex != 2 {
		t.Fatalf("期望断点 2，实际 %d", got.StepIndex)
	}
}

func TestMemoryStoreListFiltersAndStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seed := []struct {
		agentID string
		typ     Type
		key     string
		outcome Status
	}{
		{"agent-a", TypeRegistration, "genesis", StatusSucceeded},
		{"agent-a", TypeDerivativeCreation, "cycle-1", StatusFailed},
		{"agent-b", TypeRemix, "scan-1", StatusAborted},
		{"agent-b", TypeRevenueMaintenance, "cycle-1", StatusPending},
	}
	for _, s := range seed {
		record := newStoreRecord(s.agentID, s.typ, s.key)
		if err := store.Create(ctx, record); err != nil {
			t.Fatalf("创建记录失败: %v", err)
		}
		switch s.outcome {
		case StatusSucceeded:
			mustClaim(t, store, record.ID)
			if err := store.MarkSucceeded(ctx, record.ID, Outcome{}); err != nil {
				t.Fatalf("标记成功失败: %v", err)
			}
		case StatusFailed:
			mustClaim(t, store, record.ID)
			if err := store.MarkFailed(ctx, record.ID, xerrors.CodeRetriesExhausted, "重试耗尽"); err != nil {
				t.Fatalf("标记失败失败: %v", err)
			}
		case StatusAborted:
			mustClaim(t, store, record.ID)
			if err := store.MarkAborted(ctx, record.ID, xerrors.CodeNotProfitable, "不盈利"); err != nil {
				t.Fatalf("标记中止失败: %v", err)
			}
		}
	}

	byAgent, err := store.List(ctx, buildListOptions([]ListOption{WithAgent("agent-a")}))
	if err != nil {
		t.Fatalf("按智能体过滤失败: %v", err)
	}
	if len(byAgent) != 2 {
		t.Fatalf("期望 agent-a 有 2 条，实际 %d", len(byAgent))
	}

	terminal, err := store.List(ctx, buildListOptions([]ListOption{
		WithStatuses(StatusFailed, StatusAborted),
	}))
	if err != nil {
		t.Fatalf("按状态过滤失败: %v", err)
	}
	if len(terminal) != 2 {
		t.Fatalf("期望 2 条终态失败记录，实际 %d", len(terminal))
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.Total != 4 || stats.Succeeded != 1 || stats.Failed != 1 || stats.Aborted != 1 || stats.Pending != 1 {
		t.Fatalf("统计结果异常: %+v", stats)
	}
}

func mustClaim(t *testing.T, store Store, id string) {
	t.Helper()
	if _, err := store.Claim(context.Background(), id); err != nil {
		t.Fatalf("领取 %s 失败: %v", id, err)
	}
}
