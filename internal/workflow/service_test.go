package workflow

import (
	"context"
	"testing"
	"time"

	xerrors "Idolly-Chain/internal/errors"
	"Idolly-Chain/internal/ledger"
	"Idolly-Chain/internal/registry"
)

type serviceFixture struct {
	service  *Service
	registry *registry.Registry
	store    Store
	queue    *MemoryQueue
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	fx := &serviceFixture{
		registry: registry.New(registry.NewMemoryStore()),
		store:    NewMemoryStore(),
		queue:    NewMemoryQueue(16),
	}
	fx.service = NewService(fx.registry, fx.store, fx.queue)
	return fx
}

func (fx *serviceFixture) newActiveAgent(t *testing.T) *registry.Agent {
	t.Helper()
	agent, err := fx.registry.Register(context.Background(), registry.RegisterRequest{
		Role:    registry.RoleIdol,
		Terms:   ledger.LicenseTerms{MintingFee: 10, RevSharePercent: 5, Transferable: true},
		Policy:  registry.Policy{MaxMintingFee: 100, MaxRevSharePercent: 20},
		Profile: registry.Profile{Name: "aria", ContentType: "image"},
	})
	if err != nil {
		t.Fatalf("注册智能体失败: %v", err)
	}
	for _, event := range []registry.Event{registry.EventBeginRegistration, registry.EventRegistered} {
		if _, err := fx.registry.Transition(context.Background(), agent.ID, event); err != nil {
			t.Fatalf("状态迁移失败: %v", err)
		}
	}
	return agent
}

func (fx *serviceFixture) drainTrigger(t *testing.T) Trigger {
	t.Helper()
	select {
	case trigger := <-fx.queue.ch:
		return trigger
	case <-time.After(time.Second):
		t.Fatal("队列中没有触发")
		return Trigger{}
	}
}

func TestServiceSubmitPublishesTrigger(t *testing.T) {
	fx := newServiceFixture(t)
	agent := fx.newActiveAgent(t)

	record, err := fx.service.Submit(context.Background(), SubmitRequest{
		AgentID:     agent.ID,
		Type:        TypeDerivativeCreation,
		BusinessKey: "cycle-1",
		Theme:       "stargaze",
		Source:      "scheduler",
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if record.Status != StatusPending {
		t.Fatalf("新工作流应为 pending，实际 %s", record.Status)
	}

	trigger := fx.drainTrigger(t)
	if trigger.Fingerprint() != record.ID {
		t.Fatalf("触发指纹与工作流 ID 不一致: %s vs %s", trigger.Fingerprint(), record.ID)
	}
	if trigger.Theme != "stargaze" || trigger.Source != "scheduler" {
		t.Fatalf("触发内容不完整: %+v", trigger)
	}
}

func TestServiceSubmitDeduplicatesByFingerprint(t *testing.T) {
	fx := newServiceFixture(t)
	agent := fx.newActiveAgent(t)

	req := SubmitRequest{AgentID: agent.ID, Type: TypeDerivativeCreation, BusinessKey: "cycle-1"}
	first, err := fx.service.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("首次提交失败: %v", err)
	}
	second, err := fx.service.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("重复提交应返回既有记录: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("同一业务键应收敛到同一个工作流: %s vs %s", first.ID, second.ID)
	}

	stats, err := fx.service.Stats(context.Background())
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("期望只有 1 条记录，实际 %d", stats.Total)
	}
	// 只有首次提交产生触发。
	fx.drainTrigger(t)
	select {
	case extra := <-fx.queue.ch:
		t.Fatalf("重复提交不应再次入队: %+v", extra)
	default:
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	fx := newServiceFixture(t)
	agent := fx.newActiveAgent(t)

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"缺少智能体", SubmitRequest{Type: TypeRemix, BusinessKey: "k", TargetAssetID: "a"}},
		{"非法类型", SubmitRequest{AgentID: agent.ID, Type: "mystery", BusinessKey: "k"}},
		{"缺少业务键", SubmitRequest{AgentID: agent.ID, Type: TypeRemix, TargetAssetID: "a"}},
		{"remix 缺少目标资产", SubmitRequest{AgentID: agent.ID, Type: TypeRemix, BusinessKey: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := fx.service.Submit(context.Background(), tt.req); xerrors.CodeOf(err) != CodeWorkflowValidation {
				t.Fatalf("期望校验错误，实际 %v", err)
			}
		})
	}
}

func TestServiceSubmitRespectsAgentState(t *testing.T) {
	fx := newServiceFixture(t)
	agent, err := fx.registry.Register(context.Background(), registry.RegisterRequest{
		Role:    registry.RoleIdol,
		Profile: registry.Profile{Name: "aria"},
	})
	if err != nil {
		t.Fatalf("注册智能体失败: %v", err)
	}

	// Created 状态只接受注册触发。
	if _, err := fx.service.Submit(context.Background(), SubmitRequest{
		AgentID:     agent.ID,
		Type:        TypeDerivativeCreation,
		BusinessKey: "cycle-1",
	}); xerrors.CodeOf(err) != xerrors.CodeInvalidState {
		t.Fatalf("未注册的智能体应拒绝周期触发，实际 %v", err)
	}

	if _, err := fx.service.Submit(context.Background(), SubmitRequest{
		AgentID:     agent.ID,
		Type:        TypeRegistration,
		BusinessKey: "genesis",
	}); err != nil {
		t.Fatalf("注册触发应被接受: %v", err)
	}
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	fx := newServiceFixture(t)
	agent := fx.newActiveAgent(t)

	record, err := fx.service.Submit(context.Background(), SubmitRequest{
		AgentID:     agent.ID,
		Type:        TypeDerivativeCreation,
		BusinessKey: "cycle-1",
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		if _, claimErr := fx.store.Claim(context.Background(), record.ID); claimErr != nil {
			return
		}
		_ = fx.store.MarkSucceeded(context.Background(), record.ID, Outcome{AssetID: "asset-1"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := fx.service.WaitUntilCompleted(ctx, record.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("等待完成失败: %v", err)
	}
	if done.Status != StatusSucceeded || done.Result == nil || done.Result.AssetID != "asset-1" {
		t.Fatalf("终局结果异常: %+v", done)
	}
}

func TestServiceRecoverInFlight(t *testing.T) {
	fx := newServiceFixture(t)
	agent := fx.newActiveAgent(t)

	record, err := fx.service.Submit(context.Background(), SubmitRequest{
		AgentID:     agent.ID,
		Type:        TypeDerivativeCreation,
		BusinessKey: "cycle-1",
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	fx.drainTrigger(t)

	// 模拟进程重启前被打断的执行。
	if _, err := fx.store.Claim(context.Background(), record.ID); err != nil {
		t.Fatalf("领取失败: %v", err)
	}
	if err := fx.store.MarkRetrying(context.Background(), record.ID, xerrors.CodeTimeout, "进程退出"); err != nil {
		t.Fatalf("回写重试状态失败: %v", err)
	}

	recovered, err := fx.service.RecoverInFlight(context.Background())
	if err != nil {
		t.Fatalf("恢复失败: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("期望恢复 1 条，实际 %d", recovered)
	}
	trigger := fx.drainTrigger(t)
	if trigger.Fingerprint() != record.ID {
		t.Fatalf("恢复的触发指向了错误的工作流: %s", trigger.Fingerprint())
	}
}
