package scheduler

import (
	"context"
	"testing"
	"time"

	"Idolly-Chain/internal/ledger"
	"Idolly-Chain/internal/market"
	"Idolly-Chain/internal/registry"
	"Idolly-Chain/internal/workflow"
)

type fixture struct {
	scheduler *Scheduler
	registry  *registry.Registry
	store     workflow.Store
}

func newFixture(t *testing.T, scanner market.Scanner) *fixture {
	t.Helper()
	reg := registry.New(registry.NewMemoryStore())
	store := workflow.NewMemoryStore()
	service := workflow.NewService(reg, store, workflow.NewMemoryQueue(64))
	return &fixture{
		scheduler: New(reg, service, scanner, Config{}),
		registry:  reg,
		store:     store,
	}
}

func (fx *fixture) newAgent(t *testing.T, role registry.Role, active bool) *registry.Agent {
	t.Helper()
	agent, err := fx.registry.Register(context.Background(), registry.RegisterRequest{
		Role:    role,
		Terms:   ledger.LicenseTerms{RevSharePercent: 5, Transferable: true},
		Policy:  registry.Policy{MaxMintingFee: 100, MaxRevSharePercent: 20},
		Profile: registry.Profile{Name: "aria", Style: "neo-pop", ContentType: "image"},
	})
	if err != nil {
		t.Fatalf("注册智能体失败: %v", err)
	}
	if active {
		for _, event := range []registry.Event{registry.EventBeginRegistration, registry.EventRegistered} {
			if _, err := fx.registry.Transition(context.Background(), agent.ID, event); err != nil {
				t.Fatalf("状态迁移失败: %v", err)
			}
		}
		if err := fx.registry.BindRootAsset(context.Background(), agent.ID, "asset-root"); err != nil {
			t.Fatalf("绑定根资产失败: %v", err)
		}
	}
	return agent
}

func (fx *fixture) listRecords(t *testing.T) []*workflow.Record {
	t.Helper()
	records, err := fx.store.List(context.Background(), workflow.ListOptions{Limit: 100})
	if err != nil {
		t.Fatalf("读取工作流列表失败: %v", err)
	}
	return records
}

func TestTickContentOnlyTargetsActiveAgents(t *testing.T) {
	fx := newFixture(t, nil)
	active := fx.newAgent(t, registry.RoleIdol, true)
	fx.newAgent(t, registry.RoleIdol, false)

	fx.scheduler.tickContent(context.Background(), time.Now())

	records := fx.listRecords(t)
	if len(records) != 1 {
		t.Fatalf("只有活跃智能体应收到触发，实际 %d 条", len(records))
	}
	if records[0].AgentID != active.ID || records[0].Type != workflow.TypeDerivativeCreation {
		t.Fatalf("触发指向错误: %+v", records[0])
	}
}

func TestTickSharesBucketAcrossRepeats(t *testing.T) {
	fx := newFixture(t, nil)
	fx.newAgent(t, registry.RoleIdol, true)

	now := time.Now().Truncate(defaultContentInterval)
	fx.scheduler.tickContent(context.Background(), now)
	fx.scheduler.tickContent(context.Background(), now.Add(time.Minute))

	records := fx.listRecords(t)
	if len(records) != 1 {
		t.Fatalf("同一时间桶内的重复触发应收敛，实际 %d 条", len(records))
	}
}

func TestTickScanSubmitsRemixPerCandidate(t *testing.T) {
	scanner := market.NewStaticMarket([]market.Listing{
		{AssetID: "asset-pop", Tags: []string{"neo-pop", "image"}, Popularity: 0.9},
		{AssetID: "asset-ink", Tags: []string{"ink", "image"}, Popularity: 0.8},
	}, 0.5, 3)
	fx := newFixture(t, scanner)
	agent := fx.newAgent(t, registry.RoleIdol, true)

	fx.scheduler.tickScan(context.Background(), time.Now())

	records := fx.listRecords(t)
	if len(records) != 2 {
		t.Fatalf("期望每个候选一条 Remix，实际 %d 条", len(records))
	}
	for _, record := range records {
		if record.Type != workflow.TypeRemix || record.AgentID != agent.ID {
			t.Fatalf("触发内容异常: %+v", record)
		}
		if record.Trigger.TargetAssetID == "" {
			t.Fatalf("Remix 触发必须携带目标资产: %+v", record)
		}
	}
}

func TestTickScanSkipsOwnRootAsset(t *testing.T) {
	scanner := market.NewStaticMarket([]market.Listing{
		{AssetID: "asset-root", Tags: []string{"neo-pop", "image"}, Popularity: 0.9},
	}, 0.5, 3)
	fx := newFixture(t, scanner)
	fx.newAgent(t, registry.RoleIdol, true)

	fx.scheduler.tickScan(context.Background(), time.Now())

	if records := fx.listRecords(t); len(records) != 0 {
		t.Fatalf("智能体不应 Remix 自己的根资产，实际 %d 条", len(records))
	}
}

func TestTickRespectsRoleCapabilities(t *testing.T) {
	fx := newFixture(t, nil)
	fx.newAgent(t, registry.RoleSocial, true)

	fx.scheduler.tickMaintenance(context.Background(), time.Now())

	if records := fx.listRecords(t); len(records) != 0 {
		t.Fatalf("social 角色不承接收益维护，实际 %d 条", len(records))
	}
}

func TestBucketKeyAlignsToInterval(t *testing.T) {
	interval := 30 * time.Minute
	base := time.Unix(1_700_000_000, 0).Truncate(interval)

	first := bucketKey("scan", base, interval)
	second := bucketKey("scan", base.Add(29*time.Minute), interval)
	third := bucketKey("scan", base.Add(31*time.Minute), interval)

	if first != second {
		t.Fatalf("同一周期内的键应一致: %s vs %s", first, second)
	}
	if first == third {
		t.Fatalf("跨周期的键应不同: %s", first)
	}
}
