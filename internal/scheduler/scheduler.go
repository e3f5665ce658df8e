package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "Idolly-Chain/internal/errors"
	"Idolly-Chain/internal/market"
	"Idolly-Chain/internal/registry"
	"Idolly-Chain/internal/workflow"
	"Idolly-Chain/pkg/logger"
)

// 默认的调度周期。
const (
	defaultContentInterval     = 2 * time.Hour
	defaultMaintenanceInterval = 24 * time.Hour
	defaultScanInterval        = 30 * time.Minute
)

// Config 描述各类周期触发的间隔。
type Config struct {
	ContentInterval     time.Duration `json:"content_interval"`
	MaintenanceInterval time.Duration `json:"maintenance_interval"`
	ScanInterval        time.Duration `json:"scan_interval"`
}

func (c Config) withDefaults() Config {
	if c.ContentInterval <= 0 {
		c.ContentInterval = defaultContentInterval
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = defaultMaintenanceInterval
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = defaultScanInterval
	}
	return c
}

// Scheduler 为活跃的智能体产生周期触发：定期创作、市场扫描与收益维护。
// 业务键取调度周期对齐后的时间桶，借助工作流指纹天然去重，
// 多实例部署时同一个周期只会产生一次执行。
type Scheduler struct {
	registry *registry.Registry
	service  *workflow.Service
	scanner  market.Scanner
	cfg      Config
}

// New 构造 Scheduler。scanner 为空时跳过市场扫描。
func New(reg *registry.Registry, service *workflow.Service, scanner market.Scanner, cfg Config) *Scheduler {
	return &Scheduler{
		registry: reg,
		service:  service,
		scanner:  scanner,
		cfg:      cfg.withDefaults(),
	}
}

// Start 启动调度循环，阻塞直到 ctx 取消。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.registry == nil || s.service == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调度器未初始化")
	}

	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		tick     func(ctx context.Context, now time.Time)
	}{
		{"content", s.cfg.ContentInterval, s.tickContent},
		{"maintenance", s.cfg.MaintenanceInterval, s.tickMaintenance},
		{"market_scan", s.cfg.ScanInterval, s.tickScan},
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(name string, interval time.Duration, tick func(ctx context.Context, now time.Time)) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			logger.L().Info("调度循环已启动",
				slog.String("loop", name),
				slog.Duration("interval", interval),
			)
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					tick(ctx, now)
				}
			}
		}(loop.name, loop.interval, loop.tick)
	}
	wg.Wait()
	return ctx.Err()
}

// tickContent 为每个活跃智能体提交一次衍生创作。
func (s *Scheduler) tickContent(ctx context.Context, now time.Time) {
	bucket := bucketKey("content", now, s.cfg.ContentInterval)
	s.forEachActive(ctx, string(workflow.TypeDerivativeCreation), func(agent *registry.Agent) {
		s.submit(ctx, workflow.SubmitRequest{
			AgentID:     agent.ID,
			Type:        workflow.TypeDerivativeCreation,
			BusinessKey: bucket,
			Source:      "scheduler",
		})
	})
}

// tickMaintenance 为每个活跃智能体提交一次收益维护。
func (s *Scheduler) tickMaintenance(ctx context.Context, now time.Time) {
	bucket := bucketKey("maintenance", now, s.cfg.MaintenanceInterval)
	s.forEachActive(ctx, string(workflow.TypeRevenueMaintenance), func(agent *registry.Agent) {
		s.submit(ctx, workflow.SubmitRequest{
			AgentID:     agent.ID,
			Type:        workflow.TypeRevenueMaintenance,
			BusinessKey: bucket,
			Source:      "scheduler",
		})
	})
}

// tickScan 扫描市场，为匹配到授权目标的智能体提交 Remix。
// 业务键带上目标资产，同一个周期内不同目标互不影响。
func (s *Scheduler) tickScan(ctx context.Context, now time.Time) {
	if s.scanner == nil {
		return
	}
	bucket := bucketKey("scan", now, s.cfg.ScanInterval)
	s.forEachActive(ctx, string(workflow.TypeRemix), func(agent *registry.Agent) {
		for _, candidate := range s.scanner.Scan(agent.Profile.Style, agent.Profile.ContentType) {
			if candidate.Listing.AssetID == agent.RootAssetID {
				continue
			}
			s.submit(ctx, workflow.SubmitRequest{
				AgentID:       agent.ID,
				Type:          workflow.TypeRemix,
				BusinessKey:   fmt.Sprintf("%s-%s", bucket, candidate.Listing.AssetID),
				TargetAssetID: candidate.Listing.AssetID,
				Source:        "scheduler",
			})
		}
	})
}

// forEachActive 遍历能承接指定工作流类型的活跃智能体。
func (s *Scheduler) forEachActive(ctx context.Context, workflowType string, fn func(agent *registry.Agent)) {
	agents, err := s.registry.List(ctx)
	if err != nil {
		logger.L().Error("调度器读取智能体列表失败", slog.Any("error", err))
		return
	}
	for _, agent := range agents {
		if agent.State != registry.StateActive {
			continue
		}
		if !registry.Allows(agent.Role, workflowType) {
			continue
		}
		fn(agent)
	}
}

func (s *Scheduler) submit(ctx context.Context, req workflow.SubmitRequest) {
	record, err := s.service.Submit(ctx, req)
	if err != nil {
		// 指纹去重之外的拒绝（状态变化、策略限制）不是调度器的错误。
		logger.L().Debug("周期触发未被接受",
			slog.String("agent_id", req.AgentID),
			slog.String("type", string(req.Type)),
			slog.String("business_key", req.BusinessKey),
			slog.Any("error", err),
		)
		return
	}
	logger.L().Debug("周期触发已提交",
		slog.String("workflow_id", record.ID),
		slog.String("agent_id", req.AgentID),
		slog.String("type", string(req.Type)),
	)
}

// bucketKey 把时间对齐到调度周期，作为业务键保证同周期触发收敛。
func bucketKey(prefix string, now time.Time, interval time.Duration) string {
	return fmt.Sprintf("%s-%d", prefix, now.Truncate(interval).Unix())
}
