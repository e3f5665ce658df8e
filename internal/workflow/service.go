package workflow

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Idolly-Chain/internal/errors"
	"Idolly-Chain/internal/registry"
	"Idolly-Chain/pkg/logger"
)

// SubmitRequest 描述一次工作流提交。
type SubmitRequest struct {
	AgentID       string `json:"agent_id"`
	Type          Type   `json:"type"`
	BusinessKey   string `json:"business_key"`
	TargetAssetID string `json:"target_asset_id,omitempty"`
	Theme         string `json:"theme,omitempty"`
	Source        string `json:"source,omitempty"`
}

// Service 负责工作流的提交与查询。提交以指纹去重：同一
// {agent, type, business key} 元组至多创建一条记录，重复提交返回同一工作流。
type Service struct {
	registry    *registry.Registry
	store       Store
	producer    Producer
	hub         *Hub
	maxAttempts int
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithServiceHub 配置状态订阅分发器。
func WithServiceHub(hub *Hub) ServiceOption {
	return func(s *Service) {
		s.hub = hub
	}
}

// WithMaxAttempts 设置新工作流的步骤重试预算。
func WithMaxAttempts(maxAttempts int) ServiceOption {
	return func(s *Service) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
	}
}

// NewService 构造工作流服务。
func NewService(reg *registry.Registry, store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{
		registry:    reg,
		store:       store,
		producer:    producer,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的工作流并把触发推入队列。指纹已存在时返回既有记录。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Record, error) {
	if s.store == nil || s.producer == nil || s.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工作流服务未初始化")
	}
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, xerrors.New(CodeWorkflowValidation, "agent_id 不能为空")
	}
	if !IsValidType(req.Type) {
		return nil, xerrors.New(CodeWorkflowValidation, "不支持的工作流类型: "+string(req.Type))
	}
	if strings.TrimSpace(req.BusinessKey) == "" {
		return nil, xerrors.New(CodeWorkflowValidation, "business_key 不能为空")
	}
	if req.Type == TypeRemix && strings.TrimSpace(req.TargetAssetID) == "" {
		return nil, xerrors.New(CodeWorkflowValidation, "remix 需要 target_asset_id")
	}

	trigger := Trigger{
		ID:            uuid.NewString(),
		AgentID:       req.AgentID,
		Type:          req.Type,
		BusinessKey:   req.BusinessKey,
		TargetAssetID: req.TargetAssetID,
		Theme:         req.Theme,
		Source:        req.Source,
		EmittedAt:     time.Now().Unix(),
	}
	workflowID := trigger.Fingerprint()

	if existing, err := s.store.Get(ctx, workflowID); err == nil {
		return existing, nil
	} else if !stdErrors.Is(err, ErrWorkflowNotFound) {
		return nil, err
	}

	// 指纹去重前先确认智能体接受该类触发。
	if err := s.registry.AcceptsTriggers(ctx, req.AgentID, string(req.Type)); err != nil {
		return nil, err
	}

	record := recordFromTrigger(trigger, s.maxAttempts)
	if err := s.store.Create(ctx, record); err != nil {
		if stdErrors.Is(err, ErrWorkflowConflict) {
			// 并发提交同一指纹：双方都拿到同一条记录。
			existing, getErr := s.store.Get(ctx, workflowID)
			if getErr == nil {
				return existing, nil
			}
			return nil, getErr
		}
		return nil, err
	}

	if err := s.producer.Publish(ctx, trigger); err != nil {
		logger.L().Error("触发入队失败", slog.Any("error", err), slog.String("workflow_id", workflowID))
		wrapped := xerrors.Wrap(CodeWorkflowPublish, err, "发布工作流触发失败")
		_ = s.store.MarkFailed(ctx, workflowID, CodeWorkflowPublish, wrapped.Error())
		return nil, wrapped
	}
	logger.Audit().Info("工作流已入队",
		slog.String("workflow_id", workflowID),
		slog.String("agent_id", req.AgentID),
		slog.String("type", string(req.Type)),
		slog.String("business_key", req.BusinessKey),
		slog.String("source", req.Source),
	)
	return record, nil
}

// Get 返回指定工作流的状态。
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工作流存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的工作流列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Record, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工作流存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的工作流统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (WorkflowStats, error) {
	if s.store == nil {
		return WorkflowStats{}, xerrors.New(xerrors.CodeInitializationFailure, "工作流存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Watch 订阅工作流状态更新。workflowID 为空时订阅全部。
func (s *Service) Watch(workflowID string) (<-chan Update, func(), error) {
	if s.hub == nil {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "状态订阅未启用")
	}
	ch, cancel := s.hub.Subscribe(workflowID, 16)
	return ch, cancel, nil
}

// RecoverInFlight 在启动时把非终态的工作流触发重新入队，
// 引擎凭持久化断点与步骤指纹安全续跑。
func (s *Service) RecoverInFlight(ctx context.Context) (int, error) {
	if s.store == nil || s.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "工作流服务未初始化")
	}
	records, err := s.store.List(ctx, ListOptions{
		Statuses: []Status{StatusPending, StatusRunning, StatusRetrying},
		Limit:    100,
		Order:    SortByUpdatedAsc,
	})
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, record := range records {
		if err := s.producer.Publish(ctx, record.Trigger); err != nil {
			logger.L().Error("恢复工作流触发失败",
				slog.Any("error", err),
				slog.String("workflow_id", record.ID),
			)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		logger.L().Info("已重放中断的工作流触发", slog.Int("count", recovered))
	}
	return recovered, nil
}

// WaitUntilCompleted 在指定超时时间内轮询工作流状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Record, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		record, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if record.Terminal() {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
