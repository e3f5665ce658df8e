package registry

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	xerrors "Idolly-Chain/internal/errors"
	"Idolly-Chain/internal/ledger"
	"Idolly-Chain/pkg/logger"
)

// RegisterRequest 描述创建智能体所需的参数。
type RegisterRequest struct {
	ID        string              `json:"id,omitempty"`
	Role      Role                `json:"role"`
	WalletRef string              `json:"wallet_ref,omitempty"`
	Terms     ledger.LicenseTerms `json:"terms"`
	Policy    Policy              `json:"policy"`
	Profile   Profile             `json:"profile"`
}

// Registry 是智能体存在性与生命周期状态的唯一权威来源。
// 所有状态迁移都通过存储层的 CAS 完成，停止信号通过关闭通道广播给在途工作流。
type Registry struct {
	store Store

	mu    sync.Mutex
	stops map[string]chan struct{}
}

// New 构造 Registry。
func New(store Store) *Registry {
	return &Registry{store: store, stops: make(map[string]chan struct{})}
}

// Register 创建一个新的智能体，初始状态为 Created。
// 标识已存在时返回 ErrAgentConflict。
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Agent, error) {
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册表存储未初始化")
	}
	if !IsValidRole(req.Role) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的智能体角色: "+string(req.Role))
	}
	if strings.TrimSpace(req.Profile.Name) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体名称不能为空")
	}

	agentID := strings.TrimSpace(req.ID)
	if agentID == "" {
		agentID = uuid.NewString()
	}

	agent := &Agent{
		ID:        agentID,
		Role:      req.Role,
		State:     StateCreated,
		WalletRef: req.WalletRef,
		Terms:     req.Terms,
		Policy:    req.Policy,
		Profile:   req.Profile,
	}
	if err := r.store.Create(ctx, agent); err != nil {
		return nil, err
	}
	logger.Audit().Info("智能体已创建",
		slog.String("agent_id", agentID),
		slog.String("role", string(req.Role)),
		slog.String("name", req.Profile.Name),
	)
	return agent, nil
}

// Get 返回指定智能体，不存在时返回 ErrAgentNotFound。
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册表存储未初始化")
	}
	return r.store.Get(ctx, id)
}

// List 返回全部智能体。
func (r *Registry) List(ctx context.Context) ([]*Agent, error) {
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册表存储未初始化")
	}
	return r.store.List(ctx)
}

// Transition 将生命周期事件作用于智能体，事件在当前状态下不合法时
// 返回 ErrInvalidTransition。存储层的 CAS 保证并发迁移不会互相覆盖。
func (r *Registry) Transition(ctx context.Context, id string, event Event) (*Agent, error) {
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册表存储未初始化")
	}
	agent, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, ok := Next(agent.State, event)
	if !ok {
		return agent, xerrors.Wrap(xerrors.CodeInvalidTransition, ErrInvalidTransition,
			"事件 "+string(event)+" 不适用于状态 "+string(agent.State))
	}
	updated, err := r.store.UpdateState(ctx, id, agent.State, next)
	if err != nil {
		return updated, err
	}
	if next == StateStopped {
		r.signalStop(id)
	}
	logger.Audit().Info("智能体状态迁移",
		slog.String("agent_id", id),
		slog.String("event", string(event)),
		slog.String("from", string(agent.State)),
		slog.String("to", string(next)),
	)
	return updated, nil
}

// Deactivate 将智能体置为 Stopped，对已停止的智能体幂等。
func (r *Registry) Deactivate(ctx context.Context, id string) (*Agent, error) {
	agent, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.State == StateStopped {
		r.signalStop(id)
		return agent, nil
	}
	return r.Transition(ctx, id, EventStop)
}

// Resume 将被暂停的智能体恢复到 Active。
func (r *Registry) Resume(ctx context.Context, id string) (*Agent, error) {
	return r.Transition(ctx, id, EventResume)
}

// BindRootAsset 记录注册工作流为智能体分配的根资产。
func (r *Registry) BindRootAsset(ctx context.Context, id, rootAssetID string) error {
	if r.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "注册表存储未初始化")
	}
	return r.store.BindRootAsset(ctx, id, rootAssetID)
}

// UpdateTerms 更新智能体的授权条款快照。
func (r *Registry) UpdateTerms(ctx context.Context, id string, terms ledger.LicenseTerms) error {
	if r.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "注册表存储未初始化")
	}
	return r.store.UpdateTerms(ctx, id, terms)
}

// AcceptsTriggers 判断智能体当前是否接受新的触发。
// Created 状态只接受注册触发，Active 接受周期触发，其余状态一律拒绝。
func (r *Registry) AcceptsTriggers(ctx context.Context, id, workflowType string) error {
	agent, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !Allows(agent.Role, workflowType) {
		return xerrors.New(xerrors.CodePolicyRejected,
			"角色 "+string(agent.Role)+" 不承接工作流 "+workflowType)
	}
	switch agent.State {
	case StateCreated:
		if workflowType != "registration" {
			return xerrors.New(xerrors.CodeInvalidState, "智能体尚未完成注册")
		}
		return nil
	case StateActive:
		if workflowType == "registration" {
			return xerrors.New(xerrors.CodeInvalidState, "智能体已完成注册")
		}
		return nil
	case StateRegistering:
		return xerrors.New(xerrors.CodeConflict, "注册工作流进行中")
	case StateSuspended:
		return xerrors.New(xerrors.CodeInvalidState, "智能体已暂停，需要显式恢复")
	case StateStopped:
		return xerrors.New(xerrors.CodeInvalidState, "智能体已停止")
	default:
		return xerrors.New(xerrors.CodeInvalidState, "未知的智能体状态: "+string(agent.State))
	}
}

// StopSignal 返回智能体的停止信号通道。智能体进入 Stopped 时通道被关闭，
// 在途工作流在步骤边界检查它以协作式中止。
func (r *Registry) StopSignal(id string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.stops[id]
	if !ok {
		ch = make(chan struct{})
		r.stops[id] = ch
	}
	return ch
}

func (r *Registry) signalStop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.stops[id]
	if !ok {
		ch = make(chan struct{})
		r.stops[id] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Load 在启动时把持久化的智能体装入进程，并为已停止的智能体恢复停止信号。
func (r *Registry) Load(ctx context.Context) (int, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, agent := range agents {
		if agent.State == StateStopped {
			r.signalStop(agent.ID)
		}
	}
	logger.L().Info("智能体注册表装载完成", slog.Int("count", len(agents)))
	return len(agents), nil
}

// Close 释放底层存储。
func (r *Registry) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

// IsNotFound 判断错误是否为智能体不存在。
func IsNotFound(err error) bool {
	return stdErrors.Is(err, ErrAgentNotFound)
}
