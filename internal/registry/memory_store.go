package registry

import (
	"context"
	"sync"
	"time"

	xerrors "Idolly-Chain/internal/errors"
	"Idolly-Chain/internal/ledger"
)

// MemoryStore 以内存方式保存智能体状态，主要用于测试。
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*Agent)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, agent *Agent) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	if agent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; ok {
		return ErrAgentConflict
	}
	now := time.Now().Unix()
	if agent.CreatedAt == 0 {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	m.agents[agent.ID] = cloneAgent(agent)
	return nil
}

// Get 返回智能体。
func (m *MemoryStore) Get(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneAgent(agent), nil
}

// List 返回全部智能体。
func (m *MemoryStore) List(_ context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		agents = append(agents, cloneAgent(agent))
	}
	return agents, nil
}

// UpdateState 实现 Store 接口的 CAS 状态更新。
func (m *MemoryStore) UpdateState(_ context.Context, id string, from, to State) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	if agent.State != from {
		return cloneAgent(agent), ErrInvalidTransition
	}
	agent.State = to
	agent.UpdatedAt = time.Now().Unix()
	return cloneAgent(agent), nil
}

// BindRootAsset 记录注册工作流分配的根资产标识。
func (m *MemoryStore) BindRootAsset(_ context.Context, id, rootAssetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	agent.RootAssetID = rootAssetID
	agent.UpdatedAt = time.Now().Unix()
	return nil
}

// UpdateTerms 更新授权条款快照。
func (m *MemoryStore) UpdateTerms(_ context.Context, id string, terms ledger.LicenseTerms) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	agent.Terms = terms
	agent.UpdatedAt = time.Now().Unix()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
