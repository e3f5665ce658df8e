package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "Idolly-Chain/internal/errors"
)

// MemoryStore 以内存方式保存工作流记录，主要用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return ErrWorkflowConflict
	}
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m.records[record.ID] = cloneRecord(record)
	return nil
}

// Get 返回工作流记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return cloneRecord(record), nil
}

// Claim 把记录置为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	if record.Terminal() {
		return cloneRecord(record), ErrWorkflowCompleted
	}
	if record.Status == StatusRunning {
		return cloneRecord(record), ErrWorkflowConflict
	}
	record.Status = StatusRunning
	record.Attempts++
	record.UpdatedAt = time.Now().Unix()
	return cloneRecord(record), nil
}

// AdvanceStep 推进断点。
func (m *MemoryStore) AdvanceStep(_ context.Context, id string, stepIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	if record.Terminal() {
		return ErrWorkflowCompleted
	}
	if stepIndex > record.StepIndex {
		record.StepIndex = stepIndex
	}
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkRetrying 记录一次可重试失败。
func (m *MemoryStore) MarkRetrying(_ context.Context, id string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	if record.Terminal() {
		return ErrWorkflowCompleted
	}
	record.Status = StatusRetrying
	record.ErrorCode = string(code)
	record.LastError = lastError
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	record.Status = StatusSucceeded
	record.Result = &outcome
	record.LastError = ""
	record.ErrorCode = ""
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记工作流失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string) error {
	return m.markTerminal(id, StatusFailed, code, lastError)
}

// MarkAborted 标记工作流主动中止。
func (m *MemoryStore) MarkAborted(_ context.Context, id string, code xerrors.Code, lastError string) error {
	return m.markTerminal(id, StatusAborted, code, lastError)
}

func (m *MemoryStore) markTerminal(id string, status Status, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	record.Status = status
	record.ErrorCode = string(code)
	record.LastError = lastError
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的工作流。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		results = append(results, cloneRecord(record))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Record{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的工作流数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (WorkflowStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := WorkflowStats{}
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		stats.Total++
		switch record.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusRetrying:
			stats.Retrying++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		case StatusAborted:
			stats.Aborted++
		}
		if record.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = record.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (record.UpdatedAt != 0 && record.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = record.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(record *Record, opts ListOptions) bool {
	if opts.AgentID != "" && record.AgentID != opts.AgentID {
		return false
	}
	if len(opts.Types) > 0 {
		matched := false
		for _, t := range opts.Types {
			if record.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if record.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && record.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && record.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
