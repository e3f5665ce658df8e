package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore 以内存方式实现幂等存储，主要用于测试与单机部署。
type MemoryStore struct {
	mu        sync.Mutex
	locks     map[string]time.Time
	steps     map[string]stepEntry
	retention time.Duration
}

type stepEntry struct {
	outcome    json.RawMessage
	recordedAt time.Time
}

// NewMemoryStore 创建 MemoryStore。retention 控制步骤结果的保留时间。
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &MemoryStore{
		locks:     make(map[string]time.Time),
		steps:     make(map[string]stepEntry),
		retention: retention,
	}
}

// Acquire 实现 Store 接口。
func (m *MemoryStore) Acquire(_ context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if expires, ok := m.locks[fingerprint]; ok && now.Before(expires) {
		return false, nil
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	m.locks[fingerprint] = now.Add(ttl)
	return true, nil
}

// Release 实现 Store 接口。
func (m *MemoryStore) Release(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, fingerprint)
	return nil
}

// GetStep 实现 Store 接口。
func (m *MemoryStore) GetStep(_ context.Context, stepFingerprint string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.steps[stepFingerprint]
	if !ok {
		return nil, false, nil
	}
	if time.Since(entry.recordedAt) > m.retention {
		delete(m.steps, stepFingerprint)
		return nil, false, nil
	}
	clone := make(json.RawMessage, len(entry.outcome))
	copy(clone, entry.outcome)
	return clone, true, nil
}

// PutStep 实现 Store 接口。
func (m *MemoryStore) PutStep(_ context.Context, stepFingerprint string, outcome json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := make(json.RawMessage, len(outcome))
	copy(clone, outcome)
	m.steps[stepFingerprint] = stepEntry{outcome: clone, recordedAt: time.Now()}
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
