package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Store 是幂等存储的抽象：以工作流指纹为键的 CAS 门闩，加上以步骤指纹
// 为键的结果缓存。步骤结果的保留时间必须不短于最大重试退避窗口。
type Store interface {
	// Acquire 尝试占据指纹对应的执行权。返回 false 表示已有持有者。
	Acquire(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error)
	// Release 释放指纹对应的执行权。对未持有的指纹调用是无害的。
	Release(ctx context.Context, fingerprint string) error
	// GetStep 查询步骤指纹对应的历史结果。
	GetStep(ctx context.Context, stepFingerprint string) (json.RawMessage, bool, error)
	// PutStep 在步骤成功后记录其结果。
	PutStep(ctx context.Context, stepFingerprint string, outcome json.RawMessage) error
	Close() error
}

// WorkflowFingerprint 计算 (agent, 工作流类型, 业务键) 的确定性指纹，
// 同时充当工作流 ID 与去重的自然键。
func WorkflowFingerprint(agentID, workflowType, businessKey string) string {
	sum := sha256.Sum256([]byte(agentID + "\x00" + workflowType + "\x00" + businessKey))
	return hex.EncodeToString(sum[:])
}

// StepFingerprint 计算 (工作流 ID, 步骤序号, 步骤输入) 的确定性指纹。
// 输入会先做 JSON 规范化，保证重放时产生相同的键。
func StepFingerprint(workflowID string, stepIndex int, inputs any) (string, error) {
	encoded, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("编码步骤输入失败: %w", err)
	}
	payload := fmt.Sprintf("%s\x00%d\x00%s", workflowID, stepIndex, encoded)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:]), nil
}
