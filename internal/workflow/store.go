package workflow

import (
	"context"

	xerrors "Idolly-Chain/internal/errors"
)

// Store 抽象了工作流记录的持久化接口。
type Store interface {
	// Create 以指纹为主键插入记录，指纹已存在时返回 ErrWorkflowConflict。
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// Claim 把 pending/retrying 的记录置为 running，终态记录返回
	// ErrWorkflowCompleted，运行中的记录返回 ErrWorkflowConflict。
	Claim(ctx context.Context, id string) (*Record, error)
	// AdvanceStep 在一步成功后推进断点，重放从这里恢复。
	AdvanceStep(ctx context.Context, id string, stepIndex int) error
	MarkRetrying(ctx context.Context, id string, code xerrors.Code, lastError string) error
	MarkSucceeded(ctx context.Context, id string, outcome Outcome) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error
	MarkAborted(ctx context.Context, id string, code xerrors.Code, lastError string) error
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Stats(ctx context.Context, opts ListOptions) (WorkflowStats, error)
	Close() error
}
