package registry

import (
	"context"

	"Idolly-Chain/internal/ledger"
)

// Store 抽象了智能体状态的持久化接口。
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
	// UpdateState 以 CAS 语义更新生命周期状态，当前状态与 from 不一致时返回
	// ErrInvalidTransition。
	UpdateState(ctx context.Context, id string, from, to State) (*Agent, error)
	BindRootAsset(ctx context.Context, id, rootAssetID string) error
	UpdateTerms(ctx context.Context, id string, terms ledger.LicenseTerms) error
	Close() error
}
