package catalog

import "context"

// Store 抽象了资产、许可令牌与收益记录的持久化接口。
type Store interface {
	RecordAsset(ctx context.Context, record *AssetRecord) error
	GetAsset(ctx context.Context, assetID string) (*AssetRecord, error)
	ListAssetsByAgent(ctx context.Context, agentID string) ([]*AssetRecord, error)

	RecordToken(ctx context.Context, token *LicenseToken) error
	// ConsumeToken 以 CAS 语义把令牌从 minted 置为 consumed，
	// 已消费的令牌返回 ErrTokenConsumed。
	ConsumeToken(ctx context.Context, tokenID string) error
	// ListDanglingTokens 返回某个智能体名下铸造后一直未被消费的令牌，
	// 供收益维护工作流对账。
	ListDanglingTokens(ctx context.Context, licenseeAgentID string, mintedBefore int64) ([]*LicenseToken, error)
	ExpireToken(ctx context.Context, tokenID string) error

	RecordClaim(ctx context.Context, claim *RoyaltyClaim) error
	ListClaims(ctx context.Context, agentID string, limit int) ([]*RoyaltyClaim, error)

	Close() error
}
