package catalog

import (
	xerrors "Idolly-Chain/internal/errors"
)

// TokenStatus 表示许可令牌的状态。
type TokenStatus string

const (
	TokenMinted   TokenStatus = "minted"
	TokenConsumed TokenStatus = "consumed"
	TokenExpired  TokenStatus = "expired"
)

// AssetRecord 描述账本上一个已注册的资产，创建后不可变。
// 根资产的 ParentAssetIDs 为空，衍生资产有一到两个父资产。
type AssetRecord struct {
	AssetID        string   `json:"asset_id"`
	AgentID        string   `json:"agent_id"`
	ParentAssetIDs []string `json:"parent_asset_ids,omitempty"`
	ContentRef     string   `json:"content_ref"`
	TxHash         string   `json:"tx_hash"`
	RegisteredAt   int64    `json:"registered_at"`
}

// IsRoot 判断资产是否为根资产。
func (a *AssetRecord) IsRoot() bool {
	return len(a.ParentAssetIDs) == 0
}

// LicenseToken 描述一次许可铸造。令牌只会被消费一次，
// 衍生创作失败留下的未消费令牌由收益维护工作流侦测对账。
type LicenseToken struct {
	TokenID         string      `json:"token_id"`
	LicensorAssetID string      `json:"licensor_asset_id"`
	LicenseeAgentID string      `json:"licensee_agent_id"`
	Amount          uint64      `json:"amount"`
	Status          TokenStatus `json:"status"`
	TxHash          string      `json:"tx_hash"`
	MintedAt        int64       `json:"minted_at"`
	UpdatedAt       int64       `json:"updated_at"`
}

// RoyaltyClaim 记录一次成功的收益领取，只追加不修改。
type RoyaltyClaim struct {
	ID        string `json:"id"`
	AssetID   string `json:"asset_id"`
	AgentID   string `json:"agent_id"`
	Amount    uint64 `json:"amount"`
	TxHash    string `json:"tx_hash"`
	ClaimedAt int64  `json:"claimed_at"`
}

var (
	// ErrAssetNotFound 表示资产记录不存在。
	ErrAssetNotFound = xerrors.New(xerrors.CodeNotFound, "asset record not found")
	// ErrAssetConflict 表示资产标识已被记录。
	ErrAssetConflict = xerrors.New(xerrors.CodeConflict, "asset already recorded", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTokenNotFound 表示许可令牌不存在。
	ErrTokenNotFound = xerrors.New(xerrors.CodeNotFound, "license token not found")
	// ErrTokenConsumed 表示许可令牌已经被消费。
	ErrTokenConsumed = xerrors.New(xerrors.CodeInvalidState, "license token already consumed")
)
