package ledger

import "context"

// TxRef 是账本返回的持久化交易引用。
type TxRef string

// LicenseTerms 描述一个资产当前挂出的授权条款快照。
type LicenseTerms struct {
	MintingFee      uint64 `json:"minting_fee"`
	RevSharePercent uint32 `json:"rev_share_percent"`
	Currency        string `json:"currency"`
	Transferable    bool   `json:"transferable"`
	Expiration      int64  `json:"expiration"`
}

// Equal 判断两份条款是否一致，用于避免无意义的链上更新。
func (t LicenseTerms) Equal(other LicenseTerms) bool {
	return t.MintingFee == other.MintingFee &&
		t.RevSharePercent == other.RevSharePercent &&
		t.Currency == other.Currency &&
		t.Transferable == other.Transferable &&
		t.Expiration == other.Expiration
}

// AssetRegistration 是注册根资产或衍生资产的结果。
type AssetRegistration struct {
	AssetID string `json:"asset_id"`
	TxRef   TxRef  `json:"tx_ref"`
}

// LicenseMint 是铸造授权凭证的结果。
type LicenseMint struct {
	TokenID string `json:"token_id"`
	TxRef   TxRef  `json:"tx_ref"`
}

// RoyaltyData 汇总一个资产当前可领取的版税信息。
type RoyaltyData struct {
	Accrued         uint64       `json:"accrued"`
	DerivativeCount int          `json:"derivative_count"`
	Terms           LicenseTerms `json:"terms"`
}

// RoyaltyClaimResult 是领取版税的结果。
type RoyaltyClaimResult struct {
	Amount uint64 `json:"amount"`
	TxRef  TxRef  `json:"tx_ref"`
}

// Gateway 抽象了可编程所有权账本的能力集。所有调用要求在相同参数下
// 可安全地重复执行；去重由上层的幂等存储保证。
type Gateway interface {
	// RegisterAsset 以给定的元数据引用注册一个根资产。
	RegisterAsset(ctx context.Context, metadataRef string) (AssetRegistration, error)
	// MintLicense 针对授权方资产铸造指定数量的授权凭证。
	MintLicense(ctx context.Context, licensorAssetID string, amount uint64, receiver string) (LicenseMint, error)
	// RegisterDerivative 注册一个衍生资产，消耗给定的授权凭证。
	RegisterDerivative(ctx context.Context, parentAssetIDs []string, contentRef string, consumedTokenIDs []string) (AssetRegistration, error)
	// GetLicenseTerms 读取目标资产当前的授权条款。
	GetLicenseTerms(ctx context.Context, assetID string) (LicenseTerms, error)
	// UpdateLicenseTerms 更新资产挂出的授权条款。
	UpdateLicenseTerms(ctx context.Context, assetID string, terms LicenseTerms) (TxRef, error)
	// GetRoyaltyData 读取资产当前累积的版税快照。
	GetRoyaltyData(ctx context.Context, assetID string) (RoyaltyData, error)
	// ClaimRoyalties 领取资产全部未领取的版税。
	ClaimRoyalties(ctx context.Context, assetID, claimer string) (RoyaltyClaimResult, error)
}
