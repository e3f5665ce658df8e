package story

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "Idolly-Chain/internal/errors"
	"Idolly-Chain/internal/ledger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Story Protocol Aeneid 测试网的公共合约地址，可通过配置覆盖。
const (
	DefaultSPGNFTContract     = "0xc32A8a0FF3beDDDa58393d022aF433e78739FAbc"
	DefaultPILLicenseTemplate = "0x2E896b0b2Fdb7457499B56AAaA4AE55BCB4Cd316"
	DefaultRoyaltyPolicyLAP   = "0xBe54FB168b3c982b7AaE60dB6CF75Bd8447b390E"
	DefaultWIPToken           = "0x1514000000000000000000000000000000000000"
)

// 授权条款与版税快照的只读 ABI，与 PIL 模板和 LAP 版税策略合约对齐。
const readABI = `[
  {"name":"licenseTerms","type":"function","stateMutability":"view",
   "inputs":[{"name":"ipId","type":"address"}],
   "outputs":[{"name":"mintingFee","type":"uint256"},{"name":"revShare","type":"uint32"},
              {"name":"currency","type":"address"},{"name":"transferable","type":"bool"},
              {"name":"expiration","type":"uint64"}]},
  {"name":"royaltySnapshot","type":"function","stateMutability":"view",
   "inputs":[{"name":"ipId","type":"address"}],
   "outputs":[{"name":"accrued","type":"uint256"},{"name":"derivativeCount","type":"uint256"}]}
]`

// Config 描述构造 Story Protocol 客户端所需的信息。
type Config struct {
	RPCURL             string
	RelayerRPCURL      string
	SPGNFTContract     string
	PILLicenseTemplate string
	RoyaltyPolicyLAP   string
	WIPToken           string
	ReceiptTimeout     time.Duration
	ReceiptInterval    time.Duration
}

// Client 通过以太坊兼容 RPC 访问 Story Protocol。链上读操作直接走
// eth_call；写操作交给持有签名密钥的 relayer 节点（钱包签名由外部协作方
// 负责），随后在本地等待交易回执确认。
type Client struct {
	eth             *ethclient.Client
	rpcClient       *gethrpc.Client
	relayer         *gethrpc.Client
	readABI         abi.ABI
	spgNFT          common.Address
	pilTemplate     common.Address
	royaltyPolicy   common.Address
	wipToken        common.Address
	receiptTimeout  time.Duration
	receiptInterval time.Duration
	mu              sync.Mutex
}

// NewClient 建立到链节点与 relayer 的连接。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 Story RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接 Story 节点失败: %w", err)
	}

	relayer := rpcClient
	if relayerURL := strings.TrimSpace(cfg.RelayerRPCURL); relayerURL != "" && relayerURL != rpcURL {
		relayer, err = gethrpc.DialContext(ctx, relayerURL)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("连接 relayer 节点失败: %w", err)
		}
	}

	parsed, err := abi.JSON(strings.NewReader(readABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析只读 ABI 失败: %w", err)
	}

	spg := cfg.SPGNFTContract
	if strings.TrimSpace(spg) == "" {
		spg = DefaultSPGNFTContract
	}
	pil := cfg.PILLicenseTemplate
	if strings.TrimSpace(pil) == "" {
		pil = DefaultPILLicenseTemplate
	}
	policy := cfg.RoyaltyPolicyLAP
	if strings.TrimSpace(policy) == "" {
		policy = DefaultRoyaltyPolicyLAP
	}
	wip := cfg.WIPToken
	if strings.TrimSpace(wip) == "" {
		wip = DefaultWIPToken
	}

	receiptTimeout := cfg.ReceiptTimeout
	if receiptTimeout <= 0 {
		receiptTimeout = 30 * time.Second
	}
	receiptInterval := cfg.ReceiptInterval
	if receiptInterval <= 0 {
		receiptInterval = time.Second
	}

	return &Client{
		eth:             ethclient.NewClient(rpcClient),
		rpcClient:       rpcClient,
		relayer:         relayer,
		readABI:         parsed,
		spgNFT:          common.HexToAddress(spg),
		pilTemplate:     common.HexToAddress(pil),
		royaltyPolicy:   common.HexToAddress(policy),
		wipToken:        common.HexToAddress(wip),
		receiptTimeout:  receiptTimeout,
		receiptInterval: receiptInterval,
	}, nil
}

// Close 释放底层连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relayer != nil && c.relayer != c.rpcClient {
		c.relayer.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
	c.relayer = nil
}

type relayResult struct {
	AssetID string `json:"asset_id,omitempty"`
	TokenID string `json:"token_id,omitempty"`
	Amount  uint64 `json:"amount,omitempty"`
	TxHash  string `json:"tx_hash"`
}

// RegisterAsset 实现 ledger.Gateway。
func (c *Client) RegisterAsset(ctx context.Context, metadataRef string) (ledger.AssetRegistration, error) {
	if strings.TrimSpace(metadataRef) == "" {
		return ledger.AssetRegistration{}, xerrors.New(xerrors.CodeInvalidArgument, "元数据引用不能为空")
	}
	var result relayResult
	err := c.relay(ctx, &result, "story_registerAsset", map[string]any{
		"metadata_ref":     metadataRef,
		"spg_nft_contract": c.spgNFT.Hex(),
	})
	if err != nil {
		return ledger.AssetRegistration{}, err
	}
	if err := c.confirm(ctx, result.TxHash); err != nil {
		return ledger.AssetRegistration{}, err
	}
	return ledger.AssetRegistration{AssetID: result.AssetID, TxRef: ledger.TxRef(result.TxHash)}, nil
}

// MintLicense 实现 ledger.Gateway。
func (c *Client) MintLicense(ctx context.Context, licensorAssetID string, amount uint64, receiver string) (ledger.LicenseMint, error) {
	if !common.IsHexAddress(licensorAssetID) {
		return ledger.LicenseMint{}, xerrors.New(xerrors.CodeInvalidArgument, "授权方资产 ID 非法")
	}
	if amount == 0 {
		amount = 1
	}
	var result relayResult
	err := c.relay(ctx, &result, "story_mintLicense", map[string]any{
		"licensor_ip_id":   licensorAssetID,
		"license_template": c.pilTemplate.Hex(),
		"amount":           amount,
		"receiver":         receiver,
	})
	if err != nil {
		return ledger.LicenseMint{}, err
	}
	if err := c.confirm(ctx, result.TxHash); err != nil {
		return ledger.LicenseMint{}, err
	}
	return ledger.LicenseMint{TokenID: result.TokenID, TxRef: ledger.TxRef(result.TxHash)}, nil
}

// RegisterDerivative 实现 ledger.Gateway。
func (c *Client) RegisterDerivative(ctx context.Context, parentAssetIDs []string, contentRef string, consumedTokenIDs []string) (ledger.AssetRegistration, error) {
	if len(parentAssetIDs) == 0 {
		return ledger.AssetRegistration{}, xerrors.New(xerrors.CodeInvalidArgument, "衍生资产必须至少有一个父资产")
	}
	var result relayResult
	err := c.relay(ctx, &result, "story_registerDerivative", map[string]any{
		"parent_ip_ids":     parentAssetIDs,
		"content_ref":       contentRef,
		"license_token_ids": consumedTokenIDs,
		"max_rts":           100_000_000,
	})
	if err != nil {
		return ledger.AssetRegistration{}, err
	}
	if err := c.confirm(ctx, result.TxHash); err != nil {
		return ledger.AssetRegistration{}, err
	}
	return ledger.AssetRegistration{AssetID: result.AssetID, TxRef: ledger.TxRef(result.TxHash)}, nil
}

// GetLicenseTerms 实现 ledger.Gateway。
func (c *Client) GetLicenseTerms(ctx context.Context, assetID string) (ledger.LicenseTerms, error) {
	if !common.IsHexAddress(assetID) {
		return ledger.LicenseTerms{}, xerrors.New(xerrors.CodeInvalidArgument, "资产 ID 非法")
	}
	input, err := c.readABI.Pack("licenseTerms", common.HexToAddress(assetID))
	if err != nil {
		return ledger.LicenseTerms{}, fmt.Errorf("编码 licenseTerms 调用失败: %w", err)
	}
	output, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.pilTemplate, Data: input}, nil)
	if err != nil {
		return ledger.LicenseTerms{}, xerrors.Classify(err, "读取授权条款失败")
	}
	values, err := c.readABI.Unpack("licenseTerms", output)
	if err != nil || len(values) != 5 {
		return ledger.LicenseTerms{}, xerrors.Wrap(xerrors.CodeInvalidState, err, "解码授权条款失败")
	}
	fee, _ := values[0].(*big.Int)
	share, _ := values[1].(uint32)
	currency, _ := values[2].(common.Address)
	transferable, _ := values[3].(bool)
	expiration, _ := values[4].(uint64)
	if fee == nil {
		fee = new(big.Int)
	}
	return ledger.LicenseTerms{
		MintingFee:      fee.Uint64(),
		RevSharePercent: share,
		Currency:        currency.Hex(),
		Transferable:    transferable,
		Expiration:      int64(expiration),
	}, nil
}

// UpdateLicenseTerms 实现 ledger.Gateway。
func (c *Client) UpdateLicenseTerms(ctx context.Context, assetID string, terms ledger.LicenseTerms) (ledger.TxRef, error) {
	if !common.IsHexAddress(assetID) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "资产 ID 非法")
	}
	var result relayResult
	err := c.relay(ctx, &result, "story_updateLicenseTerms", map[string]any{
		"ip_id":             assetID,
		"minting_fee":       terms.MintingFee,
		"rev_share_percent": terms.RevSharePercent,
		"currency":          terms.Currency,
		"transferable":      terms.Transferable,
		"expiration":        terms.Expiration,
	})
	if err != nil {
		return "", err
	}
	if err := c.confirm(ctx, result.TxHash); err != nil {
		return "", err
	}
	return ledger.TxRef(result.TxHash), nil
}

// GetRoyaltyData 实现 ledger.Gateway。
func (c *Client) GetRoyaltyData(ctx context.Context, assetID string) (ledger.RoyaltyData, error) {
	if !common.IsHexAddress(assetID) {
		return ledger.RoyaltyData{}, xerrors.New(xerrors.CodeInvalidArgument, "资产 ID 非法")
	}
	input, err := c.readABI.Pack("royaltySnapshot", common.HexToAddress(assetID))
	if err != nil {
		return ledger.RoyaltyData{}, fmt.Errorf("编码 royaltySnapshot 调用失败: %w", err)
	}
	output, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.royaltyPolicy, Data: input}, nil)
	if err != nil {
		return ledger.RoyaltyData{}, xerrors.Classify(err, "读取版税快照失败")
	}
	values, err := c.readABI.Unpack("royaltySnapshot", output)
	if err != nil || len(values) != 2 {
		return ledger.RoyaltyData{}, xerrors.Wrap(xerrors.CodeInvalidState, err, "解码版税快照失败")
	}
	accrued, _ := values[0].(*big.Int)
	count, _ := values[1].(*big.Int)
	if accrued == nil {
		accrued = new(big.Int)
	}
	if count == nil {
		count = new(big.Int)
	}
	terms, err := c.GetLicenseTerms(ctx, assetID)
	if err != nil {
		return ledger.RoyaltyData{}, err
	}
	return ledger.RoyaltyData{
		Accrued:         accrued.Uint64(),
		DerivativeCount: int(count.Int64()),
		Terms:           terms,
	}, nil
}

// ClaimRoyalties 实现 ledger.Gateway。
func (c *Client) ClaimRoyalties(ctx context.Context, assetID, claimer string) (ledger.RoyaltyClaimResult, error) {
	if !common.IsHexAddress(assetID) {
		return ledger.RoyaltyClaimResult{}, xerrors.New(xerrors.CodeInvalidArgument, "资产 ID 非法")
	}
	var result relayResult
	err := c.relay(ctx, &result, "story_claimRoyalties", map[string]any{
		"ancestor_ip_id":   assetID,
		"claimer":          claimer,
		"currency_tokens":  []string{c.wipToken.Hex()},
		"royalty_policies": []string{c.royaltyPolicy.Hex()},
	})
	if err != nil {
		return ledger.RoyaltyClaimResult{}, err
	}
	if err := c.confirm(ctx, result.TxHash); err != nil {
		return ledger.RoyaltyClaimResult{}, err
	}
	return ledger.RoyaltyClaimResult{Amount: result.Amount, TxRef: ledger.TxRef(result.TxHash)}, nil
}

func (c *Client) relay(ctx context.Context, result any, method string, params map[string]any) error {
	if c == nil || c.relayer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "Story 客户端未初始化")
	}
	if err := c.relayer.CallContext(ctx, result, method, params); err != nil {
		return classifyRelayError(err, method)
	}
	return nil
}

// confirm 轮询交易回执直至确认或超时。回执 status=0 表示链上执行被回滚，
// 对上层而言属于不可重试的状态错误。
func (c *Client) confirm(ctx context.Context, txHash string) error {
	if strings.TrimSpace(txHash) == "" {
		return xerrors.New(xerrors.CodeInvalidState, "relayer 未返回交易哈希")
	}
	hash := common.HexToHash(txHash)

	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.receiptInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == 0 {
				return xerrors.New(xerrors.CodeInvalidState, fmt.Sprintf("交易 %s 被回滚", txHash))
			}
			return nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return xerrors.Classify(err, "查询交易回执失败")
		}
		select {
		case <-waitCtx.Done():
			return xerrors.Wrap(xerrors.CodeTimeout, waitCtx.Err(), fmt.Sprintf("等待交易 %s 确认超时", txHash))
		case <-ticker.C:
		}
	}
}

// classifyRelayError 将 relayer 返回的 JSON-RPC 错误归入统一分类。
func classifyRelayError(err error, method string) error {
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "insufficient funds"), strings.Contains(message, "insufficient balance"):
		return xerrors.Wrap(xerrors.CodeInsufficientResource, err, fmt.Sprintf("%s 余额不足", method))
	case strings.Contains(message, "already registered"), strings.Contains(message, "duplicate"):
		return xerrors.Wrap(xerrors.CodeConflict, err, fmt.Sprintf("%s 发生重复注册", method))
	case strings.Contains(message, "not found"), strings.Contains(message, "token consumed"), strings.Contains(message, "revert"):
		return xerrors.Wrap(xerrors.CodeInvalidState, err, fmt.Sprintf("%s 链上状态不允许", method))
	default:
		return xerrors.Classify(err, fmt.Sprintf("%s 调用失败", method))
	}
}

var _ ledger.Gateway = (*Client)(nil)
