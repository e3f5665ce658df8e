package workflow

import (
	"fmt"

	xerrors "Idolly-Chain/internal/errors"
	"Idolly-Chain/internal/ledger"
	"Idolly-Chain/internal/registry"
)

// EvaluateProfitability 是 Remix 工作流的盈利性判定，纯函数。
// 目标资产的条款超出智能体策略允许的范围时返回 NOT_PROFITABLE 错误，
// 调用方据此中止工作流而不铸造许可。
func EvaluateProfitability(terms ledger.LicenseTerms, policy registry.Policy) error {
	if policy.MaxMintingFee > 0 && terms.MintingFee > policy.MaxMintingFee {
		return xerrors.New(xerrors.CodeNotProfitable,
			fmt.Sprintf("铸造费 %d 超出预算 %d", terms.MintingFee, policy.MaxMintingFee))
	}
	if policy.MaxRevSharePercent > 0 && terms.RevSharePercent > policy.MaxRevSharePercent {
		return xerrors.New(xerrors.CodeNotProfitable,
			fmt.Sprintf("收益分成 %d%% 超出上限 %d%%", terms.RevSharePercent, policy.MaxRevSharePercent))
	}
	if !terms.Transferable {
		return xerrors.New(xerrors.CodePolicyRejected, "目标资产的许可不可转让")
	}
	return nil
}

// OptimalTerms 根据收益数据计算智能体应采用的授权条款，纯函数。
// 衍生需求越旺盛分成比例越高，每五个衍生上调一个百分点，
// 受策略上下限约束；其余字段保持当前值。
func OptimalTerms(current ledger.LicenseTerms, data ledger.RoyaltyData, policy registry.Policy) ledger.LicenseTerms {
	next := current
	if next.Currency == "" {
		next.Currency = data.Terms.Currency
	}

	share := data.Terms.RevSharePercent
	if share == 0 {
		share = current.RevSharePercent
	}
	share += uint32(data.DerivativeCount / 5)

	if policy.MaxRevSharePercent > 0 && share > policy.MaxRevSharePercent {
		share = policy.MaxRevSharePercent
	}
	if policy.MinRevSharePercent > 0 && share < policy.MinRevSharePercent {
		share = policy.MinRevSharePercent
	}
	next.RevSharePercent = share
	next.Transferable = true
	return next
}
