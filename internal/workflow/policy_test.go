package workflow

import (
	"testing"

	xerrors "Idolly-Chain/internal/errors"
	"Idolly-Chain/internal/ledger"
	"Idolly-Chain/internal/registry"
)

func TestEvaluateProfitability(t *testing.T) {
	policy := registry.Policy{MaxMintingFee: 100, MaxRevSharePercent: 20}

	tests := []struct {
		name     string
		terms    ledger.LicenseTerms
		wantCode xerrors.Code
	}{
		{
			name:  "条款在预算内",
			terms: ledger.LicenseTerms{MintingFee: 50, RevSharePercent: 10, Transferable: true},
		},
		{
			name:     "铸造费超预算",
			terms:    ledger.LicenseTerms{MintingFee: 101, RevSharePercent: 10, Transferable: true},
			wantCode: xerrors.CodeNotProfitable,
		},
		{
			name:     "分成超上限",
			terms:    ledger.LicenseTerms{MintingFee: 50, RevSharePercent: 21, Transferable: true},
			wantCode: xerrors.CodeNotProfitable,
		},
		{
			name:     "许可不可转让",
			terms:    ledger.LicenseTerms{MintingFee: 50, RevSharePercent: 10, Transferable: false},
			wantCode: xerrors.CodePolicyRejected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := EvaluateProfitability(tt.terms, policy)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("期望通过，实际 %v", err)
				}
				return
			}
			if xerrors.CodeOf(err) != tt.wantCode {
				t.Fatalf("期望错误码 %s，实际 %v", tt.wantCode, err)
			}
		})
	}
}

func TestOptimalTermsRaisesShareWithDemand(t *testing.T) {
	policy := registry.Policy{MaxRevSharePercent: 10, MinRevSharePercent: 3}
	current := ledger.LicenseTerms{MintingFee: 10, RevSharePercent: 5, Currency: "WIP"}

	next := OptimalTerms(current, ledger.RoyaltyData{
		DerivativeCount: 12,
		Terms:           ledger.LicenseTerms{RevSharePercent: 5},
	}, policy)
	if next.RevSharePercent != 7 {
		t.Fatalf("期望分成 7%%，实际 %d%%", next.RevSharePercent)
	}
	if !next.Transferable {
		t.Fatal("维护后的条款必须可转让")
	}
	if next.MintingFee != current.MintingFee || next.Currency != current.Currency {
		t.Fatalf("其余字段不应改变: %+v", next)
	}
}

func TestOptimalTermsClampedByPolicy(t *testing.T) {
	policy := registry.Policy{MaxRevSharePercent: 10, MinRevSharePercent: 3}

	capped := OptimalTerms(ledger.LicenseTerms{RevSharePercent: 9}, ledger.RoyaltyData{
		DerivativeCount: 50,
		Terms:           ledger.LicenseTerms{RevSharePercent: 9},
	}, policy)
	if capped.RevSharePercent != 10 {
		t.Fatalf("分成应封顶在 10%%，实际 %d%%", capped.RevSharePercent)
	}

	floored := OptimalTerms(ledger.LicenseTerms{RevSharePercent: 1}, ledger.RoyaltyData{
		Terms: ledger.LicenseTerms{RevSharePercent: 1},
	}, policy)
	if floored.RevSharePercent != 3 {
		t.Fatalf("分成应托底在 3%%，实际 %d%%", floored.RevSharePercent)
	}
}
