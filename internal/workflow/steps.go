package workflow

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"

	"github.com/google/uuid"

	"Idolly-Chain/internal/catalog"
	"Idolly-Chain/internal/content"
	xerrors "Idolly-Chain/internal/errors"
	"Idolly-Chain/internal/ledger"
	"Idolly-Chain/internal/registry"
)

// step 是工作流的最小执行单元：一次受幂等保护的外部调用。
// invoke 执行调用并返回需要持久化的结果；apply 把结果（无论是新产生的
// 还是重放缓存的）并入执行上下文，供后续步骤消费。
type step struct {
	name   string
	invoke func(ctx context.Context, ex *execution) (any, error)
	apply  func(ex *execution, raw json.RawMessage) error
}

// execution 携带一次工作流执行跨步骤累积的中间状态。
// 崩溃恢复时已完成步骤从幂等存储重放，状态在 apply 中重建。
type execution struct {
	record  *Record
	agent   *registry.Agent
	trigger Trigger

	contentRef   string
	draft        content.Draft
	targetTerms  ledger.LicenseTerms
	tokenID      string
	royalty      ledger.RoyaltyData
	desiredTerms ledger.LicenseTerms

	outcome Outcome
}

type metadataOutcome struct {
	ContentRef string `json:"content_ref"`
}

type registerOutcome struct {
	AssetID string `json:"asset_id"`
	TxRef   string `json:"tx_ref"`
}

type activationOutcome struct {
	AssetID string `json:"asset_id"`
}

type draftOutcome struct {
	ContentURL  string         `json:"content_url"`
	ContentType string         `json:"content_type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type termsOutcome struct {
	Terms ledger.LicenseTerms `json:"terms"`
}

type profitabilityOutcome struct {
	Profitable bool   `json:"profitable"`
	Reason     string `json:"reason,omitempty"`
}

type mintOutcome struct {
	TokenID string `json:"token_id"`
	TxRef   string `json:"tx_ref"`
}

type royaltyOutcome struct {
	Accrued         uint64              `json:"accrued"`
	DerivativeCount int                 `json:"derivative_count"`
	Terms           ledger.LicenseTerms `json:"terms"`
}

type updateTermsOutcome struct {
	Terms   ledger.LicenseTerms `json:"terms"`
	Changed bool                `json:"changed"`
	TxRef   string              `json:"tx_ref,omitempty"`
}

type claimOutcome struct {
	ClaimID string `json:"claim_id,omitempty"`
	Amount  uint64 `json:"amount"`
	TxRef   string `json:"tx_ref,omitempty"`
}

type reconcileOutcome struct {
	ExpiredTokens []string `json:"expired_tokens,omitempty"`
}

// stepsFor 返回工作流类型对应的步骤序列。
func (e *Engine) stepsFor(ex *execution) ([]step, error) {
	switch ex.trigger.Type {
	case TypeRegistration:
		return e.registrationSteps(), nil
	case TypeDerivativeCreation:
		return e.derivativeSteps(), nil
	case TypeRemix:
		return e.remixSteps(), nil
	case TypeRevenueMaintenance:
		return e.maintenanceSteps(), nil
	default:
		return nil, xerrors.New(CodeWorkflowValidation, "不支持的工作流类型: "+string(ex.trigger.Type))
	}
}

func (e *Engine) registrationSteps() []step {
	return []step{
		{
			name: "upload_metadata",
			invoke: func(ctx context.Context, ex *execution) (any, error) {
				payload := map[string]any{
					"name":         ex.agent.Profile.Name,
					"personality":  ex.agent.Profile.Personality,
					"style":        ex.agent.Profile.Style,
					"content_type": ex.agent.Profile.ContentType,
					"role":         string(ex.agent.Role),
				}
				ref, err := e.content.UploadMetadata(ctx, payload)
				if err != nil {
					return nil, xerrors.Classify(err, "上传智能体元数据失败")
				}
				return metadataOutcome{ContentRef: ref}, nil
			},
			apply: func(ex *execution, raw json.RawMessage) error {
				var out metadataOutcome
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
				ex.contentRef = out.ContentRef
				return nil
			},
		},
		{
			name: "register_root_asset",
			invoke: func(ctx context.Context, ex *execution) (any, error) {
				reg, err := e.ledger.RegisterAsset(ctx, ex.contentRef)
				if err != nil {
					return nil, err
				}
				e.recordAsset(ctx, &catalog.AssetRecord{
					AssetID:    reg.AssetID,
					AgentID:    ex.agent.ID,
					ContentRef: ex.contentRef,
					TxHash:     string(reg.TxRef),
				})
				return registerOutcome{AssetID: reg.AssetID, TxRef: string(reg.TxRef)}, nil
			},
			apply: func(ex *execution, raw json.RawMessage) error {
				var out registerOutcome
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
				ex.outcome.AssetID = out.AssetID
				ex.outcome.TxHash = out.TxRef
				return nil
			},
		},
		{
			name: "activate_agent",
			invoke: func(ctx context.Context, ex *execution) (any, error) {
				if err := e.registry.BindRootAsset(ctx, ex.agent.ID, ex.outcome.AssetID); err != nil {
					return nil, err
				}
				if _, err := e.registry.Transition(ctx, ex.agent.ID, registry.EventRegistered); err != nil {
					// 崩溃重放时智能体可能已经激活。
					if xerrors.CodeOf(err) != xerrors.CodeInvalidTransition {
						return nil, err
					}
					agent, getErr := e.registry.Get(ctx, ex.agent.ID)
					if getErr != nil || agent.State != registry.StateActive {
						return nil, err
					}
				}
				return activationOutcome{AssetID: ex.outcome.AssetID}, nil
			},
			apply: func(ex *execution, raw json.RawMessage) error {
				var out activationOutcome
				return json.Unmarshal(raw, &out)
			},
		},
	}
}

func (e *Engine) derivativeSteps() []step {
	return []step{
		{
			name: "generate_content",
			invoke: func(ctx context.Context, ex *execution) (any, error) {
				draft, err := e.content.GenerateContent(ctx, e.briefFor(ex))
				if err != nil {
					return nil, xerrors.Classify(err, "生成内容失败")
				}
				return draftOutcome(draft), nil
			},
			apply: applyDraft,
		},
		e.uploadDraftStep(),
		{
			name: "register_derivative",
			invoke: func(ctx context.Context, ex *execution) (any, error) {
				parents := []string{ex.agent.RootAssetID}
				reg, err := e.ledger.RegisterDerivative(ctx, parents, ex.contentRef, nil)
				if err != nil {
					return nil, err
				}
				e.recordAsset(ctx, &catalog.AssetRecord{
					AssetID:        reg.AssetID,
					AgentID:        ex.agent.ID,
					ParentAssetIDs: parents,
					ContentRef:     ex.contentRef,
					TxHash:         string(reg.TxRef),
				})
				return registerOutcome{AssetID: reg.AssetID, TxRef: string(reg.TxRef)}, nil
			},
			apply: applyRegister,
		},
	}
}

func (e *Engine) remixSteps() []step {
	return []step{
		{
			name: "fetch_license_terms",
			invoke: func(ctx context.Context, ex *execution) (any, error) {
				terms, err := e.ledger.GetLicenseTerms(ctx, ex.trigger.TargetAssetID)
				if err != nil {
					return nil, err
				}
				return termsOutcome{Terms: terms}, nil
			},
			apply: func(ex *execution, raw json.RawMessage) error {
				var out termsOutcome
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
				ex.targetTerms = out.Terms
				return nil
			},
		},
		{
			name: "evaluate_profitability",
			invoke: func(_ context.Context, ex *execution) (any, error) {
				if err := EvaluateProfitability(ex.targetTerms, ex.agent.Policy); err != nil {
					return nil, err
				}
				return profitabilityOutcome{Profitable: true}, nil
			},
			apply: func(ex *execution, raw json.RawMessage) error {
				var out profitabilityOutcome
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
				if !out.Profitable {
					return xerrors.New(xerrors.CodeNotProfitable, out.Reason)
				}
				return nil
			},
		},
		{
			name: "mint_license",
			invoke: func(ctx context.Context, ex *execution) (any, error) {
				mint, err := e.ledger.MintLicense(ctx, ex.trigger.TargetAssetID, 1, ex.agent.WalletRef)
				if err != nil {
					return nil, err
				}
				e.recordToken(ctx, &catalog.LicenseToken{
					TokenID:         mint.TokenID,
					LicensorAssetID: ex.trigger.TargetAssetID,
					LicenseeAgentID: ex.agent.ID,
					Amount:          1,
					Status:          catalog.TokenMinted,
					TxHash:          string(mint.TxRef),
				})
				return mintOutcome{TokenID: mint.TokenID, TxRef: string(mint.TxRef)}, nil
			},
			apply: func(ex *execution, raw json.RawMessage) error {
				var out mintOutcome
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
				ex.tokenID = out.TokenID
				ex.outcome.TokenID = out.TokenID
				return nil
			},
		},
		{
			name: "apply_style",
			invoke: func(ctx context.Context, ex *execution) (any, error) {
				draft, err := e.content.ApplyStyle(ctx, content.StyleRequest{
					BaseAssetID:      ex.agent.RootAssetID,
					StyleAssetID:     ex.trigger.TargetAssetID,
					PreserveIdentity: true,
				})
				if err != nil {
					return nil, xerrors.Classify(err, "应用授权风格失败")
				}
				return draftOutcome(draft), nil
			},
			apply: applyDraft,
		},
		e.uploadDraftStep(),
		{
			name: "register_derivative",
			invoke: func(ctx context.Context, ex *execution) (any, error) {
				parents := []string{ex.agent.RootAssetID, ex.trigger.TargetAssetID}
				reg, err := e.ledger.RegisterDerivative(ctx, parents, ex.contentRef, []string{ex.tokenID})
				if err != nil {
					return nil, err
				}
				e.recordAsset(ctx, &catalog.AssetRecord{
					AssetID:        reg.AssetID,
					AgentID:        ex.agent.ID,
					ParentAssetIDs: parents,
					ContentRef:     ex.contentRef,
					TxHash:         string(reg.TxRef),
				})
				e.consumeToken(ctx, ex.tokenID)
				return registerOutcome{AssetID: reg.AssetID, TxRef: string(reg.TxRef)}, nil
			},
			apply: applyRegister,
		},
	}
}

func (e *Engine) maintenanceSteps() []step {
	return []step{
		{
			name: "fetch_royalty_data",
			invoke: func(ctx context.Context, ex *execution) (any, error) {
				data, err := e.ledger.GetRoyaltyData(ctx, ex.agent.RootAssetID)
				if err != nil {
					return nil, err
				}
				return royaltyOutcome{Accrued: data.Accrued, DerivativeCount: data.DerivativeCount, Terms: data.Terms}, nil
			},
			apply: func(ex *execution, raw json.RawMessage) error {
				var out royaltyOutcome
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
				ex.royalty = ledger.RoyaltyData{Accrued: out.Accrued, DerivativeCount: out.DerivativeCount, Terms: out.Terms}
				return nil
			},
		},
		{
			name: "compute_terms",
			invoke: func(_ context.Context, ex *execution) (any, error) {
				next := OptimalTerms(ex.agent.Terms, ex.royalty, ex.agent.Policy)
				return updateTermsOutcome{Terms: next, Changed: !next.Equal(ex.agent.Terms)}, nil
			},
			apply: func(ex *execution, raw json.RawMessage) error {
				var out updateTermsOutcome
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
				ex.desiredTerms = out.Terms
				return nil
			},
		},
		{
			name: "update_terms",
			invoke: func(ctx context.Context, ex *execution) (any, error) {
				if ex.desiredTerms.Equal(ex.agent.Terms) {
					return updateTermsOutcome{Terms: ex.desiredTerms, Changed: false}, nil
				}
				txRef, err := e.ledger.UpdateLicenseTerms(ctx, ex.agent.RootAssetID, ex.desiredTerms)
				if err != nil {
					return nil, err
				}
				if err := e.registry.UpdateTerms(ctx, ex.agent.ID, ex.desiredTerms); err != nil {
					return nil, err
				}
				return updateTermsOutcome{Terms: ex.desiredTerms, Changed: true, TxRef: string(txRef)}, nil
			},
			apply: func(ex *execution, raw json.RawMessage) error {
				var out updateTermsOutcome
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
				ex.desiredTerms = out.Terms
				return nil
			},
		},
		{
			name: "claim_royalties",
			invoke: func(ctx context.Context, ex *execution) (any, error) {
				if ex.royalty.Accrued == 0 {
					return claimOutcome{}, nil
				}
				result, err := e.ledger.ClaimRoyalties(ctx, ex.agent.RootAssetID, ex.agent.WalletRef)
				if err != nil {
					return nil, err
				}
				claimID := uuid.NewString()
				e.recordClaim(ctx, &catalog.RoyaltyClaim{
					ID:      claimID,
					AssetID: ex.agent.RootAssetID,
					AgentID: ex.agent.ID,
					Amount:  result.Amount,
					TxHash:  string(result.TxRef),
				})
				return claimOutcome{ClaimID: claimID, Amount: result.Amount, TxRef: string(result.TxRef)}, nil
			},
			apply: func(ex *execution, raw json.RawMessage) error {
				var out claimOutcome
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
				ex.outcome.Amount = out.Amount
				ex.outcome.TxHash = out.TxRef
				return nil
			},
		},
		{
			name: "reconcile_tokens",
			invoke: func(ctx context.Context, ex *execution) (any, error) {
				if e.catalog == nil {
					return reconcileOutcome{}, nil
				}
				// 铸造后长时间未被消费的令牌视为失败 Remix 留下的悬挂产物。
				cutoff := time.Now().Add(-e.tokenGrace).Unix()
				tokens, err := e.catalog.ListDanglingTokens(ctx, ex.agent.ID, cutoff)
				if err != nil {
					return nil, err
				}
				expired := make([]string, 0, len(tokens))
				for _, token := range tokens {
					if err := e.catalog.ExpireToken(ctx, token.TokenID); err != nil {
						if stdErrors.Is(err, catalog.ErrTokenConsumed) {
							continue
						}
						return nil, err
					}
					expired = append(expired, token.TokenID)
				}
				return reconcileOutcome{ExpiredTokens: expired}, nil
			},
			apply: func(ex *execution, raw json.RawMessage) error {
				var out reconcileOutcome
				return json.Unmarshal(raw, &out)
			},
		},
	}
}

// uploadDraftStep 把上一步生成的草稿元数据固定到内容寻址存储。
func (e *Engine) uploadDraftStep() step {
	return step{
		name: "upload_metadata",
		invoke: func(ctx context.Context, ex *execution) (any, error) {
			payload := map[string]any{
				"content_url":  ex.draft.ContentURL,
				"content_type": ex.draft.ContentType,
				"creator":      ex.agent.Profile.Name,
			}
			for k, v := range ex.draft.Metadata {
				payload[k] = v
			}
			ref, err := e.content.UploadMetadata(ctx, payload)
			if err != nil {
				return nil, xerrors.Classify(err, "上传内容元数据失败")
			}
			return metadataOutcome{ContentRef: ref}, nil
		},
		apply: func(ex *execution, raw json.RawMessage) error {
			var out metadataOutcome
			if err := json.Unmarshal(raw, &out); err != nil {
				return err
			}
			ex.contentRef = out.ContentRef
			return nil
		},
	}
}

func (e *Engine) briefFor(ex *execution) content.Brief {
	brief := content.Brief{
		AgentName:   ex.agent.Profile.Name,
		Personality: ex.agent.Profile.Personality,
		ContentType: ex.agent.Profile.ContentType,
		Theme:       ex.trigger.Theme,
	}
	if ex.agent.Profile.Style != "" {
		brief.Style = map[string]string{"base": ex.agent.Profile.Style}
	}
	return brief
}

func applyDraft(ex *execution, raw json.RawMessage) error {
	var out draftOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	ex.draft = content.Draft(out)
	return nil
}

func applyRegister(ex *execution, raw json.RawMessage) error {
	var out registerOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	ex.outcome.AssetID = out.AssetID
	ex.outcome.TxHash = out.TxRef
	return nil
}
