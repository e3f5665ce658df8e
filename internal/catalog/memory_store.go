package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "Idolly-Chain/internal/errors"
)

// MemoryStore 以内存方式保存资产目录，主要用于测试。
type MemoryStore struct {
	mu     sync.RWMutex
	assets map[string]*AssetRecord
	tokens map[string]*LicenseToken
	claims []*RoyaltyClaim
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets: make(map[string]*AssetRecord),
		tokens: make(map[string]*LicenseToken),
	}
}

// RecordAsset 实现 Store 接口。
func (m *MemoryStore) RecordAsset(_ context.Context, record *AssetRecord) error {
	if record == nil || record.AssetID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "资产记录不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[record.AssetID]; ok {
		return ErrAssetConflict
	}
	if record.RegisteredAt == 0 {
		record.RegisteredAt = time.Now().Unix()
	}
	m.assets[record.AssetID] = cloneAsset(record)
	return nil
}

// GetAsset 返回资产记录。
func (m *MemoryStore) GetAsset(_ context.Context, assetID string) (*AssetRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.assets[assetID]
	if !ok {
		return nil, ErrAssetNotFound
	}
	return cloneAsset(record), nil
}

// ListAssetsByAgent 返回智能体名下的全部资产。
func (m *MemoryStore) ListAssetsByAgent(_ context.Context, agentID string) ([]*AssetRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]*AssetRecord, 0, 8)
	for _, record := range m.assets {
		if record.AgentID == agentID {
			records = append(records, cloneAsset(record))
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].RegisteredAt == records[j].RegisteredAt {
			return records[i].AssetID < records[j].AssetID
		}
		return records[i].RegisteredAt < records[j].RegisteredAt
	})
	return records, nil
}

// RecordToken 实现 Store 接口。
func (m *MemoryStore) RecordToken(_ context.Context, token *LicenseToken) error {
	if token == nil || token.TokenID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "许可令牌不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token.TokenID]; ok {
		return xerrors.New(xerrors.CodeConflict, "许可令牌已记录")
	}
	now := time.Now().Unix()
	if token.MintedAt == 0 {
		token.MintedAt = now
	}
	token.UpdatedAt = now
	if token.Status == "" {
		token.Status = TokenMinted
	}
	clone := *token
	m.tokens[token.TokenID] = &clone
	return nil
}

// ConsumeToken 实现 Store 接口。
func (m *MemoryStore) ConsumeToken(_ context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[tokenID]
	if !ok {
		return ErrTokenNotFound
	}
	if token.Status != TokenMinted {
		return ErrTokenConsumed
	}
	token.Status = TokenConsumed
	token.UpdatedAt = time.Now().Unix()
	return nil
}

// ListDanglingTokens 实现 Store 接口。
func (m *MemoryStore) ListDanglingTokens(_ context.Context, licenseeAgentID string, mintedBefore int64) ([]*LicenseToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tokens := make([]*LicenseToken, 0, 4)
	for _, token := range m.tokens {
		if token.LicenseeAgentID != licenseeAgentID || token.Status != TokenMinted {
			continue
		}
		if mintedBefore > 0 && token.MintedAt >= mintedBefore {
			continue
		}
		clone := *token
		tokens = append(tokens, &clone)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].MintedAt == tokens[j].MintedAt {
			return tokens[i].TokenID < tokens[j].TokenID
		}
		return tokens[i].MintedAt < tokens[j].MintedAt
	})
	return tokens, nil
}

// ExpireToken 实现 Store 接口。
func (m *MemoryStore) ExpireToken(_ context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[tokenID]
	if !ok {
		return ErrTokenNotFound
	}
	if token.Status == TokenConsumed {
		return ErrTokenConsumed
	}
	token.Status = TokenExpired
	token.UpdatedAt = time.Now().Unix()
	return nil
}

// RecordClaim 实现 Store 接口。
func (m *MemoryStore) RecordClaim(_ context.Context, claim *RoyaltyClaim) error {
	if claim == nil || claim.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "收益记录不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if claim.ClaimedAt == 0 {
		claim.ClaimedAt = time.Now().Unix()
	}
	clone := *claim
	m.claims = append(m.claims, &clone)
	return nil
}

// ListClaims 返回智能体最近的收益记录。
func (m *MemoryStore) ListClaims(_ context.Context, agentID string, limit int) ([]*RoyaltyClaim, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	claims := make([]*RoyaltyClaim, 0, limit)
	for _, claim := range m.claims {
		if claim.AgentID == agentID {
			clone := *claim
			claims = append(claims, &clone)
		}
	}
	sort.Slice(claims, func(i, j int) bool {
		if claims[i].ClaimedAt == claims[j].ClaimedAt {
			return claims[i].ID > claims[j].ID
		}
		return claims[i].ClaimedAt > claims[j].ClaimedAt
	})
	if len(claims) > limit {
		claims = claims[:limit]
	}
	return claims, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneAsset(record *AssetRecord) *AssetRecord {
	clone := *record
	if record.ParentAssetIDs != nil {
		clone.ParentAssetIDs = append([]string(nil), record.ParentAssetIDs...)
	}
	return &clone
}

var _ Store = (*MemoryStore)(nil)
