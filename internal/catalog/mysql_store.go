package catalog

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "Idolly-Chain/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 保存资产目录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS asset_records (
        asset_id VARCHAR(128) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        parent_asset_ids TEXT,
        content_ref VARCHAR(255) NOT NULL,
        tx_hash VARCHAR(66) DEFAULT '',
        registered_at BIGINT NOT NULL,
        INDEX idx_asset_agent (agent_id)
)`,
		`CREATE TABLE IF NOT EXISTS license_tokens (
        token_id VARCHAR(128) PRIMARY KEY,
        licensor_asset_id VARCHAR(128) NOT NULL,
        licensee_agent_id VARCHAR(64) NOT NULL,
        amount BIGINT UNSIGNED NOT NULL DEFAULT 1,
        status VARCHAR(16) NOT NULL,
        tx_hash VARCHAR(66) DEFAULT '',
        minted_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_token_licensee (licensee_agent_id, status)
)`,
		`CREATE TABLE IF NOT EXISTS royalty_claims (
        id VARCHAR(64) PRIMARY KEY,
        asset_id VARCHAR(128) NOT NULL,
        agent_id VARCHAR(64) NOT NULL,
        amount BIGINT UNSIGNED NOT NULL,
        tx_hash VARCHAR(66) DEFAULT '',
        claimed_at BIGINT NOT NULL,
        INDEX idx_claim_agent (agent_id, claimed_at)
)`,
	}
	for _, schema := range schemas {
		if _, err := s.db.Exec(schema); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化资产目录表失败")
		}
	}
	return nil
}

// RecordAsset 插入资产记录。
func (s *MySQLStore) RecordAsset(ctx context.Context, record *AssetRecord) error {
	if record == nil || record.AssetID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "资产记录不完整")
	}
	if record.RegisteredAt == 0 {
		record.RegisteredAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO asset_records
        (asset_id, agent_id, parent_asset_ids, content_ref, tx_hash, registered_at)
        VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.AssetID,
		record.AgentID,
		strings.Join(record.ParentAssetIDs, ","),
		record.ContentRef,
		record.TxHash,
		record.RegisteredAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAssetConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入资产记录失败")
	}
	return nil
}

// GetAsset 查询资产记录。
func (s *MySQLStore) GetAsset(ctx context.Context, assetID string) (*AssetRecord, error) {
	const stmt = `SELECT asset_id, agent_id, parent_asset_ids, content_ref, tx_hash, registered_at
        FROM asset_records WHERE asset_id = ?`

	var record AssetRecord
	var parents sql.NullString
	if err := s.db.QueryRowContext(ctx, stmt, assetID).Scan(
		&record.AssetID,
		&record.AgentID,
		&parents,
		&record.ContentRef,
		&record.TxHash,
		&record.RegisteredAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAssetNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询资产记录失败")
	}
	record.ParentAssetIDs = splitParents(parents)
	return &record, nil
}

// ListAssetsByAgent 返回智能体名下的资产。
func (s *MySQLStore) ListAssetsByAgent(ctx context.Context, agentID string) ([]*AssetRecord, error) {
	const stmt = `SELECT asset_id, agent_id, parent_asset_ids, content_ref, tx_hash, registered_at
        FROM asset_records WHERE agent_id = ? ORDER BY registered_at ASC, asset_id ASC`

	rows, err := s.db.QueryContext(ctx, stmt, agentID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询资产列表失败")
	}
	defer rows.Close()

	records := make([]*AssetRecord, 0, 8)
	for rows.Next() {
		var record AssetRecord
		var parents sql.NullString
		if err := rows.Scan(
			&record.AssetID,
			&record.AgentID,
			&parents,
			&record.ContentRef,
			&record.TxHash,
			&record.RegisteredAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析资产记录失败")
		}
		record.ParentAssetIDs = splitParents(parents)
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历资产记录失败")
	}
	return records, nil
}

// RecordToken 插入许可令牌。
func (s *MySQLStore) RecordToken(ctx context.Context, token *LicenseToken) error {
	if token == nil || token.TokenID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "许可令牌不完整")
	}
	now := time.Now().Unix()
	if token.MintedAt == 0 {
		token.MintedAt = now
	}
	token.UpdatedAt = now
	if token.Status == "" {
		token.Status = TokenMinted
	}

	const stmt = `INSERT INTO license_tokens
        (token_id, licensor_asset_id, licensee_agent_id, amount, status, tx_hash, minted_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		token.TokenID,
		token.LicensorAssetID,
		token.LicenseeAgentID,
		token.Amount,
		string(token.Status),
		token.TxHash,
		token.MintedAt,
		token.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "许可令牌已记录")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入许可令牌失败")
	}
	return nil
}

// ConsumeToken 以 CAS 语义消费令牌。
func (s *MySQLStore) ConsumeToken(ctx context.Context, tokenID string) error {
	const stmt = `UPDATE license_tokens SET status = ?, updated_at = ? WHERE token_id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt, string(TokenConsumed), time.Now().Unix(), tokenID, string(TokenMinted))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "消费许可令牌失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM license_tokens WHERE token_id = ?`, tokenID).Scan(&status)
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ErrTokenNotFound
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询许可令牌失败")
		}
		return ErrTokenConsumed
	}
	return nil
}

// ListDanglingTokens 返回铸造后未被消费的令牌。
func (s *MySQLStore) ListDanglingTokens(ctx context.Context, licenseeAgentID string, mintedBefore int64) ([]*LicenseToken, error) {
	query := `SELECT token_id, licensor_asset_id, licensee_agent_id, amount, status, tx_hash, minted_at, updated_at
        FROM license_tokens WHERE licensee_agent_id = ? AND status = ?`
	args := []any{licenseeAgentID, string(TokenMinted)}
	if mintedBefore > 0 {
		query += " AND minted_at < ?"
		args = append(args, mintedBefore)
	}
	query += " ORDER BY minted_at ASC, token_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询未消费令牌失败")
	}
	defer rows.Close()

	tokens := make([]*LicenseToken, 0, 4)
	for rows.Next() {
		var token LicenseToken
		var status string
		if err := rows.Scan(
			&token.TokenID,
			&token.LicensorAssetID,
			&token.LicenseeAgentID,
			&token.Amount,
			&status,
			&token.TxHash,
			&token.MintedAt,
			&token.UpdatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析许可令牌失败")
		}
		token.Status = TokenStatus(status)
		tokens = append(tokens, &token)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历许可令牌失败")
	}
	return tokens, nil
}

// ExpireToken 将未消费的令牌标记为过期。
func (s *MySQLStore) ExpireToken(ctx context.Context, tokenID string) error {
	const stmt = `UPDATE license_tokens SET status = ?, updated_at = ? WHERE token_id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt, string(TokenExpired), time.Now().Unix(), tokenID, string(TokenMinted))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记令牌过期失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM license_tokens WHERE token_id = ?`, tokenID).Scan(&status)
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ErrTokenNotFound
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询许可令牌失败")
		}
		return ErrTokenConsumed
	}
	return nil
}

// RecordClaim 追加收益记录。
func (s *MySQLStore) RecordClaim(ctx context.Context, claim *RoyaltyClaim) error {
	if claim == nil || claim.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "收益记录不完整")
	}
	if claim.ClaimedAt == 0 {
		claim.ClaimedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO royalty_claims (id, asset_id, agent_id, amount, tx_hash, claimed_at)
        VALUES (?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		claim.ID,
		claim.AssetID,
		claim.AgentID,
		claim.Amount,
		claim.TxHash,
		claim.ClaimedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入收益记录失败")
	}
	return nil
}

// ListClaims 返回智能体最近的收益记录。
func (s *MySQLStore) ListClaims(ctx context.Context, agentID string, limit int) ([]*RoyaltyClaim, error) {
	if limit <= 0 {
		limit = 20
	}

	const stmt = `SELECT id, asset_id, agent_id, amount, tx_hash, claimed_at
        FROM royalty_claims WHERE agent_id = ? ORDER BY claimed_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, stmt, agentID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询收益记录失败")
	}
	defer rows.Close()

	claims := make([]*RoyaltyClaim, 0, limit)
	for rows.Next() {
		var claim RoyaltyClaim
		if err := rows.Scan(
			&claim.ID,
			&claim.AssetID,
			&claim.AgentID,
			&claim.Amount,
			&claim.TxHash,
			&claim.ClaimedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析收益记录失败")
		}
		claims = append(claims, &claim)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历收益记录失败")
	}
	return claims, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func splitParents(raw sql.NullString) []string {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	parts := strings.Split(raw.String, ",")
	parents := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parents = append(parents, trimmed)
		}
	}
	return parents
}

var _ Store = (*MySQLStore)(nil)
