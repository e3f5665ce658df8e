package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "Idolly-Chain/internal/errors"
	"Idolly-Chain/internal/ledger"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录智能体状态。
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
	const schema = `CREATE TABLE IF NOT EXISTS agents (
        id VARCHAR(64) PRIMARY KEY,
        role VARCHAR(32) NOT NULL,
        state VARCHAR(32) NOT NULL,
        root_asset_id VARCHAR(128) DEFAULT '',
        wallet_ref VARCHAR(128) DEFAULT '',
        terms TEXT,
        policy TEXT,
        profile TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_agent_state (state)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 agents 表失败")
	}
	return nil
}

// Create 插入新的智能体记录。
func (s *MySQLStore) Create(ctx context.Context, agent *Agent) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	if strings.TrimSpace(agent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}

	now := time.Now().Unix()
	if agent.CreatedAt == 0 {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	terms, err := json.Marshal(agent.Terms)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码授权条款失败")
	}
	policy, err := json.Marshal(agent.Policy)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码策略失败")
	}
	profile, err := json.Marshal(agent.Profile)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码人设失败")
	}

	const stmt = `INSERT INTO agents
        (id, role, state, root_asset_id, wallet_ref, terms, policy, profile, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		agent.ID,
		string(agent.Role),
		string(agent.State),
		agent.RootAssetID,
		agent.WalletRef,
		string(terms),
		string(policy),
		string(profile),
		agent.CreatedAt,
		agent.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAgentConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入智能体失败")
	}
	return nil
}

// Get 查询指定智能体。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Agent, error) {
	const stmt = `SELECT id, role, state, root_asset_id, wallet_ref, terms, policy, profile, created_at, updated_at
        FROM agents WHERE id = ?`

	return scanAgent(s.db.QueryRowContext(ctx, stmt, id))
}

// List 返回全部智能体，供启动时装载注册表。
func (s *MySQLStore) List(ctx context.Context) ([]*Agent, error) {
	const stmt = `SELECT id, role, state, root_asset_id, wallet_ref, terms, policy, profile, created_at, updated_at
        FROM agents ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体列表失败")
	}
	defer rows.Close()

	agents := make([]*Agent, 0, 16)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体失败")
	}
	return agents, nil
}

// UpdateState 以 CAS 语义更新生命周期状态。
func (s *MySQLStore) UpdateState(ctx context.Context, id string, from, to State) (*Agent, error) {
	const stmt = `UPDATE agents SET state = ?, updated_at = ? WHERE id = ? AND state = ?`

	res, err := s.db.ExecContext(ctx, stmt, string(to), time.Now().Unix(), id, string(from))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新智能体状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		agent, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return agent, ErrInvalidTransition
	}
	return s.Get(ctx, id)
}

// BindRootAsset 记录注册工作流分配的根资产标识。
func (s *MySQLStore) BindRootAsset(ctx context.Context, id, rootAssetID string) error {
	const stmt = `UPDATE agents SET root_asset_id = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt, rootAssetID, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "绑定根资产失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// UpdateTerms 更新授权条款快照。
func (s *MySQLStore) UpdateTerms(ctx context.Context, id string, terms ledger.LicenseTerms) error {
	encoded, err := json.Marshal(terms)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码授权条款失败")
	}

	const stmt = `UPDATE agents SET terms = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt, string(encoded), time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新授权条款失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var role, state string
	var terms, policy, profile sql.NullString

	if err := row.Scan(
		&agent.ID,
		&role,
		&state,
		&agent.RootAssetID,
		&agent.WalletRef,
		&terms,
		&policy,
		&profile,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体失败")
	}

	agent.Role = Role(role)
	agent.State = State(state)
	if terms.Valid && strings.TrimSpace(terms.String) != "" {
		if err := json.Unmarshal([]byte(terms.String), &agent.Terms); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析授权条款失败")
		}
	}
	if policy.Valid && strings.TrimSpace(policy.String) != "" {
		if err := json.Unmarshal([]byte(policy.String), &agent.Policy); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析策略失败")
		}
	}
	if profile.Valid && strings.TrimSpace(profile.String) != "" {
		if err := json.Unmarshal([]byte(profile.String), &agent.Profile); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析人设失败")
		}
	}
	return &agent, nil
}

var _ Store = (*MySQLStore)(nil)
