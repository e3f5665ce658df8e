package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "Idolly-Chain/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录工作流状态。
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
	const schema = `CREATE TABLE IF NOT EXISTS workflow_records (
        id VARCHAR(64) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        type VARCHAR(32) NOT NULL,
        business_key VARCHAR(255) NOT NULL,
        trigger_payload TEXT,
        status VARCHAR(16) NOT NULL,
        step_index INT NOT NULL DEFAULT 0,
        attempts INT NOT NULL DEFAULT 0,
        max_attempts INT NOT NULL DEFAULT 5,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        result TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_workflow_agent (agent_id, status),
        INDEX idx_workflow_status (status),
        INDEX idx_workflow_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 workflow_records 表失败")
	}
	return nil
}

// Create 插入新的工作流记录，指纹冲突时返回 ErrWorkflowConflict。
func (s *MySQLStore) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流 ID 不能为空")
	}

	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	trigger, err := json.Marshal(record.Trigger)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码触发参数失败")
	}

	const stmt = `INSERT INTO workflow_records
        (id, agent_id, type, business_key, trigger_payload, status, step_index, attempts, max_attempts, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		record.ID,
		record.AgentID,
		string(record.Type),
		record.BusinessKey,
		string(trigger),
		string(record.Status),
		record.StepIndex,
		record.Attempts,
		record.MaxAttempts,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrWorkflowConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入工作流失败")
	}
	return nil
}

// Get 查询指定工作流。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	const stmt = `SELECT id, agent_id, type, business_key, trigger_payload, status, step_index, attempts, max_attempts,
        last_error, error_code, result, created_at, updated_at
        FROM workflow_records WHERE id = ?`

	return scanWorkflow(s.db.QueryRowContext(ctx, stmt, id))
}

// Claim 把记录置为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Record, error) {
	const stmt = `UPDATE workflow_records SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusRunning),
		time.Now().Unix(),
		id,
		string(StatusPending),
		string(StatusRetrying),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工作流状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		record, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if record.Terminal() {
			return record, ErrWorkflowCompleted
		}
		return record, ErrWorkflowConflict
	}
	return s.Get(ctx, id)
}

// AdvanceStep 推进断点。
func (s *MySQLStore) AdvanceStep(ctx context.Context, id string, stepIndex int) error {
	const stmt = `UPDATE workflow_records SET step_index = ?, updated_at = ?
        WHERE id = ? AND step_index < ? AND status NOT IN (?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		stepIndex,
		time.Now().Unix(),
		id,
		stepIndex,
		string(StatusSucceeded),
		string(StatusFailed),
		string(StatusAborted),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "推进工作流断点失败")
	}
	return nil
}

// MarkRetrying 记录一次可重试失败。
func (s *MySQLStore) MarkRetrying(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	return s.markStatus(ctx, id, StatusRetrying, code, lastError)
}

// MarkSucceeded 将工作流标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, outcome Outcome) error {
	result, err := json.Marshal(outcome)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工作流结果失败")
	}

	const stmt = `UPDATE workflow_records SET status = ?, result = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusSucceeded),
		string(result),
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记工作流成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

// MarkFailed 将工作流标记为失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	return s.markStatus(ctx, id, StatusFailed, code, lastError)
}

// MarkAborted 将工作流标记为主动中止。
func (s *MySQLStore) MarkAborted(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	return s.markStatus(ctx, id, StatusAborted, code, lastError)
}

func (s *MySQLStore) markStatus(ctx context.Context, id string, status Status, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE workflow_records SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(status),
		lastError,
		string(code),
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工作流状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

// List 返回符合过滤条件的工作流。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	query := `SELECT id, agent_id, type, business_key, trigger_payload, status, step_index, attempts, max_attempts,
        last_error, error_code, result, created_at, updated_at FROM workflow_records`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流列表失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, opts.Limit)
	for rows.Next() {
		record, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工作流失败")
	}
	return records, nil
}

// Stats 返回符合过滤条件的工作流聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (WorkflowStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS running,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS retrying,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS succeeded,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS aborted,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM workflow_records`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StatusPending), string(StatusRunning), string(StatusRetrying),
		string(StatusSucceeded), string(StatusFailed), string(StatusAborted),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats WorkflowStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Retrying,
		&stats.Succeeded,
		&stats.Failed,
		&stats.Aborted,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return WorkflowStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
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

func scanWorkflow(row rowScanner) (*Record, error) {
	var record Record
	var workflowType, status string
	var trigger, result sql.NullString
	var lastError sql.NullString

	if err := row.Scan(
		&record.ID,
		&record.AgentID,
		&workflowType,
		&record.BusinessKey,
		&trigger,
		&status,
		&record.StepIndex,
		&record.Attempts,
		&record.MaxAttempts,
		&lastError,
		&record.ErrorCode,
		&result,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流失败")
	}

	record.Type = Type(workflowType)
	record.Status = Status(status)
	record.LastError = lastError.String
	if trigger.Valid && strings.TrimSpace(trigger.String) != "" {
		if err := json.Unmarshal([]byte(trigger.String), &record.Trigger); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析触发参数失败")
		}
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		var outcome Outcome
		if err := json.Unmarshal([]byte(result.String), &outcome); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流结果失败")
		}
		record.Result = &outcome
	}
	return &record, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if len(opts.Types) > 0 {
		placeholders := make([]string, 0, len(opts.Types))
		for range opts.Types {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ",")))
		for _, t := range opts.Types {
			args = append(args, string(t))
		}
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
