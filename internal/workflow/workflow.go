package workflow

import (
	stdErrors "errors"

	xerrors "Idolly-Chain/internal/errors"
	"Idolly-Chain/internal/idempotency"
)

// Type 表示工作流类型。
type Type string

const (
	// TypeRegistration 为智能体上传元数据并注册根资产。
	TypeRegistration Type = "registration"
	// TypeDerivativeCreation 生成内容并以根资产为父注册衍生资产。
	TypeDerivativeCreation Type = "derivative_creation"
	// TypeRemix 购买目标资产的许可并创作双亲衍生资产。
	TypeRemix Type = "remix"
	// TypeRevenueMaintenance 维护授权条款并领取累计收益。
	TypeRevenueMaintenance Type = "revenue_maintenance"
)

// Status 表示工作流在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Outcome 汇总工作流的终局产物。
type Outcome struct {
	AssetID string `json:"asset_id,omitempty"`
	TokenID string `json:"token_id,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`
	Amount  uint64 `json:"amount,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Trigger 描述一次工作流触发。来自调度器的周期触发用时间桶做业务键，
// 来自 API 的一次性触发由调用方提供业务键。
type Trigger struct {
	ID            string `json:"id"`
	AgentID       string `json:"agent_id"`
	Type          Type   `json:"type"`
	BusinessKey   string `json:"business_key"`
	TargetAssetID string `json:"target_asset_id,omitempty"`
	Theme         string `json:"theme,omitempty"`
	Source        string `json:"source,omitempty"`
	EmittedAt     int64  `json:"emitted_at"`
}

// Fingerprint 返回触发对应的工作流指纹，同时也是工作流 ID。
func (t Trigger) Fingerprint() string {
	return idempotency.WorkflowFingerprint(t.AgentID, string(t.Type), t.BusinessKey)
}

// Record 描述一个工作流实例。ID 即 {agent, type, business key} 的确定性指纹，
// 作为自然主键保证同一元组至多一条记录。
type Record struct {
	ID          string   `json:"id"`
	AgentID     string   `json:"agent_id"`
	Type        Type     `json:"type"`
	BusinessKey string   `json:"business_key"`
	Trigger     Trigger  `json:"trigger"`
	Status      Status   `json:"status"`
	StepIndex   int      `json:"step_index"`
	Attempts    int      `json:"attempts"`
	MaxAttempts int      `json:"max_attempts"`
	LastError   string   `json:"last_error,omitempty"`
	ErrorCode   string   `json:"error_code,omitempty"`
	Result      *Outcome `json:"result,omitempty"`
	CreatedAt   int64    `json:"created_at"`
	UpdatedAt   int64    `json:"updated_at"`
}

// Terminal 判断记录是否已进入终态。
func (r *Record) Terminal() bool {
	return IsTerminalStatus(r.Status)
}

// IsTerminalStatus 判断状态是否为终态。
func IsTerminalStatus(status Status) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的工作流状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusRetrying, StatusSucceeded, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// IsValidType 检查给定的工作流类型是否为支持的枚举值。
func IsValidType(t Type) bool {
	switch t {
	case TypeRegistration, TypeDerivativeCreation, TypeRemix, TypeRevenueMaintenance:
		return true
	default:
		return false
	}
}

var (
	// ErrWorkflowNotFound 表示指定的工作流不存在。
	ErrWorkflowNotFound = xerrors.New(CodeWorkflowNotFound, "workflow not found")
	// ErrWorkflowConflict 表示工作流在当前状态下无法进行所请求的操作。
	ErrWorkflowConflict = xerrors.New(CodeWorkflowConflict, "workflow conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrWorkflowCompleted 表示工作流已进入终态。
	ErrWorkflowCompleted = xerrors.New(CodeWorkflowCompleted, "workflow already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeWorkflowNotFound   xerrors.Code = "WORKFLOW_NOT_FOUND"
	CodeWorkflowConflict   xerrors.Code = "WORKFLOW_CONFLICT"
	CodeWorkflowCompleted  xerrors.Code = "WORKFLOW_COMPLETED"
	CodeWorkflowValidation xerrors.Code = "WORKFLOW_VALIDATION_FAILED"
	CodeWorkflowPublish    xerrors.Code = "WORKFLOW_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeWorkflowNotFound, xerrors.Attributes{
		Message:   "workflow not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowConflict, xerrors.Attributes{
		Message:   "workflow conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowCompleted, xerrors.Attributes{
		Message:   "workflow already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowValidation, xerrors.Attributes{
		Message:   "workflow validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowPublish, xerrors.Attributes{
		Message:   "failed to publish workflow trigger",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// IsWorkflowError 判断错误是否为统一工作流错误。
func IsWorkflowError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeWorkflowNotFound:
		return stdErrors.Is(err, ErrWorkflowNotFound)
	case CodeWorkflowConflict:
		return stdErrors.Is(err, ErrWorkflowConflict)
	case CodeWorkflowCompleted:
		return stdErrors.Is(err, ErrWorkflowCompleted)
	default:
		return false
	}
}

func cloneRecord(record *Record) *Record {
	clone := *record
	if record.Result != nil {
		resultCopy := *record.Result
		clone.Result = &resultCopy
	}
	return &clone
}
