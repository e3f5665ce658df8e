package registry

import (
	xerrors "Idolly-Chain/internal/errors"
	"Idolly-Chain/internal/ledger"
)

// Role 表示智能体的角色类型，决定它可以承接的工作流集合。
type Role string

const (
	// RoleIdol 是内容创作型智能体，负责生成并注册衍生内容。
	RoleIdol Role = "idol"
	// RoleSocial 是社交型智能体，只做内容发布类工作流。
	RoleSocial Role = "social"
	// RoleLicensing 是授权运营型智能体，负责许可与收益维护。
	RoleLicensing Role = "licensing"
)

// State 表示智能体在生命周期中的状态。
type State string

const (
	StateCreated     State = "created"
	StateRegistering State = "registering"
	StateActive      State = "active"
	StateSuspended   State = "suspended"
	StateStopped     State = "stopped"
)

// Event 表示触发生命周期状态迁移的事件。
type Event string

const (
	// EventBeginRegistration 在根资产注册触发被接纳时触发。
	EventBeginRegistration Event = "begin_registration"
	// EventRegistered 在注册工作流成功后触发。
	EventRegistered Event = "registered"
	// EventSuspend 在工作流遇到资金或政策类终止错误时触发。
	EventSuspend Event = "suspend"
	// EventResume 由外部运营方显式恢复被暂停的智能体。
	EventResume Event = "resume"
	// EventStop 为显式停止或注册重试耗尽，进入终态。
	EventStop Event = "stop"
)

// Profile 描述智能体的创作人设，用于生成内容简报。
type Profile struct {
	Name        string `json:"name"`
	Personality string `json:"personality,omitempty"`
	Style       string `json:"style,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Policy 约束智能体愿意接受的授权条款，用于盈利性判定。
type Policy struct {
	MaxMintingFee      uint64 `json:"max_minting_fee"`
	MaxRevSharePercent uint32 `json:"max_rev_share_percent"`
	MinRevSharePercent uint32 `json:"min_rev_share_percent,omitempty"`
}

// Agent 描述一个被编排引擎管理的数字身份智能体。
// 每个智能体对应账本上至多一个根资产，注册成功后写入 RootAssetID。
type Agent struct {
	ID          string              `json:"id"`
	Role        Role                `json:"role"`
	State       State               `json:"state"`
	RootAssetID string              `json:"root_asset_id,omitempty"`
	WalletRef   string              `json:"wallet_ref,omitempty"`
	Terms       ledger.LicenseTerms `json:"terms"`
	Policy      Policy              `json:"policy"`
	Profile     Profile             `json:"profile"`
	CreatedAt   int64               `json:"created_at"`
	UpdatedAt   int64               `json:"updated_at"`
}

var (
	// ErrAgentNotFound 表示指定的智能体不存在。
	ErrAgentNotFound = xerrors.New(xerrors.CodeNotFound, "agent not found")
	// ErrAgentConflict 表示智能体标识已被占用。
	ErrAgentConflict = xerrors.New(xerrors.CodeConflict, "agent already exists", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInvalidTransition 表示生命周期事件在当前状态下不合法。
	ErrInvalidTransition = xerrors.New(xerrors.CodeInvalidTransition, "illegal lifecycle transition")
)

// transitions 定义生命周期状态机:
// Created → Registering → Active ⇄ Suspended → Stopped(终态)。
var transitions = map[State]map[Event]State{
	StateCreated: {
		EventBeginRegistration: StateRegistering,
		EventStop:              StateStopped,
	},
	StateRegistering: {
		EventRegistered: StateActive,
		EventStop:       StateStopped,
	},
	StateActive: {
		EventSuspend: StateSuspended,
		EventStop:    StateStopped,
	},
	StateSuspended: {
		EventResume: StateActive,
		EventStop:   StateStopped,
	},
	StateStopped: {},
}

// Next 计算事件作用后的目标状态。事件不合法时返回 false。
func Next(current State, event Event) (State, bool) {
	events, ok := transitions[current]
	if !ok {
		return current, false
	}
	next, ok := events[event]
	return next, ok
}

// IsValidState 检查给定的状态是否为支持的枚举值。
func IsValidState(state State) bool {
	switch state {
	case StateCreated, StateRegistering, StateActive, StateSuspended, StateStopped:
		return true
	default:
		return false
	}
}

// IsValidRole 检查给定的角色是否为支持的枚举值。
func IsValidRole(role Role) bool {
	switch role {
	case RoleIdol, RoleSocial, RoleLicensing:
		return true
	default:
		return false
	}
}

// capabilities 是角色到可承接工作流类型的查表。引擎在接纳触发前据此分发，
// 避免用继承表达角色差异。
var capabilities = map[Role]map[string]struct{}{
	RoleIdol: {
		"registration":        {},
		"derivative_creation": {},
		"remix":               {},
		"revenue_maintenance": {},
	},
	RoleSocial: {
		"registration":        {},
		"derivative_creation": {},
	},
	RoleLicensing: {
		"registration":        {},
		"remix":               {},
		"revenue_maintenance": {},
	},
}

// Allows 判断角色是否允许执行给定类型的工作流。
func Allows(role Role, workflowType string) bool {
	set, ok := capabilities[role]
	if !ok {
		return false
	}
	_, ok = set[workflowType]
	return ok
}

// WorkflowTypes 返回角色可承接的全部工作流类型，供调度器注册周期任务。
func WorkflowTypes(role Role) []string {
	set, ok := capabilities[role]
	if !ok {
		return nil
	}
	types := make([]string, 0, len(set))
	for t := range set {
		types = append(types, t)
	}
	return types
}

func cloneAgent(agent *Agent) *Agent {
	clone := *agent
	return &clone
}
