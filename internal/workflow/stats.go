package workflow

// WorkflowStats 聚合了工作流状态的统计信息，常用于仪表盘或健康检查。
type WorkflowStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Retrying        int   `json:"retrying"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	Aborted         int   `json:"aborted"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
