package workflow

import (
	"sync"
)

// Update 描述一次工作流状态变化，推送给状态订阅方。
type Update struct {
	WorkflowID string `json:"workflow_id"`
	AgentID    string `json:"agent_id"`
	Type       Type   `json:"type"`
	Status     Status `json:"status"`
	StepIndex  int    `json:"step_index"`
	ErrorCode  string `json:"error_code,omitempty"`
	UpdatedAt  int64  `json:"updated_at"`
}

type subscriber struct {
	ch         chan Update
	workflowID string
}

// Hub 把工作流状态变化扇出给订阅方，订阅方缓冲写满时丢弃更新，
// 不阻塞引擎。
type Hub struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

// NewHub 创建 Hub。
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Subscribe 订阅状态更新。workflowID 为空时接收全部工作流的更新。
// 返回的取消函数必须在不再消费时调用。
func (h *Hub) Subscribe(workflowID string, buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	sub := &subscriber{ch: make(chan Update, buffer), workflowID: workflowID}
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing.ch)
		}
		h.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish 将更新扇出给匹配的订阅方。
func (h *Hub) Publish(update Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.workflowID != "" && sub.workflowID != update.WorkflowID {
			continue
		}
		select {
		case sub.ch <- update:
		default:
		}
	}
}

// Close 断开所有订阅方。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
