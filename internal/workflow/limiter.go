package workflow

import (
	"sync"
)

// Limiter 在触发进入引擎前做准入控制。全局在途工作流数受配置上限约束，
// 每个智能体同一时刻至多一个在途工作流，这是跨工作流类型的串行化保证。
type Limiter struct {
	mu        sync.Mutex
	maxGlobal int
	inFlight  int
	perAgent  map[string]struct{}
}

// defaultMaxConcurrent 是全局在途工作流数的默认上限。
const defaultMaxConcurrent = 16

// NewLimiter 创建 Limiter。
func NewLimiter(maxGlobal int) *Limiter {
	if maxGlobal <= 0 {
		maxGlobal = defaultMaxConcurrent
	}
	return &Limiter{
		maxGlobal: maxGlobal,
		perAgent:  make(map[string]struct{}),
	}
}

// Permit 代表一次准入。工作流到达任何终态时必须无条件释放。
type Permit struct {
	once    sync.Once
	release func()
}

// Release 归还准入额度，可安全地重复调用。
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.release)
}

// TryAdmit 尝试为智能体获得准入。被拒绝的触发直接丢弃而非排队，
// 周期触发由下一个调度桶自然重试。
func (l *Limiter) TryAdmit(agentID string) (*Permit, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight >= l.maxGlobal {
		return nil, false
	}
	if _, busy := l.perAgent[agentID]; busy {
		return nil, false
	}
	l.inFlight++
	l.perAgent[agentID] = struct{}{}
	return &Permit{release: func() {
		l.mu.Lock()
		l.inFlight--
		delete(l.perAgent, agentID)
		l.mu.Unlock()
	}}, true
}

// InFlight 返回当前在途工作流数量。
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}
