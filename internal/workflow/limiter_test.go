package workflow

import "testing"

func TestLimiterSerializesPerAgent(t *testing.T) {
	limiter := NewLimiter(8)

	permit, ok := limiter.TryAdmit("agent-a")
	if !ok {
		t.Fatal("首个准入应成功")
	}
	if _, ok := limiter.TryAdmit("agent-a"); ok {
		t.Fatal("同一智能体不允许并发执行")
	}
	if _, ok := limiter.TryAdmit("agent-b"); !ok {
		t.Fatal("其他智能体不应被牵连")
	}

	permit.Release()
	if _, ok := limiter.TryAdmit("agent-a"); !ok {
		t.Fatal("释放后应可再次准入")
	}
}

func TestLimiterGlobalCap(t *testing.T) {
	limiter := NewLimiter(2)

	p1, _ := limiter.TryAdmit("agent-a")
	if _, ok := limiter.TryAdmit("agent-b"); !ok {
		t.Fatal("未达全局上限时应准入")
	}
	if _, ok := limiter.TryAdmit("agent-c"); ok {
		t.Fatal("超出全局上限应拒绝")
	}
	if got := limiter.InFlight(); got != 2 {
		t.Fatalf("期望在途 2，实际 %d", got)
	}

	p1.Release()
	if _, ok := limiter.TryAdmit("agent-c"); !ok {
		t.Fatal("释放额度后应准入")
	}
}

func TestPermitReleaseIdempotent(t *testing.T) {
	limiter := NewLimiter(1)
	permit, _ := limiter.TryAdmit("agent-a")
	permit.Release()
	permit.Release()
	if got := limiter.InFlight(); got != 0 {
		t.Fatalf("重复释放不得击穿计数，实际 %d", got)
	}
}
