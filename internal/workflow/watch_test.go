package workflow

import "testing"

func TestHubRoutesByWorkflowID(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	all, cancelAll := hub.Subscribe("", 4)
	defer cancelAll()
	one, cancelOne := hub.Subscribe("wf-1", 4)
	defer cancelOne()

	hub.Publish(Update{WorkflowID: "wf-1", Status: StatusRunning})
	hub.Publish(Update{WorkflowID: "wf-2", Status: StatusSucceeded})

	if got := <-all; got.WorkflowID != "wf-1" {
		t.Fatalf("全量订阅期望先收到 wf-1，实际 %s", got.WorkflowID)
	}
	if got := <-all; got.WorkflowID != "wf-2" {
		t.Fatalf("全量订阅期望收到 wf-2，实际 %s", got.WorkflowID)
	}

	got := <-one
	if got.WorkflowID != "wf-1" || got.Status != StatusRunning {
		t.Fatalf("定向订阅收到错误更新: %+v", got)
	}
	select {
	case extra := <-one:
		t.Fatalf("定向订阅不应收到其他工作流的更新: %+v", extra)
	default:
	}
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, cancel := hub.Subscribe("wf-1", 1)
	defer cancel()

	hub.Publish(Update{WorkflowID: "wf-1", StepIndex: 1})
	// 缓冲已满，这条会被丢弃而不是阻塞发布方。
	hub.Publish(Update{WorkflowID: "wf-1", StepIndex: 2})

	if got := <-ch; got.StepIndex != 1 {
		t.Fatalf("期望保留最早的更新，实际 %+v", got)
	}
	select {
	case got := <-ch:
		t.Fatalf("溢出的更新应被丢弃: %+v", got)
	default:
	}
}

func TestHubCancelStopsDelivery(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, cancel := hub.Subscribe("wf-1", 1)
	cancel()
	hub.Publish(Update{WorkflowID: "wf-1"})

	if _, open := <-ch; open {
		t.Fatal("取消订阅后通道应关闭")
	}
}
