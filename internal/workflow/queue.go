package workflow

import (
	"context"
)

// Handler 处理来自触发队列的工作流触发。
type Handler func(ctx context.Context, trigger Trigger) error

// Producer 负责向队列投递触发。
type Producer interface {
	Publish(ctx context.Context, trigger Trigger) error
	Close() error
}

// Consumer 负责从队列中消费触发。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
