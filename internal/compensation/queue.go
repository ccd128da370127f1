package compensation

import "context"

// Handler 处理来自队列的补偿任务 ID。
type Handler func(ctx context.Context, jobID string) error

// Producer 负责向队列投递任务 ID。
type Producer interface {
	Publish(ctx context.Context, jobID string) error
	Close() error
}

// Consumer 负责从队列中消费任务 ID。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
