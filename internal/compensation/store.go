package compensation

import "context"

// JobFilter 控制补偿任务的查询范围。
type JobFilter struct {
	RequestID string
	States    []JobState
	Limit     int
	Offset    int
}

func (f *JobFilter) applyDefaults() {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Store 抽象了补偿任务的持久化接口。
type Store interface {
	// Create 写入新任务。订单已有未终结任务时返回 ErrJobActive。
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim 将到期的 PENDING 任务置为 RUNNING 并累加尝试次数。
	// 任务未到期或已被领取时返回 ErrJobNotDue。
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string) error
	// MarkFailed 记录失败。terminal 为真时任务终结，否则回到 PENDING
	// 并在 nextRunAt 之后重试。
	MarkFailed(ctx context.Context, id, reason string, terminal bool, nextRunAt int64) error
	List(ctx context.Context, filter JobFilter) ([]*Job, error)
	// Due 返回到期待执行的任务 ID。
	Due(ctx context.Context, now int64, limit int) ([]string, error)
	Close() error
}
