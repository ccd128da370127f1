package payment

import "context"

// ListFilter 控制支付留痕的查询范围。
type ListFilter struct {
	RequestID string
	Token     string
	// AcceptedSince 只保留该时间戳（秒）及之后接受的留痕，0 表示不限。
	AcceptedSince int64
	Limit         int
	Offset        int
}

func (f *ListFilter) applyDefaults() {
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

// Store 抽象了支付留痕与幂等记录的持久化接口。
type Store interface {
	// SavePayment 写入支付留痕。tx_hash 冲突返回 ErrPaymentReplay。
	SavePayment(ctx context.Context, record *Record) error
	GetPaymentByTx(ctx context.Context, txHash string) (*Record, error)
	GetPaymentByRequest(ctx context.Context, requestID string) (*Record, error)
	ListPayments(ctx context.Context, filter ListFilter) ([]*Record, error)
	// SaveIdempotency 写入幂等记录，键冲突时保留旧值。
	SaveIdempotency(ctx context.Context, record *IdempotencyRecord) error
	GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error)
	Close() error
}
