package order

import "context"

// Mutation 描述一次状态迁移要写入的全部字段。
// Transition 以 From 做 compare-and-swap，保证同一订单上并发写入
// 至多一个生效。
type Mutation struct {
	From         State
	To           State
	Hops         []HistoryEntry
	SellerID     string
	Price        *Price
	TxHash       string
	ResultStatus string
	UpdatedAt    int64
}

// Store 抽象了订单状态的持久化接口。
type Store interface {
	Create(ctx context.Context, ord *Order) error
	Get(ctx context.Context, requestID string) (*Order, error)
	// Transition 在当前状态等于 mut.From 时应用迁移，否则返回 ErrOrderConflict。
	Transition(ctx context.Context, requestID string, mut Mutation) error
	List(ctx context.Context, opts ListOptions) ([]*Order, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
