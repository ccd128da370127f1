package ledger

import "context"

// EntryFilter 控制分录查询的过滤条件。RequestID 为空时返回全部分录。
type EntryFilter struct {
	RequestID string
	Limit     int
	Offset    int
}

// PostingFilter 控制按账户或订单查询记账行。
type PostingFilter struct {
	RequestID string
	Account   Account
	Limit     int
}

// PostingRecord 在单条记账行之外附带所属分录的上下文。
type PostingRecord struct {
	Posting
	EntryID   string    `json:"entry_id"`
	RequestID string    `json:"request_id"`
	Operation Operation `json:"operation"`
	CreatedAt int64     `json:"created_at"`
}

// Store 抽象了账本的持久化接口。分录一经写入不可修改或删除。
type Store interface {
	// Append 落盘一条分录并分配 Seq；相同因果键重复写入返回 ErrDuplicateEntry。
	Append(ctx context.Context, entry *JournalEntry) error
	Get(ctx context.Context, id string) (*JournalEntry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]*JournalEntry, error)
	ListPostings(ctx context.Context, filter PostingFilter) ([]PostingRecord, error)
	Close() error
}

func (f *EntryFilter) applyDefaults() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

func (f *PostingFilter) applyDefaults() {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
}
