package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentMarket-Relay/internal/errors"
	"AgentMarket-Relay/pkg/logger"
)

// Journal 负责校验并落盘分录，是账本的唯一写入口。
type Journal struct {
	store Store

	mu        sync.RWMutex
	observers []func(*JournalEntry)
}

// NewJournal 构造 Journal。
func NewJournal(store Store) *Journal {
	return &Journal{store: store}
}

// Subscribe 注册分录落盘后的回调，用于维护结算投影等派生视图。
func (j *Journal) Subscribe(fn func(*JournalEntry)) {
	if fn == nil {
		return
	}
	j.mu.Lock()
	j.observers = append(j.observers, fn)
	j.mu.Unlock()
}

// Post 校验借贷平衡后写入一条分录。
// 相同 (request_id, operation) 的重复写入返回 ErrDuplicateEntry，调用方
// 据此实现至多一次记账。
func (j *Journal) Post(ctx context.Context, requestID string, op Operation, postings []Posting) (*JournalEntry, error) {
	if j == nil || j.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本未初始化")
	}
	if requestID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "request_id 不能为空")
	}
	if !IsValidOperation(op) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的记账动作: "+string(op))
	}
	if err := CheckBalanced(postings); err != nil {
		logger.L().Error("分录借贷不平，拒绝记账",
			slog.String("request_id", requestID),
			slog.String("operation", string(op)),
			slog.Any("error", err),
		)
		return nil, err
	}

	entry := &JournalEntry{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Operation: op,
		Postings:  clonePostings(postings),
		CreatedAt: time.Now().Unix(),
	}
	if err := j.store.Append(ctx, entry); err != nil {
		return nil, err
	}

	logger.Audit().Info("ledger_posted",
		slog.String("entry_id", entry.ID),
		slog.String("request_id", requestID),
		slog.String("operation", string(op)),
		slog.Int("postings", len(entry.Postings)),
	)

	j.mu.RLock()
	observers := j.observers
	j.mu.RUnlock()
	for _, fn := range observers {
		fn(cloneEntry(entry))
	}
	return cloneEntry(entry), nil
}

// Get 返回指定分录。
func (j *Journal) Get(ctx context.Context, id string) (*JournalEntry, error) {
	return j.store.Get(ctx, id)
}

// ListEntries 返回符合过滤条件的分录。
func (j *Journal) ListEntries(ctx context.Context, filter EntryFilter) ([]*JournalEntry, error) {
	return j.store.ListEntries(ctx, filter)
}

// ListPostings 返回符合过滤条件的记账行。
func (j *Journal) ListPostings(ctx context.Context, filter PostingFilter) ([]PostingRecord, error) {
	return j.store.ListPostings(ctx, filter)
}
