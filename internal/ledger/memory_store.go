package ledger

import (
	"context"
	"sync"

	xerrors "AgentMarket-Relay/internal/errors"
)

// MemoryStore 以内存方式保存账本，主要用于测试与单机部署。
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*JournalEntry
	byID    map[string]*JournalEntry
	byKey   map[string]*JournalEntry
	nextSeq int64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*JournalEntry),
		byKey: make(map[string]*JournalEntry),
	}
}

// Append 实现 Store 接口。
func (m *MemoryStore) Append(_ context.Context, entry *JournalEntry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry 不能为空")
	}
	if entry.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "分录 ID 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.CausalKey()
	if _, ok := m.byKey[key]; ok {
		return ErrDuplicateEntry
	}
	if _, ok := m.byID[entry.ID]; ok {
		return ErrDuplicateEntry
	}

	m.nextSeq++
	entry.Seq = m.nextSeq

	clone := cloneEntry(entry)
	m.entries = append(m.entries, clone)
	m.byID[clone.ID] = clone
	m.byKey[key] = clone
	return nil
}

// Get 返回指定分录。
func (m *MemoryStore) Get(_ context.Context, id string) (*JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return cloneEntry(entry), nil
}

// ListEntries 按写入顺序返回分录。
func (m *MemoryStore) ListEntries(_ context.Context, filter EntryFilter) ([]*JournalEntry, error) {
	filter.applyDefaults()

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*JournalEntry, 0, filter.Limit)
	skipped := 0
	for _, entry := range m.entries {
		if filter.RequestID != "" && entry.RequestID != filter.RequestID {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		results = append(results, cloneEntry(entry))
		if len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// ListPostings 展开分录返回记账行。
func (m *MemoryStore) ListPostings(_ context.Context, filter PostingFilter) ([]PostingRecord, error) {
	filter.applyDefaults()

	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]PostingRecord, 0, filter.Limit)
	for _, entry := range m.entries {
		if filter.RequestID != "" && entry.RequestID != filter.RequestID {
			continue
		}
		for _, posting := range entry.Postings {
			if filter.Account != "" && posting.Account != filter.Account {
				continue
			}
			records = append(records, PostingRecord{
				Posting:   posting,
				EntryID:   entry.ID,
				RequestID: entry.RequestID,
				Operation: entry.Operation,
				CreatedAt: entry.CreatedAt,
			})
			if len(records) >= filter.Limit {
				return records, nil
			}
		}
	}
	return records, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
