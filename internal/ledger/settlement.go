package ledger

import (
	"context"
	"sort"
	"sync"

	xerrors "AgentMarket-Relay/internal/errors"
)

// SettlementStatus 表示一笔订单资金当前所处的结算状态。
type SettlementStatus string

const (
	SettlementHeld     SettlementStatus = "HELD"
	SettlementReleased SettlementStatus = "RELEASED"
	SettlementRefunded SettlementStatus = "REFUNDED"
)

// Settlement 是由记账行折叠出的派生视图，可随时从 Postings 重建。
type Settlement struct {
	RequestID  string           `json:"request_id"`
	Status     SettlementStatus `json:"status"`
	Currency   string           `json:"currency"`
	Amount     int64            `json:"amount"`
	HeldAt     int64            `json:"held_at,omitempty"`
	ReleasedAt int64            `json:"released_at,omitempty"`
	RefundedAt int64            `json:"refunded_at,omitempty"`
	UpdatedAt  int64            `json:"updated_at"`
}

// ErrSettlementNotFound 表示指定订单尚无任何资金动作。
var ErrSettlementNotFound = xerrors.New(xerrors.CodeNotFound, "settlement not found")

// Project 按 Seq 顺序折叠一个订单的全部分录，得出结算状态。
// 没有任何分录时返回 false。
func Project(entries []*JournalEntry) (*Settlement, bool) {
	if len(entries) == 0 {
		return nil, false
	}
	sorted := make([]*JournalEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	var settlement *Settlement
	for _, entry := range sorted {
		settlement = foldEntry(settlement, entry)
	}
	if settlement == nil {
		return nil, false
	}
	return settlement, true
}

func foldEntry(s *Settlement, entry *JournalEntry) *Settlement {
	switch entry.Operation {
	case OpHold:
		if s == nil {
			s = &Settlement{RequestID: entry.RequestID}
		}
		s.Status = SettlementHeld
		s.HeldAt = entry.CreatedAt
		s.UpdatedAt = entry.CreatedAt
		for _, p := range entry.Postings {
			if p.Account == AccountBuyerFrozen && p.Delta > 0 {
				s.Amount = p.Delta
				s.Currency = p.Currency
			}
		}
	case OpRelease:
		if s == nil {
			return nil
		}
		s.Status = SettlementReleased
		s.ReleasedAt = entry.CreatedAt
		s.UpdatedAt = entry.CreatedAt
	case OpRefund:
		if s == nil {
			return nil
		}
		s.Status = SettlementRefunded
		s.RefundedAt = entry.CreatedAt
		s.UpdatedAt = entry.CreatedAt
	case OpSellerSettle, OpPlatformFee:
		if s != nil {
			s.UpdatedAt = entry.CreatedAt
		}
	}
	return s
}

// Tracker 维护结算状态的物化投影，供查询与对账使用。
type Tracker struct {
	store Store

	mu          sync.RWMutex
	settlements map[string]*Settlement
}

// NewTracker 创建 Tracker 并订阅 Journal 的落盘事件。
func NewTracker(store Store, journal *Journal) *Tracker {
	t := &Tracker{
		store:       store,
		settlements: make(map[string]*Settlement),
	}
	if journal != nil {
		journal.Subscribe(t.Apply)
	}
	return t
}

// Apply 将一条新分录并入投影。
func (t *Tracker) Apply(entry *JournalEntry) {
	if entry == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settlements[entry.RequestID] = foldEntry(t.settlements[entry.RequestID], entry)
}

// Rebuild 丢弃当前投影并从存储的全部分录重建。
func (t *Tracker) Rebuild(ctx context.Context) error {
	byRequest := make(map[string][]*JournalEntry)
	offset := 0
	const page = 500
	for {
		entries, err := t.store.ListEntries(ctx, EntryFilter{Limit: page, Offset: offset})
		if err != nil {
			return err
		}
		for _, entry := range entries {
			byRequest[entry.RequestID] = append(byRequest[entry.RequestID], entry)
		}
		if len(entries) < page {
			break
		}
		offset += page
	}

	rebuilt := make(map[string]*Settlement, len(byRequest))
	for requestID, entries := range byRequest {
		if settlement, ok := Project(entries); ok {
			rebuilt[requestID] = settlement
		}
	}

	t.mu.Lock()
	t.settlements = rebuilt
	t.mu.Unlock()
	return nil
}

// Get 返回指定订单的结算状态。
func (t *Tracker) Get(requestID string) (*Settlement, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	settlement, ok := t.settlements[requestID]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	clone := *settlement
	return &clone, nil
}

// List 返回指定状态的结算记录；status 为空时返回全部。
func (t *Tracker) List(status SettlementStatus, limit int) []*Settlement {
	if limit <= 0 {
		limit = 50
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	results := make([]*Settlement, 0, limit)
	for _, settlement := range t.settlements {
		if status != "" && settlement.Status != status {
			continue
		}
		clone := *settlement
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].RequestID < results[j].RequestID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Counts 按状态统计结算记录数量，供仪表盘展示。
func (t *Tracker) Counts() map[SettlementStatus]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := make(map[SettlementStatus]int, 3)
	for _, settlement := range t.settlements {
		counts[settlement.Status]++
	}
	return counts
}
