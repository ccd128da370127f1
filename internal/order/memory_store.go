package order

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "AgentMarket-Relay/internal/errors"
)

// MemoryStore 提供内存版订单存储，主要用于单机部署与测试。
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryStore 创建一个新的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

// Create 写入新订单，request_id 冲突时返回 ErrOrderConflict。
func (s *MemoryStore) Create(ctx context.Context, ord *Order) error {
	if ord == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "order 不能为空")
	}
	if strings.TrimSpace(ord.RequestID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "request_id 不能为空")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[ord.RequestID]; exists {
		return ErrOrderConflict
	}
	s.orders[ord.RequestID] = cloneOrder(ord)
	return nil
}

// Get 查询指定订单。
func (s *MemoryStore) Get(ctx context.Context, requestID string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ord, ok := s.orders[requestID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(ord), nil
}

// Transition 以 compare-and-swap 语义应用一次状态迁移。
func (s *MemoryStore) Transition(ctx context.Context, requestID string, mut Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.orders[requestID]
	if !ok {
		return ErrOrderNotFound
	}
	if ord.State != mut.From {
		return ErrOrderConflict
	}

	ord.State = mut.To
	ord.History = append(ord.History, mut.Hops...)
	if mut.SellerID != "" {
		ord.SellerID = mut.SellerID
	}
	if mut.Price != nil {
		price := *mut.Price
		ord.Price = &price
	}
	if mut.TxHash != "" {
		ord.TxHash = mut.TxHash
	}
	if mut.ResultStatus != "" {
		ord.ResultStatus = mut.ResultStatus
	}
	ord.UpdatedAt = mut.UpdatedAt
	return nil
}

// List 按条件返回订单列表。
func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Order, error) {
	opts.applyDefaults()

	s.mu.RLock()
	matched := make([]*Order, 0, len(s.orders))
	for _, ord := range s.orders {
		if matchOrder(ord, opts) {
			matched = append(matched, ord)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			return matched[i].UpdatedAt < matched[j].UpdatedAt
		}
		return matched[i].UpdatedAt > matched[j].UpdatedAt
	})

	if opts.Offset >= len(matched) {
		return []*Order{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	result := make([]*Order, 0, len(matched))
	for _, ord := range matched {
		result = append(result, cloneOrder(ord))
	}
	return result, nil
}

// Stats 统计满足条件的订单分布。
func (s *MemoryStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	stats := Stats{ByState: make(map[State]int)}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ord := range s.orders {
		if !matchOrder(ord, opts) {
			continue
		}
		stats.Total++
		stats.ByState[ord.State]++
		if stats.OldestUpdatedAt == 0 || ord.UpdatedAt < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = ord.UpdatedAt
		}
		if ord.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = ord.UpdatedAt
		}
	}
	return stats, nil
}

// Close 实现 Store 接口，内存实现无需清理。
func (s *MemoryStore) Close() error {
	return nil
}

func matchOrder(ord *Order, opts ListOptions) bool {
	if len(opts.States) > 0 {
		found := false
		for _, state := range opts.States {
			if ord.State == state {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.BuyerID != "" && ord.BuyerID != opts.BuyerID {
		return false
	}
	if opts.UpdatedGTE > 0 && ord.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && ord.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
