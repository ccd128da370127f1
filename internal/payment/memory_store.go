package payment

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "AgentMarket-Relay/internal/errors"
)

// MemoryStore 提供内存版支付留痕存储，主要用于单机部署与测试。
type MemoryStore struct {
	mu          sync.RWMutex
	byTx        map[string]*Record
	byRequest   map[string]*Record
	idempotency map[string]*IdempotencyRecord
}

// NewMemoryStore 创建一个新的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTx:        make(map[string]*Record),
		byRequest:   make(map[string]*Record),
		idempotency: make(map[string]*IdempotencyRecord),
	}
}

// SavePayment 写入支付留痕，tx_hash 冲突返回 ErrPaymentReplay。
func (s *MemoryStore) SavePayment(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	txKey := strings.ToLower(strings.TrimSpace(record.TxHash))
	if txKey == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tx_hash 不能为空")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byTx[txKey]; ok {
		if existing.RequestID == record.RequestID {
			return nil
		}
		return ErrPaymentReplay
	}
	clone := *record
	s.byTx[txKey] = &clone
	s.byRequest[record.RequestID] = &clone
	return nil
}

// GetPaymentByTx 按交易哈希查询支付留痕。
func (s *MemoryStore) GetPaymentByTx(ctx context.Context, txHash string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.byTx[strings.ToLower(strings.TrimSpace(txHash))]
	if !ok {
		return nil, ErrRecordNotFound
	}
	clone := *record
	return &clone, nil
}

// GetPaymentByRequest 按订单查询支付留痕。
func (s *MemoryStore) GetPaymentByRequest(ctx context.Context, requestID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.byRequest[requestID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	clone := *record
	return &clone, nil
}

// ListPayments 按接受时间倒序返回支付留痕。
func (s *MemoryStore) ListPayments(ctx context.Context, filter ListFilter) ([]*Record, error) {
	filter.applyDefaults()

	s.mu.RLock()
	matched := make([]*Record, 0, len(s.byTx))
	for _, record := range s.byTx {
		if filter.RequestID != "" && record.RequestID != filter.RequestID {
			continue
		}
		if filter.Token != "" && !strings.EqualFold(record.Token, filter.Token) {
			continue
		}
		if filter.AcceptedSince > 0 && record.AcceptedAt < filter.AcceptedSince {
			continue
		}
		matched = append(matched, record)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].AcceptedAt > matched[j].AcceptedAt
	})

	if filter.Offset >= len(matched) {
		return []*Record{}, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	result := make([]*Record, 0, len(matched))
	for _, record := range matched {
		clone := *record
		result = append(result, &clone)
	}
	return result, nil
}

// SaveIdempotency 写入幂等记录，键冲突时保留旧值。
func (s *MemoryStore) SaveIdempotency(ctx context.Context, record *IdempotencyRecord) error {
	if record == nil || strings.TrimSpace(record.Key) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "幂等记录缺少 key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.idempotency[record.Key]; ok {
		return nil
	}
	clone := *record
	s.idempotency[record.Key] = &clone
	return nil
}

// GetIdempotency 查询幂等记录。
func (s *MemoryStore) GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.idempotency[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	clone := *record
	return &clone, nil
}

// Close 实现 Store 接口，内存实现无需清理。
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
