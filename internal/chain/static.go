package chain

import (
	"context"
	"strings"
	"sync"
)

// StaticReader 是内存实现的 Reader，用于测试和离线部署。
// 交易由调用方通过 Put 预置。
type StaticReader struct {
	mu     sync.RWMutex
	proofs map[string]*TxProof
}

// NewStaticReader 创建一个空的 StaticReader。
func NewStaticReader() *StaticReader {
	return &StaticReader{proofs: make(map[string]*TxProof)}
}

// Put 预置一笔交易。
func (r *StaticReader) Put(proof *TxProof) {
	if proof == nil || proof.TxHash == "" {
		return
	}
	r.mu.Lock()
	clone := *proof
	r.proofs[strings.ToLower(proof.TxHash)] = &clone
	r.mu.Unlock()
}

// LookupTransfer 返回预置的交易，不存在时返回 ErrTxNotFound。
func (r *StaticReader) LookupTransfer(ctx context.Context, txHash string) (*TxProof, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	proof, ok := r.proofs[strings.ToLower(strings.TrimSpace(txHash))]
	if !ok {
		return nil, ErrTxNotFound
	}
	clone := *proof
	return &clone, nil
}

// Close 实现 Reader 接口。
func (r *StaticReader) Close() {}

var _ Reader = (*StaticReader)(nil)
