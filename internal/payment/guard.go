package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"AgentMarket-Relay/internal/envelope"
	xerrors "AgentMarket-Relay/internal/errors"
	"AgentMarket-Relay/internal/order"
	"AgentMarket-Relay/pkg/logger"
)

// Guard 是 ACCEPT 消息的准入口。它串联幂等检查、凭证防重、链上校验
// 与订单状态推进，保证同一笔支付至多驱动一次资金冻结。
type Guard struct {
	store    Store
	machine  *order.Machine
	verifier *Verifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGuard 构造 Guard。
func NewGuard(store Store, machine *order.Machine, verifier *Verifier) *Guard {
	return &Guard{
		store:    store,
		machine:  machine,
		verifier: verifier,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (g *Guard) lockFor(requestID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.locks[requestID]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[requestID] = lock
	}
	return lock
}

// IdempotencyKey 计算本次 ACCEPT 的幂等键。调用方未显式提供时，
// 以 request_id 和 tx_hash 派生，保证同一凭证的重试收敛到同一键。
func IdempotencyKey(explicit, requestID, txHash string) string {
	if key := strings.TrimSpace(explicit); key != "" {
		return key
	}
	sum := sha256.Sum256([]byte(requestID + ":" + strings.ToLower(strings.TrimSpace(txHash))))
	return hex.EncodeToString(sum[:])
}

// AdmitAccept 处理一条 ACCEPT 消息。
// 幂等重试返回当前订单；凭证被其他订单占用返回 ErrPaymentReplay。
func (g *Guard) AdmitAccept(ctx context.Context, env *envelope.Envelope) (*order.Order, error) {
	accept, err := env.DecodeAccept()
	if err != nil {
		return nil, err
	}
	requestID := env.RequestID
	idemKey := IdempotencyKey(env.IdempotencyKey, requestID, accept.TxHash)

	lock := g.lockFor(requestID)
	lock.Lock()
	defer lock.Unlock()

	// 幂等命中：此前已有结论，直接返回当前订单。
	// 记录绑定在别的订单上说明键被跨订单复用，必须拒绝。
	if record, err := g.store.GetIdempotency(ctx, idemKey); err == nil {
		if record.RequestID != requestID {
			logger.L().Error("幂等键被跨订单复用",
				slog.String("request_id", requestID),
				slog.String("bound_request_id", record.RequestID),
			)
			return nil, xerrors.New(xerrors.CodeConflict, "幂等键已绑定其他订单",
				xerrors.WithMetadata("request_id", requestID),
				xerrors.WithMetadata("bound_request_id", record.RequestID))
		}
		logger.L().Info("ACCEPT 幂等命中",
			slog.String("request_id", requestID),
			slog.String("tx_hash", record.TxHash),
		)
		return g.machine.Get(ctx, requestID)
	} else if !stdErrors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	// 凭证防重：同一 tx_hash 只能冻结一次资金。
	if existing, err := g.store.GetPaymentByTx(ctx, accept.TxHash); err == nil {
		if existing.RequestID != requestID {
			logger.L().Error("检测到支付凭证复用",
				slog.String("request_id", requestID),
				slog.String("conflict_request_id", existing.RequestID),
				slog.String("tx_hash", accept.TxHash),
			)
			return nil, xerrors.Wrap(CodePaymentReplay, nil, "支付凭证已被其他订单使用",
				xerrors.WithMetadata("request_id", requestID),
				xerrors.WithMetadata("conflict_request_id", existing.RequestID),
				xerrors.WithMetadata("tx_hash", accept.TxHash))
		}
		// 同一订单的重试：补写幂等记录后按重放推进。
		if err := g.store.SaveIdempotency(ctx, &IdempotencyRecord{
			Key:       idemKey,
			RequestID: requestID,
			TxHash:    accept.TxHash,
			CreatedAt: time.Now().Unix(),
		}); err != nil {
			return nil, err
		}
		return g.machine.Apply(ctx, requestID, order.EventAccept, order.EventInput{TxHash: accept.TxHash})
	} else if !stdErrors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	ord, err := g.machine.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	proof, err := g.verifier.Verify(ctx, ord, accept)
	if err != nil {
		return nil, err
	}

	ord, err = g.machine.Apply(ctx, requestID, order.EventAccept, order.EventInput{TxHash: accept.TxHash})
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	record := &Record{
		RequestID:      requestID,
		TxHash:         accept.TxHash,
		Token:          proof.Token,
		Network:        proof.Network,
		Amount:         ord.Price.Amount,
		Currency:       ord.Price.Currency,
		Payer:          proof.From,
		IdempotencyKey: idemKey,
		AcceptedAt:     now,
	}
	if err := g.store.SavePayment(ctx, record); err != nil {
		return nil, err
	}
	if err := g.store.SaveIdempotency(ctx, &IdempotencyRecord{
		Key:       idemKey,
		RequestID: requestID,
		TxHash:    accept.TxHash,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	logger.Audit().Info("payment_accepted",
		slog.String("request_id", requestID),
		slog.String("tx_hash", accept.TxHash),
		slog.String("token", record.Token),
		slog.Int64("amount", record.Amount),
	)
	return ord, nil
}
