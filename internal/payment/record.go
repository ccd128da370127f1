package payment

import (
	xerrors "AgentMarket-Relay/internal/errors"
)

// Record 是一笔已接受支付的留痕，tx_hash 全局唯一，防止凭证复用。
type Record struct {
	RequestID      string `json:"request_id"`
	TxHash         string `json:"tx_hash"`
	Token          string `json:"token"`
	Network        string `json:"network"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Payer          string `json:"payer,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	AcceptedAt     int64  `json:"accepted_at"`
}

// IdempotencyRecord 记录一次 ACCEPT 请求的幂等键与结论。
type IdempotencyRecord struct {
	Key       string `json:"key"`
	RequestID string `json:"request_id"`
	TxHash    string `json:"tx_hash"`
	CreatedAt int64  `json:"created_at"`
}

var (
	// ErrPaymentInvalid 表示支付凭证未通过校验。
	ErrPaymentInvalid = xerrors.New(CodePaymentInvalid, "payment verification failed")
	// ErrPaymentReplay 表示同一交易凭证被用于其他订单。
	ErrPaymentReplay = xerrors.New(CodePaymentReplay, "payment proof reuse detected",
		xerrors.WithAlert(true), xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrPaymentUnconfirmed 表示交易确认数不足，可稍后重试。
	ErrPaymentUnconfirmed = xerrors.New(CodePaymentUnconfirmed, "payment not yet confirmed",
		xerrors.WithRetryable(true))
	// ErrRecordNotFound 表示指定的支付留痕不存在。
	ErrRecordNotFound = xerrors.New(CodePaymentRecordNotFound, "payment record not found")
)

const (
	CodePaymentInvalid        xerrors.Code = "PAYMENT_INVALID"
	CodePaymentReplay         xerrors.Code = "PAYMENT_REPLAY_DETECTED"
	CodePaymentUnconfirmed    xerrors.Code = "PAYMENT_UNCONFIRMED"
	CodePaymentRecordNotFound xerrors.Code = "PAYMENT_RECORD_NOT_FOUND"
)

func init() {
	xerrors.Register(CodePaymentInvalid, xerrors.Attributes{
		Message:   "payment verification failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePaymentReplay, xerrors.Attributes{
		Message:   "payment proof reuse detected",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodePaymentUnconfirmed, xerrors.Attributes{
		Message:   "payment not yet confirmed",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodePaymentRecordNotFound, xerrors.Attributes{
		Message:   "payment record not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
