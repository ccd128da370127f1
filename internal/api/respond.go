package api

import (
	"encoding/json"
	"net/http"

	"AgentMarket-Relay/internal/chain"
	"AgentMarket-Relay/internal/compensation"
	"AgentMarket-Relay/internal/envelope"
	xerrors "AgentMarket-Relay/internal/errors"
	"AgentMarket-Relay/internal/ledger"
	"AgentMarket-Relay/internal/order"
	"AgentMarket-Relay/internal/payment"
	"AgentMarket-Relay/internal/reconcile"
)

// errorBody 是所有错误响应的统一结构。
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorStatus(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// writeError 按错误码映射 HTTP 状态码并输出统一的错误结构。
func writeError(w http.ResponseWriter, err error) {
	e, ok := xerrors.From(err)
	if !ok {
		writeErrorStatus(w, http.StatusInternalServerError, string(xerrors.CodeUnknown), err.Error())
		return
	}
	writeJSON(w, statusFor(e.Code()), map[string]errorBody{"error": {
		Code:      string(e.Code()),
		Message:   e.Message(),
		Retryable: e.Retryable(),
	}})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case order.CodeOrderNotFound,
		payment.CodePaymentRecordNotFound,
		ledger.CodeLedgerEntryNotFound,
		compensation.CodeJobNotFound,
		reconcile.CodeReportNotFound,
		xerrors.CodeNotFound:
		return http.StatusNotFound
	case order.CodeOrderConflict,
		order.CodeInvalidTransition,
		payment.CodePaymentReplay,
		payment.CodePaymentUnconfirmed,
		chain.CodeTxNotFound,
		ledger.CodeLedgerDuplicate,
		compensation.CodeJobActive,
		xerrors.CodeConflict:
		return http.StatusConflict
	case payment.CodePaymentInvalid,
		order.CodeOrderValidation,
		ledger.CodeLedgerImbalance:
		return http.StatusUnprocessableEntity
	case envelope.CodeEnvelopeMalformed,
		xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
