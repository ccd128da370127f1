package order

import (
	xerrors "AgentMarket-Relay/internal/errors"
)

// State 表示订单在生命周期中的状态。
type State string

const (
	StateCreated   State = "CREATED"
	StateOffered   State = "OFFERED"
	StateAccepted  State = "ACCEPTED"
	StateFunded    State = "FUNDED"
	StateExecuting State = "EXECUTING"
	StateDelivered State = "DELIVERED"
	StateReleased  State = "RELEASED"
	StateRefunded  State = "REFUNDED"
	StateClosed    State = "CLOSED"
)

// Event 表示驱动订单状态流转的业务事件。
type Event string

const (
	EventRequest        Event = "REQUEST"
	EventOffer          Event = "OFFER"
	EventAccept         Event = "ACCEPT"
	EventResult         Event = "RESULT"
	EventEscrowHeld     Event = "ESCROW_HELD"
	EventEscrowReleased Event = "ESCROW_RELEASED"
	EventEscrowRefunded Event = "ESCROW_REFUNDED"
)

// Price 以最小单位保存订单报价。
type Price struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// HistoryEntry 记录一次不可变的状态迁移。
type HistoryEntry struct {
	From  State `json:"from_state"`
	To    State `json:"to_state"`
	Event Event `json:"event"`
	At    int64 `json:"timestamp"`
}

// Order 是每个 request_id 对应的持久化订单记录。
// 终态订单保留用于审计，永不物理删除。
type Order struct {
	RequestID    string         `json:"request_id"`
	State        State          `json:"state"`
	BuyerID      string         `json:"buyer_id"`
	SellerID     string         `json:"seller_id,omitempty"`
	Task         string         `json:"task,omitempty"`
	Price        *Price         `json:"price,omitempty"`
	TxHash       string         `json:"tx_hash,omitempty"`
	ResultStatus string         `json:"result_status,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
	History      []HistoryEntry `json:"history"`
}

var (
	// ErrOrderNotFound 表示指定的订单不存在。
	ErrOrderNotFound = xerrors.New(CodeOrderNotFound, "order not found")
	// ErrInvalidTransition 表示事件在当前状态下不合法。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid transition", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrOrderConflict 表示订单被并发修改，当前写入未生效。
	ErrOrderConflict = xerrors.New(CodeOrderConflict, "order conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeOrderNotFound     xerrors.Code = "ORDER_NOT_FOUND"
	CodeInvalidTransition xerrors.Code = "INVALID_TRANSITION"
	CodeOrderConflict     xerrors.Code = "ORDER_CONFLICT"
	CodeOrderValidation   xerrors.Code = "ORDER_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeOrderNotFound, xerrors.Attributes{
		Message:   "order not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:   "invalid transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOrderConflict, xerrors.Attributes{
		Message:   "order conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeOrderValidation, xerrors.Attributes{
		Message:   "order validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// allowedFrom 是合法迁移表：事件 → 允许的当前状态集合。
// ACCEPT 仅在支付验证通过的同一逻辑操作内抵达 FUNDED。
var allowedFrom = map[Event][]State{
	EventOffer:      {StateCreated},
	EventAccept:     {StateOffered},
	EventResult:     {StateFunded, StateExecuting},
	EventEscrowHeld: {StateAccepted},
	EventEscrowReleased: {
		StateDelivered, StateFunded,
	},
	EventEscrowRefunded: {
		StateCreated, StateOffered, StateAccepted, StateFunded,
		StateExecuting, StateDelivered,
	},
}

// IsTerminal 判断状态是否为终态。
func IsTerminal(state State) bool {
	return state == StateClosed
}

// IsValidState 检查给定状态是否为支持的枚举值。
func IsValidState(state State) bool {
	switch state {
	case StateCreated, StateOffered, StateAccepted, StateFunded,
		StateExecuting, StateDelivered, StateReleased, StateRefunded, StateClosed:
		return true
	default:
		return false
	}
}

// IsValidEvent 检查给定事件是否为支持的枚举值。
func IsValidEvent(event Event) bool {
	if event == EventRequest {
		return true
	}
	_, ok := allowedFrom[event]
	return ok
}

func eventAllowed(event Event, current State) bool {
	for _, state := range allowedFrom[event] {
		if state == current {
			return true
		}
	}
	return false
}

func (o *Order) appliedEvent(event Event) bool {
	for _, entry := range o.History {
		if entry.Event == event {
			return true
		}
	}
	return false
}

func cloneOrder(o *Order) *Order {
	clone := *o
	if o.Price != nil {
		price := *o.Price
		clone.Price = &price
	}
	clone.History = append([]HistoryEntry(nil), o.History...)
	return &clone
}
