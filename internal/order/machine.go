package order

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "AgentMarket-Relay/internal/errors"
	"AgentMarket-Relay/internal/ledger"
	"AgentMarket-Relay/pkg/logger"
)

// EventInput 携带事件附带的业务数据，各事件只读取自己关心的字段。
type EventInput struct {
	SellerID     string
	Price        *Price
	TxHash       string
	ResultStatus string
}

// Machine 是订单状态机的唯一写入口。
// 对同一订单的并发事件通过按 request_id 加锁串行化；涉及资金的事件
// 先写账本（重复记账按已记账处理），再对订单状态做 compare-and-swap，
// 保证账本与状态不会出现只写一半的情况。
type Machine struct {
	store   Store
	journal *ledger.Journal
	feeBps  int64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMachine 构造状态机。feeBps 为平台抽佣的基点数。
func NewMachine(store Store, journal *ledger.Journal, feeBps int64) *Machine {
	if feeBps < 0 {
		feeBps = 0
	}
	return &Machine{
		store:   store,
		journal: journal,
		feeBps:  feeBps,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (m *Machine) lockFor(requestID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[requestID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[requestID] = lock
	}
	return lock
}

// CreateRequest 处理 REQUEST 事件：创建处于 CREATED 状态的新订单。
// 相同 request_id 的重复请求返回已存在的订单。
func (m *Machine) CreateRequest(ctx context.Context, requestID, buyerID, task string) (*Order, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, xerrors.New(CodeOrderValidation, "request_id 不能为空")
	}
	if strings.TrimSpace(buyerID) == "" {
		return nil, xerrors.New(CodeOrderValidation, "buyer_id 不能为空")
	}

	lock := m.lockFor(requestID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().Unix()
	ord := &Order{
		RequestID: requestID,
		State:     StateCreated,
		BuyerID:   buyerID,
		Task:      task,
		CreatedAt: now,
		UpdatedAt: now,
		History: []HistoryEntry{
			{From: "", To: StateCreated, Event: EventRequest, At: now},
		},
	}

	if err := m.store.Create(ctx, ord); err != nil {
		if stdErrors.Is(err, ErrOrderConflict) {
			return m.store.Get(ctx, requestID)
		}
		return nil, err
	}

	logger.L().Info("订单已创建",
		slog.String("request_id", requestID),
		slog.String("buyer_id", buyerID),
	)
	return cloneOrder(ord), nil
}

// Apply 对指定订单应用一个事件。
// 事件在当前状态不合法、但历史中已出现过时视为重放，幂等返回当前订单。
func (m *Machine) Apply(ctx context.Context, requestID string, event Event, input EventInput) (*Order, error) {
	if !IsValidEvent(event) || event == EventRequest {
		return nil, xerrors.New(CodeOrderValidation, "未知的订单事件: "+string(event))
	}

	lock := m.lockFor(requestID)
	lock.Lock()
	defer lock.Unlock()

	ord, err := m.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if !eventAllowed(event, ord.State) {
		if ord.appliedEvent(event) {
			logger.L().Info("事件重放，幂等返回",
				slog.String("request_id", requestID),
				slog.String("event", string(event)),
				slog.String("state", string(ord.State)),
			)
			return ord, nil
		}
		return nil, xerrors.Wrap(CodeInvalidTransition, nil,
			"事件 "+string(event)+" 在状态 "+string(ord.State)+" 下不合法")
	}

	switch event {
	case EventOffer:
		ord, err = m.applyOffer(ctx, ord, input)
	case EventAccept:
		ord, err = m.applyAccept(ctx, ord, input)
	case EventResult:
		ord, err = m.applyResult(ctx, ord, input)
	case EventEscrowHeld:
		ord, err = m.applyEscrowHeld(ctx, ord)
	case EventEscrowReleased:
		ord, err = m.applyEscrowReleased(ctx, ord)
	case EventEscrowRefunded:
		ord, err = m.applyEscrowRefunded(ctx, ord)
	default:
		return nil, xerrors.New(CodeOrderValidation, "未知的订单事件: "+string(event))
	}
	if err != nil {
		return nil, err
	}

	logger.Audit().Info("order_transition",
		slog.String("request_id", requestID),
		slog.String("event", string(event)),
		slog.String("state", string(ord.State)),
	)
	return ord, nil
}

func (m *Machine) applyOffer(ctx context.Context, ord *Order, input EventInput) (*Order, error) {
	if strings.TrimSpace(input.SellerID) == "" {
		return nil, xerrors.New(CodeOrderValidation, "报价缺少 seller_id")
	}
	if input.Price == nil || input.Price.Amount <= 0 || input.Price.Currency == "" {
		return nil, xerrors.New(CodeOrderValidation, "报价金额不合法")
	}

	now := time.Now().Unix()
	mut := Mutation{
		From:      ord.State,
		To:        StateOffered,
		SellerID:  input.SellerID,
		Price:     input.Price,
		UpdatedAt: now,
		Hops: []HistoryEntry{
			{From: ord.State, To: StateOffered, Event: EventOffer, At: now},
		},
	}
	if err := m.store.Transition(ctx, ord.RequestID, mut); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, ord.RequestID)
}

// applyAccept 在支付校验通过后调用：先冻结资金，再把订单推进到 FUNDED。
// 账本重复记账说明资金已冻结过，继续推进状态即可。
func (m *Machine) applyAccept(ctx context.Context, ord *Order, input EventInput) (*Order, error) {
	if ord.Price == nil {
		return nil, xerrors.New(CodeOrderValidation, "订单缺少报价，无法冻结资金")
	}
	if strings.TrimSpace(input.TxHash) == "" {
		return nil, xerrors.New(CodeOrderValidation, "接受报价缺少 tx_hash")
	}

	postings := []ledger.Posting{
		{Account: ledger.AccountExternalEscrow, Currency: ord.Price.Currency, Delta: -ord.Price.Amount},
		{Account: ledger.AccountBuyerFrozen, Currency: ord.Price.Currency, Delta: ord.Price.Amount},
	}
	if _, err := m.journal.Post(ctx, ord.RequestID, ledger.OpHold, postings); err != nil &&
		!stdErrors.Is(err, ledger.ErrDuplicateEntry) {
		return nil, err
	}

	now := time.Now().Unix()
	mut := Mutation{
		From:      ord.State,
		To:        StateFunded,
		TxHash:    input.TxHash,
		UpdatedAt: now,
		Hops: []HistoryEntry{
			{From: ord.State, To: StateAccepted, Event: EventAccept, At: now},
			{From: StateAccepted, To: StateFunded, Event: EventEscrowHeld, At: now},
		},
	}
	if err := m.store.Transition(ctx, ord.RequestID, mut); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, ord.RequestID)
}

func (m *Machine) applyResult(ctx context.Context, ord *Order, input EventInput) (*Order, error) {
	status := input.ResultStatus
	if status == "" {
		status = "ok"
	}

	now := time.Now().Unix()
	mut := Mutation{
		From:         ord.State,
		To:           StateDelivered,
		ResultStatus: status,
		UpdatedAt:    now,
		Hops: []HistoryEntry{
			{From: ord.State, To: StateDelivered, Event: EventResult, At: now},
		},
	}
	if err := m.store.Transition(ctx, ord.RequestID, mut); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, ord.RequestID)
}

// applyEscrowHeld 处理独立到达的托管确认回调（ACCEPTED → FUNDED）。
func (m *Machine) applyEscrowHeld(ctx context.Context, ord *Order) (*Order, error) {
	now := time.Now().Unix()
	mut := Mutation{
		From:      ord.State,
		To:        StateFunded,
		UpdatedAt: now,
		Hops: []HistoryEntry{
			{From: ord.State, To: StateFunded, Event: EventEscrowHeld, At: now},
		},
	}
	if err := m.store.Transition(ctx, ord.RequestID, mut); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, ord.RequestID)
}

// applyEscrowReleased 解冻资金并结算：冻结户出账、卖家入账、平台计提
// 佣金，随后订单经 RELEASED 收敛到 CLOSED。
func (m *Machine) applyEscrowReleased(ctx context.Context, ord *Order) (*Order, error) {
	if ord.Price == nil {
		return nil, xerrors.New(CodeOrderValidation, "订单缺少报价，无法结算")
	}

	amount := ord.Price.Amount
	currency := ord.Price.Currency
	fee := amount * m.feeBps / 10000
	payout := amount - fee

	release := []ledger.Posting{
		{Account: ledger.AccountBuyerFrozen, Currency: currency, Delta: -amount},
		{Account: ledger.AccountSellerPending, Currency: currency, Delta: payout},
	}
	if fee > 0 {
		release = append(release, ledger.Posting{
			Account: ledger.AccountFeePending, Currency: currency, Delta: fee,
		})
	}
	if _, err := m.journal.Post(ctx, ord.RequestID, ledger.OpRelease, release); err != nil &&
		!stdErrors.Is(err, ledger.ErrDuplicateEntry) {
		return nil, err
	}

	settle := []ledger.Posting{
		{Account: ledger.AccountSellerPending, Currency: currency, Delta: -payout},
		{Account: ledger.AccountSellerAvail, Currency: currency, Delta: payout},
	}
	if _, err := m.journal.Post(ctx, ord.RequestID, ledger.OpSellerSettle, settle); err != nil &&
		!stdErrors.Is(err, ledger.ErrDuplicateEntry) {
		return nil, err
	}

	if fee > 0 {
		feeEntry := []ledger.Posting{
			{Account: ledger.AccountFeePending, Currency: currency, Delta: -fee},
			{Account: ledger.AccountFeeRevenue, Currency: currency, Delta: fee},
		}
		if _, err := m.journal.Post(ctx, ord.RequestID, ledger.OpPlatformFee, feeEntry); err != nil &&
			!stdErrors.Is(err, ledger.ErrDuplicateEntry) {
			return nil, err
		}
	}

	now := time.Now().Unix()
	mut := Mutation{
		From:      ord.State,
		To:        StateClosed,
		UpdatedAt: now,
		Hops: []HistoryEntry{
			{From: ord.State, To: StateReleased, Event: EventEscrowReleased, At: now},
			{From: StateReleased, To: StateClosed, Event: EventEscrowReleased, At: now},
		},
	}
	if err := m.store.Transition(ctx, ord.RequestID, mut); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, ord.RequestID)
}

// applyEscrowRefunded 取消订单。只有资金确实冻结过才需要冲销，
// 未冻结资金的取消只推进状态。
func (m *Machine) applyEscrowRefunded(ctx context.Context, ord *Order) (*Order, error) {
	if m.wasFunded(ord) {
		if ord.Price == nil {
			return nil, xerrors.New(CodeOrderValidation, "订单缺少报价，无法退款")
		}
		refund := []ledger.Posting{
			{Account: ledger.AccountBuyerFrozen, Currency: ord.Price.Currency, Delta: -ord.Price.Amount},
			{Account: ledger.AccountBuyerRefunded, Currency: ord.Price.Currency, Delta: ord.Price.Amount},
		}
		if _, err := m.journal.Post(ctx, ord.RequestID, ledger.OpRefund, refund); err != nil &&
			!stdErrors.Is(err, ledger.ErrDuplicateEntry) {
			return nil, err
		}
	}

	now := time.Now().Unix()
	mut := Mutation{
		From:      ord.State,
		To:        StateClosed,
		UpdatedAt: now,
		Hops: []HistoryEntry{
			{From: ord.State, To: StateRefunded, Event: EventEscrowRefunded, At: now},
			{From: StateRefunded, To: StateClosed, Event: EventEscrowRefunded, At: now},
		},
	}
	if err := m.store.Transition(ctx, ord.RequestID, mut); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, ord.RequestID)
}

func (m *Machine) wasFunded(ord *Order) bool {
	for _, hop := range ord.History {
		if hop.To == StateFunded {
			return true
		}
	}
	return false
}

// Get 查询订单。
func (m *Machine) Get(ctx context.Context, requestID string) (*Order, error) {
	return m.store.Get(ctx, requestID)
}

// List 按条件查询订单。
func (m *Machine) List(ctx context.Context, opts ...ListOption) ([]*Order, error) {
	return m.store.List(ctx, BuildListOptions(opts))
}

// Stats 统计订单分布。
func (m *Machine) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	return m.store.Stats(ctx, BuildListOptions(opts))
}
