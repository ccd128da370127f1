package order

import (
	"context"
	"errors"
	"testing"

	"AgentMarket-Relay/internal/ledger"
)

func newTestMachine(t *testing.T) (*Machine, *ledger.MemoryStore) {
	t.Helper()
	ledgerStore := ledger.NewMemoryStore()
	journal := ledger.NewJournal(ledgerStore)
	machine := NewMachine(NewMemoryStore(), journal, 250)
	return machine, ledgerStore
}

func advanceToFunded(t *testing.T, machine *Machine, requestID string) *Order {
	t.Helper()
	ctx := context.Background()

	if _, err := machine.CreateRequest(ctx, requestID, "buyer-1", "translate a document"); err != nil {
		t.Fatalf("CreateRequest 失败: %v", err)
	}
	if _, err := machine.Apply(ctx, requestID, EventOffer, EventInput{
		SellerID: "seller-1",
		Price:    &Price{Amount: 100_000, Currency: "USDC"},
	}); err != nil {
		t.Fatalf("OFFER 失败: %v", err)
	}
	ord, err := machine.Apply(ctx, requestID, EventAccept, EventInput{TxHash: "0xabc123"})
	if err != nil {
		t.Fatalf("ACCEPT 失败: %v", err)
	}
	return ord
}

func TestMachineHappyPath(t *testing.T) {
	machine, ledgerStore := newTestMachine(t)
	ctx := context.Background()

	ord := advanceToFunded(t, machine, "req-happy")
	if ord.State != StateFunded {
		t.Fatalf("ACCEPT 后状态应为 FUNDED，实际 %s", ord.State)
	}
	if ord.TxHash != "0xabc123" {
		t.Fatalf("tx_hash 未记录: %+v", ord)
	}
	if len(ord.History) != 4 {
		t.Fatalf("FUNDED 订单应有 4 条历史，实际 %d", len(ord.History))
	}

	ord, err := machine.Apply(ctx, "req-happy", EventResult, EventInput{ResultStatus: "ok"})
	if err != nil {
		t.Fatalf("RESULT 失败: %v", err)
	}
	if ord.State != StateDelivered {
		t.Fatalf("RESULT 后状态应为 DELIVERED，实际 %s", ord.State)
	}

	ord, err = machine.Apply(ctx, "req-happy", EventEscrowReleased, EventInput{})
	if err != nil {
		t.Fatalf("ESCROW_RELEASED 失败: %v", err)
	}
	if ord.State != StateClosed {
		t.Fatalf("结算后订单应收敛到 CLOSED，实际 %s", ord.State)
	}

	entries, err := ledgerStore.ListEntries(ctx, ledger.EntryFilter{RequestID: "req-happy", Limit: 10})
	if err != nil {
		t.Fatalf("ListEntries 失败: %v", err)
	}
	// HOLD + RELEASE + SELLER_SETTLE + PLATFORM_FEE
	if len(entries) != 4 {
		t.Fatalf("完整结算应产生 4 条分录，实际 %d", len(entries))
	}
	for _, entry := range entries {
		if err := ledger.CheckBalanced(entry.Postings); err != nil {
			t.Fatalf("分录 %s 借贷不平: %v", entry.Operation, err)
		}
	}
}

func TestMachineFeeSplit(t *testing.T) {
	machine, ledgerStore := newTestMachine(t)
	ctx := context.Background()

	advanceToFunded(t, machine, "req-fee")
	if _, err := machine.Apply(ctx, "req-fee", EventResult, EventInput{}); err != nil {
		t.Fatalf("RESULT 失败: %v", err)
	}
	if _, err := machine.Apply(ctx, "req-fee", EventEscrowReleased, EventInput{}); err != nil {
		t.Fatalf("ESCROW_RELEASED 失败: %v", err)
	}

	// 100000 × 250bps = 2500 手续费，卖家到手 97500。
	records, err := ledgerStore.ListPostings(ctx, ledger.PostingFilter{RequestID: "req-fee", Limit: 50})
	if err != nil {
		t.Fatalf("ListPostings 失败: %v", err)
	}
	balances := make(map[ledger.Account]int64)
	for _, record := range records {
		balances[record.Account] += record.Delta
	}
	if balances[ledger.AccountSellerAvail] != 97_500 {
		t.Fatalf("卖家可用余额应为 97500，实际 %d", balances[ledger.AccountSellerAvail])
	}
	if balances[ledger.AccountFeeRevenue] != 2_500 {
		t.Fatalf("平台佣金应为 2500，实际 %d", balances[ledger.AccountFeeRevenue])
	}
	if balances[ledger.AccountBuyerFrozen] != 0 {
		t.Fatalf("冻结户应清零，实际 %d", balances[ledger.AccountBuyerFrozen])
	}
}

func TestMachineRefundAfterFunding(t *testing.T) {
	machine, ledgerStore := newTestMachine(t)
	ctx := context.Background()

	advanceToFunded(t, machine, "req-refund")

	ord, err := machine.Apply(ctx, "req-refund", EventEscrowRefunded, EventInput{})
	if err != nil {
		t.Fatalf("ESCROW_REFUNDED 失败: %v", err)
	}
	if ord.State != StateClosed {
		t.Fatalf("退款后订单应收敛到 CLOSED，实际 %s", ord.State)
	}

	records, err := ledgerStore.ListPostings(ctx, ledger.PostingFilter{RequestID: "req-refund", Limit: 50})
	if err != nil {
		t.Fatalf("ListPostings 失败: %v", err)
	}
	var refunded int64
	for _, record := range records {
		if record.Account == ledger.AccountBuyerRefunded {
			refunded += record.Delta
		}
	}
	if refunded != 100_000 {
		t.Fatalf("退款金额应为 100000，实际 %d", refunded)
	}
}

func TestMachineRefundBeforeFundingPostsNothing(t *testing.T) {
	machine, ledgerStore := newTestMachine(t)
	ctx := context.Background()

	if _, err := machine.CreateRequest(ctx, "req-cancel", "buyer-1", "task"); err != nil {
		t.Fatalf("CreateRequest 失败: %v", err)
	}
	ord, err := machine.Apply(ctx, "req-cancel", EventEscrowRefunded, EventInput{})
	if err != nil {
		t.Fatalf("ESCROW_REFUNDED 失败: %v", err)
	}
	if ord.State != StateClosed {
		t.Fatalf("取消后订单应为 CLOSED，实际 %s", ord.State)
	}

	entries, err := ledgerStore.ListEntries(ctx, ledger.EntryFilter{RequestID: "req-cancel", Limit: 10})
	if err != nil {
		t.Fatalf("ListEntries 失败: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("未冻结资金的取消不应产生分录，实际 %d 条", len(entries))
	}
}

func TestMachineInvalidTransition(t *testing.T) {
	machine, _ := newTestMachine(t)
	ctx := context.Background()

	if _, err := machine.CreateRequest(ctx, "req-invalid", "buyer-1", "task"); err != nil {
		t.Fatalf("CreateRequest 失败: %v", err)
	}
	_, err := machine.Apply(ctx, "req-invalid", EventResult, EventInput{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("CREATED 状态下 RESULT 应返回 ErrInvalidTransition，实际 %v", err)
	}
}

func TestMachineEventReplayIsIdempotent(t *testing.T) {
	machine, ledgerStore := newTestMachine(t)
	ctx := context.Background()

	advanceToFunded(t, machine, "req-replay")

	// 重放 ACCEPT：状态不允许但历史已有，应幂等返回且不追加分录。
	ord, err := machine.Apply(ctx, "req-replay", EventAccept, EventInput{TxHash: "0xabc123"})
	if err != nil {
		t.Fatalf("重放 ACCEPT 不应报错: %v", err)
	}
	if ord.State != StateFunded {
		t.Fatalf("重放后状态应保持 FUNDED，实际 %s", ord.State)
	}

	entries, err := ledgerStore.ListEntries(ctx, ledger.EntryFilter{RequestID: "req-replay", Limit: 10})
	if err != nil {
		t.Fatalf("ListEntries 失败: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("重放不应追加分录，实际 %d 条", len(entries))
	}
}

func TestMachineDuplicateRequestReturnsExisting(t *testing.T) {
	machine, _ := newTestMachine(t)
	ctx := context.Background()

	first, err := machine.CreateRequest(ctx, "req-dup", "buyer-1", "task")
	if err != nil {
		t.Fatalf("CreateRequest 失败: %v", err)
	}
	second, err := machine.CreateRequest(ctx, "req-dup", "buyer-1", "task")
	if err != nil {
		t.Fatalf("重复 CreateRequest 不应报错: %v", err)
	}
	if first.RequestID != second.RequestID || second.State != StateCreated {
		t.Fatalf("重复请求应返回已有订单: %+v", second)
	}
}

func TestMachineReleaseWithoutDelivery(t *testing.T) {
	// FUNDED 状态允许直接释放（超时兜底路径）。
	machine, _ := newTestMachine(t)
	ctx := context.Background()

	advanceToFunded(t, machine, "req-direct")
	ord, err := machine.Apply(ctx, "req-direct", EventEscrowReleased, EventInput{})
	if err != nil {
		t.Fatalf("FUNDED 状态下 ESCROW_RELEASED 失败: %v", err)
	}
	if ord.State != StateClosed {
		t.Fatalf("释放后订单应为 CLOSED，实际 %s", ord.State)
	}
}
