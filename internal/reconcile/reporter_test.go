package reconcile

import (
	"context"
	"math/big"
	"testing"
	"time"

	"AgentMarket-Relay/internal/chain"
	"AgentMarket-Relay/internal/compensation"
	"AgentMarket-Relay/internal/ledger"
	"AgentMarket-Relay/internal/order"
	"AgentMarket-Relay/internal/payment"
)

type reporterFixture struct {
	reporter *Reporter
	machine  *order.Machine
	payments *payment.MemoryStore
	journal  *ledger.Journal
	tracker  *ledger.Tracker
	jobs     *compensation.MemoryStore
}

func newReporterFixture(t *testing.T) *reporterFixture {
	t.Helper()

	ledgerStore := ledger.NewMemoryStore()
	journal := ledger.NewJournal(ledgerStore)
	tracker := ledger.NewTracker(ledgerStore, journal)
	machine := order.NewMachine(order.NewMemoryStore(), journal, 250)
	payments := payment.NewMemoryStore()
	jobs := compensation.NewMemoryStore()

	return &reporterFixture{
		reporter: NewReporter(machine, payments, tracker, jobs, NewReportStore(10)),
		machine:  machine,
		payments: payments,
		journal:  journal,
		tracker:  tracker,
		jobs:     jobs,
	}
}

func (f *reporterFixture) fundOrder(t *testing.T, requestID, txHash string) {
	t.Helper()
	ctx := context.Background()

	if _, err := f.machine.CreateRequest(ctx, requestID, "buyer-1", "task"); err != nil {
		t.Fatalf("CreateRequest 失败: %v", err)
	}
	if _, err := f.machine.Apply(ctx, requestID, order.EventOffer, order.EventInput{
		SellerID: "seller-1",
		Price:    &order.Price{Amount: 80_000, Currency: "USDC"},
	}); err != nil {
		t.Fatalf("OFFER 失败: %v", err)
	}
	if _, err := f.machine.Apply(ctx, requestID, order.EventAccept, order.EventInput{TxHash: txHash}); err != nil {
		t.Fatalf("ACCEPT 失败: %v", err)
	}
	if err := f.payments.SavePayment(ctx, &payment.Record{
		RequestID:  requestID,
		TxHash:     txHash,
		Token:      "USDC",
		Network:    "base",
		Amount:     80_000,
		Currency:   "USDC",
		AcceptedAt: time.Now().Unix(),
	}); err != nil {
		t.Fatalf("SavePayment 失败: %v", err)
	}
}

func reconcileNow(t *testing.T, reporter *Reporter) *Report {
	t.Helper()
	report, err := reporter.Reconcile(context.Background(),
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Reconcile 失败: %v", err)
	}
	return report
}

func findRow(t *testing.T, report *Report, requestID string) Row {
	t.Helper()
	for _, row := range report.Rows {
		if row.RequestID == requestID {
			return row
		}
	}
	t.Fatalf("报告中缺少订单 %s", requestID)
	return Row{}
}

func TestReconcileMatchedFundedOrder(t *testing.T) {
	fixture := newReporterFixture(t)
	fixture.fundOrder(t, "req-held", "0xaaa")

	report := reconcileNow(t, fixture.reporter)
	row := findRow(t, report, "req-held")
	if row.Status != RowMatched {
		t.Fatalf("冻结中的订单应为 MATCHED，实际 %s (%s)", row.Status, row.Detail)
	}
	if row.LedgerStatus != string(ledger.SettlementHeld) || row.LedgerAmount != 80_000 {
		t.Fatalf("账本列不正确: %+v", row)
	}
}

func TestReconcileMatchedClosedOrder(t *testing.T) {
	fixture := newReporterFixture(t)
	ctx := context.Background()

	fixture.fundOrder(t, "req-done", "0xbbb")
	if _, err := fixture.machine.Apply(ctx, "req-done", order.EventResult, order.EventInput{}); err != nil {
		t.Fatalf("RESULT 失败: %v", err)
	}
	if _, err := fixture.machine.Apply(ctx, "req-done", order.EventEscrowReleased, order.EventInput{}); err != nil {
		t.Fatalf("ESCROW_RELEASED 失败: %v", err)
	}

	report := reconcileNow(t, fixture.reporter)
	row := findRow(t, report, "req-done")
	if row.Status != RowMatched {
		t.Fatalf("已结算关闭的订单应为 MATCHED，实际 %s (%s)", row.Status, row.Detail)
	}
}

func TestReconcilePendingOrder(t *testing.T) {
	fixture := newReporterFixture(t)
	ctx := context.Background()

	if _, err := fixture.machine.CreateRequest(ctx, "req-new", "buyer-1", "task"); err != nil {
		t.Fatalf("CreateRequest 失败: %v", err)
	}

	report := reconcileNow(t, fixture.reporter)
	row := findRow(t, report, "req-new")
	if row.Status != RowPending {
		t.Fatalf("在途订单应为 PENDING，实际 %s", row.Status)
	}
}

func TestReconcileMismatchWhenLedgerMissing(t *testing.T) {
	fixture := newReporterFixture(t)
	ctx := context.Background()

	// 只有支付留痕、没有任何分录的订单。
	if _, err := fixture.machine.CreateRequest(ctx, "req-gap", "buyer-1", "task"); err != nil {
		t.Fatalf("CreateRequest 失败: %v", err)
	}
	if err := fixture.payments.SavePayment(ctx, &payment.Record{
		RequestID:  "req-gap",
		TxHash:     "0xccc",
		Token:      "USDC",
		Network:    "base",
		Amount:     10_000,
		Currency:   "USDC",
		AcceptedAt: time.Now().Unix(),
	}); err != nil {
		t.Fatalf("SavePayment 失败: %v", err)
	}

	report := reconcileNow(t, fixture.reporter)
	row := findRow(t, report, "req-gap")
	if row.Status != RowMismatched {
		t.Fatalf("缺账本的支付应为 MISMATCHED，实际 %s", row.Status)
	}
	if report.Counts[RowMismatched] < 1 {
		t.Fatalf("报告计数不正确: %+v", report.Counts)
	}
}

func TestReconcileFailedCompensation(t *testing.T) {
	fixture := newReporterFixture(t)
	ctx := context.Background()

	fixture.fundOrder(t, "req-failed", "0xddd")
	now := time.Now().Unix()
	if err := fixture.jobs.Create(ctx, &compensation.Job{
		ID:          "job-x",
		RequestID:   "req-failed",
		Action:      compensation.ActionRefund,
		State:       compensation.JobFailed,
		LastError:   "storage unavailable",
		MaxAttempts: 5,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		t.Fatalf("Create job 失败: %v", err)
	}

	report := reconcileNow(t, fixture.reporter)
	row := findRow(t, report, "req-failed")
	if row.Status != RowFailed {
		t.Fatalf("补偿终结失败的订单应为 FAILED，实际 %s", row.Status)
	}
}

func TestReconcileChainCrossCheck(t *testing.T) {
	fixture := newReporterFixture(t)
	reader := chain.NewStaticReader()
	reporter := NewReporter(fixture.machine, fixture.payments, fixture.tracker,
		fixture.jobs, NewReportStore(10), WithChainReader(reader))

	// 链上金额与留痕一致的订单照常核对。
	fixture.fundOrder(t, "req-chain-ok", "0xe01")
	reader.Put(&chain.TxProof{
		TxHash: "0xe01", Success: true, Amount: big.NewInt(80_000), Confirmations: 10,
	})

	// 链上金额与留痕不一致的订单必须被标记。
	fixture.fundOrder(t, "req-chain-bad", "0xe02")
	reader.Put(&chain.TxProof{
		TxHash: "0xe02", Success: true, Amount: big.NewInt(79_999), Confirmations: 10,
	})

	// 留痕存在但链上找不到交易。
	fixture.fundOrder(t, "req-chain-missing", "0xe03")

	report := reconcileNow(t, reporter)
	if row := findRow(t, report, "req-chain-ok"); row.Status != RowMatched {
		t.Fatalf("链上一致的订单应为 MATCHED，实际 %s (%s)", row.Status, row.Detail)
	}
	if row := findRow(t, report, "req-chain-bad"); row.Status != RowMismatched {
		t.Fatalf("链上金额不一致应为 MISMATCHED，实际 %s", row.Status)
	}
	if row := findRow(t, report, "req-chain-missing"); row.Status != RowMismatched {
		t.Fatalf("链上缺失交易应为 MISMATCHED，实际 %s", row.Status)
	}
}

func TestReportStoreKeepsRecent(t *testing.T) {
	store := NewReportStore(2)
	for i := 0; i < 3; i++ {
		store.Save(&Report{
			ID:          string(rune('a' + i)),
			GeneratedAt: int64(i),
			Counts:      map[RowStatus]int{},
		})
	}
	if _, err := store.Get("a"); err == nil {
		t.Fatalf("最旧的报告应被淘汰")
	}
	if _, err := store.Get("c"); err != nil {
		t.Fatalf("最新报告应保留: %v", err)
	}
	if len(store.List(10)) != 2 {
		t.Fatalf("应保留 2 份报告")
	}
}

func TestReportFlatRows(t *testing.T) {
	report := &Report{
		ID: "r-1",
		Rows: []Row{
			{RequestID: "req-1", OrderState: "CLOSED", Status: RowMatched, Currency: "USDC", LedgerAmount: 100},
		},
	}
	rows := report.FlatRows()
	if len(rows) != 2 {
		t.Fatalf("应输出表头加一行数据，实际 %d 行", len(rows))
	}
	if rows[0][0] != "request_id" || rows[1][0] != "req-1" {
		t.Fatalf("CSV 行不正确: %+v", rows)
	}
}
