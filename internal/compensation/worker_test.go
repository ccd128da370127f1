package compensation

import (
	"context"
	"errors"
	"testing"
	"time"

	"AgentMarket-Relay/internal/ledger"
	"AgentMarket-Relay/internal/order"
)

type workerFixture struct {
	worker      *Worker
	store       *MemoryStore
	machine     *order.Machine
	orderStore  *order.MemoryStore
	ledgerStore *ledger.MemoryStore
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	orderStore := order.NewMemoryStore()
	ledgerStore := ledger.NewMemoryStore()
	machine := order.NewMachine(orderStore, ledger.NewJournal(ledgerStore), 250)
	store := NewMemoryStore()

	worker := NewWorker(Config{
		OrderTimeout: 30 * time.Minute,
		MaxAttempts:  5,
		BackoffBase:  2 * time.Second,
		BackoffCap:   5 * time.Minute,
	}, store, machine, NewMemoryQueue(16))

	return &workerFixture{
		worker:      worker,
		store:       store,
		machine:     machine,
		orderStore:  orderStore,
		ledgerStore: ledgerStore,
	}
}

// seedStuckOrder 直接写入一个更新时间早已超时的订单。
func (f *workerFixture) seedStuckOrder(t *testing.T, requestID string, state order.State, funded bool) {
	t.Helper()
	stale := time.Now().Add(-2 * time.Hour).Unix()
	ord := &order.Order{
		RequestID: requestID,
		State:     state,
		BuyerID:   "buyer-1",
		SellerID:  "seller-1",
		Price:     &order.Price{Amount: 50_000, Currency: "USDC"},
		CreatedAt: stale,
		UpdatedAt: stale,
		History: []order.HistoryEntry{
			{From: "", To: order.StateCreated, Event: order.EventRequest, At: stale},
			{From: order.StateCreated, To: order.StateOffered, Event: order.EventOffer, At: stale},
		},
	}
	if funded {
		ord.History = append(ord.History,
			order.HistoryEntry{From: order.StateOffered, To: order.StateAccepted, Event: order.EventAccept, At: stale},
			order.HistoryEntry{From: order.StateAccepted, To: order.StateFunded, Event: order.EventEscrowHeld, At: stale},
		)
	}
	if err := f.orderStore.Create(context.Background(), ord); err != nil {
		t.Fatalf("写入滞留订单失败: %v", err)
	}

	// 资金冻结过的订单需要补上对应的 HOLD 分录。
	if funded {
		journal := ledger.NewJournal(f.ledgerStore)
		if _, err := journal.Post(context.Background(), requestID, ledger.OpHold, []ledger.Posting{
			{Account: ledger.AccountExternalEscrow, Currency: "USDC", Delta: -50_000},
			{Account: ledger.AccountBuyerFrozen, Currency: "USDC", Delta: 50_000},
		}); err != nil {
			t.Fatalf("写入 HOLD 分录失败: %v", err)
		}
	}
}

func TestRunNowRefundsStuckFundedOrder(t *testing.T) {
	fixture := newWorkerFixture(t)
	ctx := context.Background()

	fixture.seedStuckOrder(t, "req-stuck", order.StateFunded, true)

	summary, err := fixture.worker.RunNow(ctx)
	if err != nil {
		t.Fatalf("RunNow 失败: %v", err)
	}
	if summary.Scanned != 1 || summary.Succeeded != 1 {
		t.Fatalf("补偿摘要不正确: %+v", summary)
	}

	ord, err := fixture.machine.Get(ctx, "req-stuck")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if ord.State != order.StateClosed {
		t.Fatalf("补偿后订单应为 CLOSED，实际 %s", ord.State)
	}

	records, err := fixture.ledgerStore.ListPostings(ctx, ledger.PostingFilter{RequestID: "req-stuck", Limit: 50})
	if err != nil {
		t.Fatalf("ListPostings 失败: %v", err)
	}
	var refunded int64
	for _, record := range records {
		if record.Account == ledger.AccountBuyerRefunded {
			refunded += record.Delta
		}
	}
	if refunded != 50_000 {
		t.Fatalf("退款金额应为 50000，实际 %d", refunded)
	}
}

// seedFailedDelivery 写入一个交付结果为失败的已入金 DELIVERED 订单。
func (f *workerFixture) seedFailedDelivery(t *testing.T, requestID string, updatedAt time.Time) {
	t.Helper()
	ts := updatedAt.Unix()
	ord := &order.Order{
		RequestID:    requestID,
		State:        order.StateDelivered,
		BuyerID:      "buyer-1",
		SellerID:     "seller-1",
		Price:        &order.Price{Amount: 50_000, Currency: "USDC"},
		ResultStatus: "failed:TIMEOUT",
		CreatedAt:    ts,
		UpdatedAt:    ts,
		History: []order.HistoryEntry{
			{From: "", To: order.StateCreated, Event: order.EventRequest, At: ts},
			{From: order.StateCreated, To: order.StateOffered, Event: order.EventOffer, At: ts},
			{From: order.StateOffered, To: order.StateAccepted, Event: order.EventAccept, At: ts},
			{From: order.StateAccepted, To: order.StateFunded, Event: order.EventEscrowHeld, At: ts},
			{From: order.StateFunded, To: order.StateDelivered, Event: order.EventResult, At: ts},
		},
	}
	if err := f.orderStore.Create(context.Background(), ord); err != nil {
		t.Fatalf("写入失败交付订单失败: %v", err)
	}

	journal := ledger.NewJournal(f.ledgerStore)
	if _, err := journal.Post(context.Background(), requestID, ledger.OpHold, []ledger.Posting{
		{Account: ledger.AccountExternalEscrow, Currency: "USDC", Delta: -50_000},
		{Account: ledger.AccountBuyerFrozen, Currency: "USDC", Delta: 50_000},
	}); err != nil {
		t.Fatalf("写入 HOLD 分录失败: %v", err)
	}
}

func TestRunNowRefundsFailedDelivery(t *testing.T) {
	fixture := newWorkerFixture(t)
	ctx := context.Background()

	fixture.seedFailedDelivery(t, "req-failed-delivery", time.Now().Add(-2*time.Hour))

	if _, err := fixture.worker.RunNow(ctx); err != nil {
		t.Fatalf("RunNow 失败: %v", err)
	}

	ord, err := fixture.machine.Get(ctx, "req-failed-delivery")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if ord.State != order.StateClosed {
		t.Fatalf("补偿后订单应为 CLOSED，实际 %s", ord.State)
	}

	records, err := fixture.ledgerStore.ListPostings(ctx, ledger.PostingFilter{RequestID: "req-failed-delivery", Limit: 50})
	if err != nil {
		t.Fatalf("ListPostings 失败: %v", err)
	}
	balances := make(map[ledger.Account]int64)
	for _, record := range records {
		balances[record.Account] += record.Delta
	}
	if balances[ledger.AccountBuyerRefunded] != 50_000 {
		t.Fatalf("失败交付应全额退款，实际 %d", balances[ledger.AccountBuyerRefunded])
	}
	if balances[ledger.AccountSellerAvail] != 0 || balances[ledger.AccountSellerPending] != 0 {
		t.Fatalf("失败交付不应向卖家结算: %+v", balances)
	}
}

func TestFailedDeliveryScannedBeforeTimeout(t *testing.T) {
	fixture := newWorkerFixture(t)
	ctx := context.Background()

	// 刚更新的订单远未到滞留超时，但交付结果已经失败。
	fixture.seedFailedDelivery(t, "req-fresh-failure", time.Now())

	summary, err := fixture.worker.schedule(ctx, false)
	if err != nil {
		t.Fatalf("扫描失败: %v", err)
	}
	if summary.Enqueued != 1 {
		t.Fatalf("失败交付应立即建立补偿任务，实际 %d", summary.Enqueued)
	}

	jobs, err := fixture.store.List(ctx, JobFilter{RequestID: "req-fresh-failure"})
	if err != nil {
		t.Fatalf("List 失败: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Action != ActionRefund {
		t.Fatalf("失败交付的补偿动作应为 REFUND: %+v", jobs)
	}
}

func TestStaleRunningJobIsReclaimed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	stale := now.Add(-runningLease - time.Minute).Unix()
	if err := store.Create(ctx, &Job{
		ID:          "job-stale",
		RequestID:   "req-stale",
		Action:      ActionRefund,
		State:       JobRunning,
		Attempts:    1,
		MaxAttempts: 5,
		NextRunAt:   stale,
		CreatedAt:   stale,
		UpdatedAt:   stale,
	}); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}
	if err := store.Create(ctx, &Job{
		ID:          "job-live",
		RequestID:   "req-live",
		Action:      ActionRefund,
		State:       JobRunning,
		Attempts:    1,
		MaxAttempts: 5,
		NextRunAt:   now.Unix(),
		CreatedAt:   now.Unix(),
		UpdatedAt:   now.Unix(),
	}); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}

	due, err := store.Due(ctx, now.Unix(), 10)
	if err != nil {
		t.Fatalf("Due 失败: %v", err)
	}
	if len(due) != 1 || due[0] != "job-stale" {
		t.Fatalf("只有租约过期的 RUNNING 任务应到期，实际 %v", due)
	}

	job, err := store.Claim(ctx, "job-stale")
	if err != nil {
		t.Fatalf("租约过期的任务应可领取: %v", err)
	}
	if job.State != JobRunning || job.Attempts != 2 {
		t.Fatalf("重新领取后任务状态不正确: %+v", job)
	}

	if _, err := store.Claim(ctx, "job-live"); !errors.Is(err, ErrJobNotDue) {
		t.Fatalf("租约内的 RUNNING 任务不应被抢占，实际 %v", err)
	}
}

func TestRunNowReleasesStuckDeliveredOrder(t *testing.T) {
	fixture := newWorkerFixture(t)
	ctx := context.Background()

	fixture.seedStuckOrder(t, "req-delivered", order.StateDelivered, true)

	if _, err := fixture.worker.RunNow(ctx); err != nil {
		t.Fatalf("RunNow 失败: %v", err)
	}

	ord, err := fixture.machine.Get(ctx, "req-delivered")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if ord.State != order.StateClosed {
		t.Fatalf("补偿后订单应为 CLOSED，实际 %s", ord.State)
	}

	records, err := fixture.ledgerStore.ListPostings(ctx, ledger.PostingFilter{RequestID: "req-delivered", Limit: 50})
	if err != nil {
		t.Fatalf("ListPostings 失败: %v", err)
	}
	balances := make(map[ledger.Account]int64)
	for _, record := range records {
		balances[record.Account] += record.Delta
	}
	// 50000 × 250bps = 1250 佣金，卖家到手 48750。
	if balances[ledger.AccountSellerAvail] != 48_750 {
		t.Fatalf("卖家可用余额应为 48750，实际 %d", balances[ledger.AccountSellerAvail])
	}
}

func TestScanDoesNotDuplicateLiveJobs(t *testing.T) {
	fixture := newWorkerFixture(t)
	ctx := context.Background()

	fixture.seedStuckOrder(t, "req-once", order.StateOffered, false)

	first, err := fixture.worker.schedule(ctx, false)
	if err != nil {
		t.Fatalf("首轮扫描失败: %v", err)
	}
	if first.Enqueued != 1 {
		t.Fatalf("首轮应建立 1 个任务，实际 %d", first.Enqueued)
	}

	second, err := fixture.worker.schedule(ctx, false)
	if err != nil {
		t.Fatalf("二轮扫描失败: %v", err)
	}
	if second.Enqueued != 0 {
		t.Fatalf("重复扫描不应建立新任务，实际 %d", second.Enqueued)
	}

	jobs, err := fixture.store.List(ctx, JobFilter{RequestID: "req-once"})
	if err != nil {
		t.Fatalf("List 失败: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("同一订单应只有一个任务，实际 %d", len(jobs))
	}
}

func TestClosedOrderIsNotScanned(t *testing.T) {
	fixture := newWorkerFixture(t)
	ctx := context.Background()

	stale := time.Now().Add(-2 * time.Hour).Unix()
	ord := &order.Order{
		RequestID: "req-closed",
		State:     order.StateClosed,
		BuyerID:   "buyer-1",
		CreatedAt: stale,
		UpdatedAt: stale,
		History: []order.HistoryEntry{
			{From: "", To: order.StateCreated, Event: order.EventRequest, At: stale},
		},
	}
	if err := fixture.orderStore.Create(ctx, ord); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}

	summary, err := fixture.worker.RunNow(ctx)
	if err != nil {
		t.Fatalf("RunNow 失败: %v", err)
	}
	if summary.Scanned != 0 || summary.Enqueued != 0 {
		t.Fatalf("终态订单不应进入补偿: %+v", summary)
	}
}

func TestBackoffProgression(t *testing.T) {
	fixture := newWorkerFixture(t)

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := fixture.worker.backoff(tc.attempts); got != tc.want {
			t.Fatalf("第 %d 次重试退避应为 %v，实际 %v", tc.attempts, tc.want, got)
		}
	}
}

func TestClaimRespectsMaxAttempts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now().Unix()
	job := &Job{
		ID:          "job-1",
		RequestID:   "req-1",
		Action:      ActionRefund,
		State:       JobPending,
		Attempts:    5,
		MaxAttempts: 5,
		NextRunAt:   now - 10,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}

	if _, err := store.Claim(ctx, "job-1"); !errors.Is(err, ErrJobExhausted) {
		t.Fatalf("重试耗尽应返回 ErrJobExhausted，实际 %v", err)
	}
}
