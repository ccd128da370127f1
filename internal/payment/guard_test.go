package payment

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"AgentMarket-Relay/internal/chain"
	"AgentMarket-Relay/internal/envelope"
	xerrors "AgentMarket-Relay/internal/errors"
	"AgentMarket-Relay/internal/ledger"
	"AgentMarket-Relay/internal/order"
)

const usdcContract = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"

type guardFixture struct {
	guard   *Guard
	machine *order.Machine
	reader  *chain.StaticReader
	ledger  *ledger.MemoryStore
}

func newGuardFixture(t *testing.T) *guardFixture {
	t.Helper()

	rules := &Guardrails{
		FeeBps: 250,
		Tokens: map[string]TokenRule{
			"USDC": {
				Decimals:         6,
				MinAmount:        "0.01",
				MaxAmount:        "10000",
				MinConfirmations: 3,
				Networks:         map[string]string{"base": usdcContract},
			},
		},
	}
	rules.applyDefaults()

	ledgerStore := ledger.NewMemoryStore()
	journal := ledger.NewJournal(ledgerStore)
	machine := order.NewMachine(order.NewMemoryStore(), journal, rules.FeeBps)

	reader := chain.NewStaticReader()
	guard := NewGuard(NewMemoryStore(), machine, NewVerifier(reader, rules))

	return &guardFixture{guard: guard, machine: machine, reader: reader, ledger: ledgerStore}
}

func (f *guardFixture) offerOrder(t *testing.T, requestID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.machine.CreateRequest(ctx, requestID, "buyer-1", "translate a document"); err != nil {
		t.Fatalf("CreateRequest 失败: %v", err)
	}
	if _, err := f.machine.Apply(ctx, requestID, order.EventOffer, order.EventInput{
		SellerID: "seller-1",
		Price:    &order.Price{Amount: 10_500_000, Currency: "USDC"},
	}); err != nil {
		t.Fatalf("OFFER 失败: %v", err)
	}
}

func (f *guardFixture) seedTransfer(txHash string, amount int64, confirmations uint64, success bool) {
	f.reader.Put(&chain.TxProof{
		TxHash:        txHash,
		Network:       "base",
		Contract:      usdcContract,
		From:          "0xbuyerwallet",
		Amount:        big.NewInt(amount),
		Success:       success,
		BlockNumber:   100,
		Confirmations: confirmations,
	})
}

func acceptEnvelope(t *testing.T, requestID, idemKey, txHash string) *envelope.Envelope {
	t.Helper()
	payload, err := json.Marshal(envelope.AcceptPayload{
		TxHash:  txHash,
		Token:   "USDC",
		Network: "base",
		Amount:  "10.50",
	})
	if err != nil {
		t.Fatalf("编码载荷失败: %v", err)
	}
	return &envelope.Envelope{
		Type:           envelope.TypeAccept,
		Sender:         "buyer-1",
		RequestID:      requestID,
		IdempotencyKey: idemKey,
		Payload:        payload,
	}
}

func TestGuardAdmitAcceptHappyPath(t *testing.T) {
	fixture := newGuardFixture(t)
	ctx := context.Background()

	fixture.offerOrder(t, "req-1")
	fixture.seedTransfer("0xaaa", 10_500_000, 5, true)

	ord, err := fixture.guard.AdmitAccept(ctx, acceptEnvelope(t, "req-1", "idem-1", "0xaaa"))
	if err != nil {
		t.Fatalf("AdmitAccept 失败: %v", err)
	}
	if ord.State != order.StateFunded {
		t.Fatalf("接受支付后订单应为 FUNDED，实际 %s", ord.State)
	}

	record, err := fixture.guard.store.GetPaymentByTx(ctx, "0xaaa")
	if err != nil {
		t.Fatalf("支付留痕未写入: %v", err)
	}
	if record.RequestID != "req-1" || record.Amount != 10_500_000 {
		t.Fatalf("支付留痕不正确: %+v", record)
	}

	entries, err := fixture.ledger.ListEntries(ctx, ledger.EntryFilter{RequestID: "req-1", Limit: 10})
	if err != nil {
		t.Fatalf("ListEntries 失败: %v", err)
	}
	if len(entries) != 1 || entries[0].Operation != ledger.OpHold {
		t.Fatalf("应恰好产生一条 HOLD 分录: %+v", entries)
	}
}

func TestGuardIdempotentRetry(t *testing.T) {
	fixture := newGuardFixture(t)
	ctx := context.Background()

	fixture.offerOrder(t, "req-2")
	fixture.seedTransfer("0xbbb", 10_500_000, 5, true)

	env := acceptEnvelope(t, "req-2", "idem-2", "0xbbb")
	if _, err := fixture.guard.AdmitAccept(ctx, env); err != nil {
		t.Fatalf("首次 AdmitAccept 失败: %v", err)
	}
	ord, err := fixture.guard.AdmitAccept(ctx, env)
	if err != nil {
		t.Fatalf("重试 AdmitAccept 不应报错: %v", err)
	}
	if ord.State != order.StateFunded {
		t.Fatalf("重试后状态应保持 FUNDED，实际 %s", ord.State)
	}

	entries, err := fixture.ledger.ListEntries(ctx, ledger.EntryFilter{RequestID: "req-2", Limit: 10})
	if err != nil {
		t.Fatalf("ListEntries 失败: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("重试不应产生新分录，实际 %d 条", len(entries))
	}
}

func TestGuardRetryWithoutIdempotencyKey(t *testing.T) {
	fixture := newGuardFixture(t)
	ctx := context.Background()

	fixture.offerOrder(t, "req-3")
	fixture.seedTransfer("0xccc", 10_500_000, 5, true)

	// 两次请求均未携带显式幂等键，应通过派生键收敛。
	if _, err := fixture.guard.AdmitAccept(ctx, acceptEnvelope(t, "req-3", "", "0xccc")); err != nil {
		t.Fatalf("首次 AdmitAccept 失败: %v", err)
	}
	if _, err := fixture.guard.AdmitAccept(ctx, acceptEnvelope(t, "req-3", "", "0xccc")); err != nil {
		t.Fatalf("无幂等键重试不应报错: %v", err)
	}

	entries, err := fixture.ledger.ListEntries(ctx, ledger.EntryFilter{RequestID: "req-3", Limit: 10})
	if err != nil {
		t.Fatalf("ListEntries 失败: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("派生幂等键未生效，分录数 %d", len(entries))
	}
}

func TestGuardRejectsProofReuse(t *testing.T) {
	fixture := newGuardFixture(t)
	ctx := context.Background()

	fixture.offerOrder(t, "req-4a")
	fixture.offerOrder(t, "req-4b")
	fixture.seedTransfer("0xddd", 10_500_000, 5, true)

	if _, err := fixture.guard.AdmitAccept(ctx, acceptEnvelope(t, "req-4a", "idem-a", "0xddd")); err != nil {
		t.Fatalf("首单 AdmitAccept 失败: %v", err)
	}
	_, err := fixture.guard.AdmitAccept(ctx, acceptEnvelope(t, "req-4b", "idem-b", "0xddd"))
	if !errors.Is(err, ErrPaymentReplay) {
		t.Fatalf("凭证复用应返回 ErrPaymentReplay，实际 %v", err)
	}

	ord, err := fixture.machine.Get(ctx, "req-4b")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if ord.State != order.StateOffered {
		t.Fatalf("被拒订单状态不应改变，实际 %s", ord.State)
	}
}

func TestGuardRejectsForeignIdempotencyKey(t *testing.T) {
	fixture := newGuardFixture(t)
	ctx := context.Background()

	fixture.offerOrder(t, "req-9a")
	fixture.offerOrder(t, "req-9b")
	fixture.seedTransfer("0x222", 10_500_000, 5, true)
	fixture.seedTransfer("0x333", 10_500_000, 5, true)

	if _, err := fixture.guard.AdmitAccept(ctx, acceptEnvelope(t, "req-9a", "shared-key", "0x222")); err != nil {
		t.Fatalf("首单 AdmitAccept 失败: %v", err)
	}

	// 另一个订单携带同一幂等键，不应静默返回成功。
	_, err := fixture.guard.AdmitAccept(ctx, acceptEnvelope(t, "req-9b", "shared-key", "0x333"))
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("跨订单幂等键应返回 CONFLICT，实际 %v", err)
	}

	ord, err := fixture.machine.Get(ctx, "req-9b")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if ord.State != order.StateOffered {
		t.Fatalf("被拒订单状态不应改变，实际 %s", ord.State)
	}
	if _, err := fixture.guard.store.GetPaymentByTx(ctx, "0x333"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("被拒请求不应留下支付留痕，实际 %v", err)
	}
}

func TestGuardRejectsInsufficientConfirmations(t *testing.T) {
	fixture := newGuardFixture(t)
	ctx := context.Background()

	fixture.offerOrder(t, "req-5")
	fixture.seedTransfer("0xeee", 10_500_000, 1, true)

	_, err := fixture.guard.AdmitAccept(ctx, acceptEnvelope(t, "req-5", "idem-5", "0xeee"))
	if !errors.Is(err, ErrPaymentUnconfirmed) {
		t.Fatalf("确认数不足应返回 ErrPaymentUnconfirmed，实际 %v", err)
	}
}

func TestGuardRejectsAmountMismatch(t *testing.T) {
	fixture := newGuardFixture(t)
	ctx := context.Background()

	fixture.offerOrder(t, "req-6")
	fixture.seedTransfer("0xfff", 9_000_000, 5, true)

	_, err := fixture.guard.AdmitAccept(ctx, acceptEnvelope(t, "req-6", "idem-6", "0xfff"))
	if !errors.Is(err, ErrPaymentInvalid) {
		t.Fatalf("金额不一致应返回 ErrPaymentInvalid，实际 %v", err)
	}
}

func TestGuardRejectsFailedTransaction(t *testing.T) {
	fixture := newGuardFixture(t)
	ctx := context.Background()

	fixture.offerOrder(t, "req-7")
	fixture.seedTransfer("0x111", 10_500_000, 5, false)

	_, err := fixture.guard.AdmitAccept(ctx, acceptEnvelope(t, "req-7", "idem-7", "0x111"))
	if !errors.Is(err, ErrPaymentInvalid) {
		t.Fatalf("失败交易应返回 ErrPaymentInvalid，实际 %v", err)
	}
}

func TestGuardPendingTransactionIsRetryable(t *testing.T) {
	fixture := newGuardFixture(t)
	ctx := context.Background()

	fixture.offerOrder(t, "req-8")

	_, err := fixture.guard.AdmitAccept(ctx, acceptEnvelope(t, "req-8", "idem-8", "0xnotyet"))
	if !errors.Is(err, ErrPaymentUnconfirmed) {
		t.Fatalf("未上链交易应返回 ErrPaymentUnconfirmed，实际 %v", err)
	}
}
