package ledger

import (
	"fmt"

	xerrors "AgentMarket-Relay/internal/errors"
)

// Account 表示复式记账中的资金账户。
type Account string

const (
	// AccountExternalEscrow 代表链上托管合约中的外部资金来源。
	AccountExternalEscrow Account = "external:escrow"
	AccountBuyerFrozen    Account = "buyer:frozen"
	AccountSellerPending  Account = "seller:pending"
	AccountSellerAvail    Account = "seller:available"
	AccountFeePending     Account = "platform:fee_pending"
	AccountFeeRevenue     Account = "platform:fee_revenue"
	AccountBuyerRefunded  Account = "buyer:refunded"
)

// Operation 表示一次记账对应的业务动作。
type Operation string

const (
	OpHold         Operation = "HOLD"
	OpRelease      Operation = "RELEASE"
	OpSellerSettle Operation = "SELLER_SETTLE"
	OpPlatformFee  Operation = "PLATFORM_FEE"
	OpRefund       Operation = "REFUND"
)

// Posting 是分录中的一行，Delta 为有符号的最小单位金额。
type Posting struct {
	Account  Account `json:"account"`
	Currency string  `json:"currency"`
	Delta    int64   `json:"delta"`
}

// JournalEntry 将若干 Posting 组合为一次不可变的记账事件。
// Seq 由存储层在落盘时分配，用于按写入顺序重放。
type JournalEntry struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	RequestID string    `json:"request_id"`
	Operation Operation `json:"operation"`
	Postings  []Posting `json:"postings"`
	CreatedAt int64     `json:"created_at"`
}

// CausalKey 返回去重键：同一订单的同一业务动作至多记账一次。
func (e *JournalEntry) CausalKey() string {
	return e.RequestID + ":" + string(e.Operation)
}

var (
	// ErrImbalance 表示分录在某个币种上借贷不平。
	ErrImbalance = xerrors.New(CodeLedgerImbalance, "ledger entry does not balance")
	// ErrDuplicateEntry 表示同一因果键已经记过账。
	ErrDuplicateEntry = xerrors.New(CodeLedgerDuplicate, "ledger entry already posted")
	// ErrEntryNotFound 表示指定的分录不存在。
	ErrEntryNotFound = xerrors.New(CodeLedgerEntryNotFound, "ledger entry not found")
)

const (
	CodeLedgerImbalance     xerrors.Code = "LEDGER_IMBALANCE"
	CodeLedgerDuplicate     xerrors.Code = "LEDGER_DUPLICATE_ENTRY"
	CodeLedgerEntryNotFound xerrors.Code = "LEDGER_ENTRY_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeLedgerImbalance, xerrors.Attributes{
		Message:   "ledger entry does not balance",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeLedgerDuplicate, xerrors.Attributes{
		Message:   "ledger entry already posted",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLedgerEntryNotFound, xerrors.Attributes{
		Message:   "ledger entry not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidOperation 检查记账动作是否为支持的枚举值。
func IsValidOperation(op Operation) bool {
	switch op {
	case OpHold, OpRelease, OpSellerSettle, OpPlatformFee, OpRefund:
		return true
	default:
		return false
	}
}

// CheckBalanced 校验分录在每个币种上的有符号金额之和为零。
func CheckBalanced(postings []Posting) error {
	if len(postings) < 2 {
		return xerrors.Wrap(CodeLedgerImbalance, nil, "分录至少需要两行")
	}
	sums := make(map[string]int64, 2)
	for _, p := range postings {
		if p.Account == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "posting 缺少账户")
		}
		if p.Currency == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "posting 缺少币种")
		}
		if p.Delta == 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "posting 金额不能为零")
		}
		sums[p.Currency] += p.Delta
	}
	for currency, sum := range sums {
		if sum != 0 {
			return xerrors.Wrap(CodeLedgerImbalance, nil,
				fmt.Sprintf("币种 %s 借贷差额 %d", currency, sum))
		}
	}
	return nil
}

func clonePostings(postings []Posting) []Posting {
	if postings == nil {
		return nil
	}
	return append([]Posting(nil), postings...)
}

func cloneEntry(entry *JournalEntry) *JournalEntry {
	clone := *entry
	clone.Postings = clonePostings(entry.Postings)
	return &clone
}
