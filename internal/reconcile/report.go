package reconcile

import (
	"sort"
	"strconv"
	"sync"

	xerrors "AgentMarket-Relay/internal/errors"
)

// RowStatus 表示一条对账行的结论。
type RowStatus string

const (
	// RowMatched 订单、支付与账本三方一致。
	RowMatched RowStatus = "MATCHED"
	// RowMismatched 三方之间存在金额或状态矛盾，需要人工介入。
	RowMismatched RowStatus = "MISMATCHED"
	// RowPending 订单仍在途，暂无可对账的资金动作。
	RowPending RowStatus = "PENDING"
	// RowFailed 订单的补偿已终结失败。
	RowFailed RowStatus = "FAILED"
)

// Row 是对账报告中的一行，对应一个订单。
type Row struct {
	RequestID     string    `json:"request_id"`
	OrderState    string    `json:"order_state"`
	PaymentTx     string    `json:"payment_tx,omitempty"`
	PaymentAmount int64     `json:"payment_amount,omitempty"`
	LedgerStatus  string    `json:"ledger_status,omitempty"`
	LedgerAmount  int64     `json:"ledger_amount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	Status        RowStatus `json:"status"`
	Detail        string    `json:"detail,omitempty"`
}

// Report 是一次对账的完整结果。
type Report struct {
	ID          string            `json:"id"`
	PeriodStart int64             `json:"period_start"`
	PeriodEnd   int64             `json:"period_end"`
	GeneratedAt int64             `json:"generated_at"`
	Counts      map[RowStatus]int `json:"counts"`
	Rows        []Row             `json:"rows"`
}

// ErrReportNotFound 表示指定的对账报告不存在。
var ErrReportNotFound = xerrors.New(CodeReportNotFound, "reconciliation report not found")

const (
	CodeReportNotFound xerrors.Code = "RECONCILE_REPORT_NOT_FOUND"
	CodeReportMismatch xerrors.Code = "RECONCILE_MISMATCH"
)

func init() {
	xerrors.Register(CodeReportNotFound, xerrors.Attributes{
		Message:   "reconciliation report not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeReportMismatch, xerrors.Attributes{
		Message:   "reconciliation mismatch detected",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// FlatRows 将报告展开为 CSV 友好的二维表，首行为表头。
func (r *Report) FlatRows() [][]string {
	rows := make([][]string, 0, len(r.Rows)+1)
	rows = append(rows, []string{
		"request_id", "order_state", "payment_tx", "payment_amount",
		"ledger_status", "ledger_amount", "currency", "status", "detail",
	})
	for _, row := range r.Rows {
		rows = append(rows, []string{
			row.RequestID,
			row.OrderState,
			row.PaymentTx,
			strconv.FormatInt(row.PaymentAmount, 10),
			row.LedgerStatus,
			strconv.FormatInt(row.LedgerAmount, 10),
			row.Currency,
			string(row.Status),
			row.Detail,
		})
	}
	return rows
}

// ReportStore 在内存中保存最近的对账报告。
type ReportStore struct {
	mu      sync.RWMutex
	reports map[string]*Report
	keep    int
}

// NewReportStore 创建报告存储，keep 控制保留的报告数量。
func NewReportStore(keep int) *ReportStore {
	if keep <= 0 {
		keep = 50
	}
	return &ReportStore{reports: make(map[string]*Report), keep: keep}
}

// Save 保存一份报告，超出保留数量时淘汰最旧的。
func (s *ReportStore) Save(report *Report) {
	if report == nil || report.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reports[report.ID] = report
	if len(s.reports) <= s.keep {
		return
	}
	oldestID := ""
	oldestAt := int64(0)
	for id, r := range s.reports {
		if oldestID == "" || r.GeneratedAt < oldestAt {
			oldestID = id
			oldestAt = r.GeneratedAt
		}
	}
	delete(s.reports, oldestID)
}

// Get 返回指定报告。
func (s *ReportStore) Get(id string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report, ok := s.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	return report, nil
}

// List 按生成时间倒序返回报告摘要（不含行）。
func (s *ReportStore) List(limit int) []*Report {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	reports := make([]*Report, 0, len(s.reports))
	for _, report := range s.reports {
		summary := *report
		summary.Rows = nil
		reports = append(reports, &summary)
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].GeneratedAt > reports[j].GeneratedAt
	})
	if len(reports) > limit {
		reports = reports[:limit]
	}
	return reports
}
