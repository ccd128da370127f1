package reconcile

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"AgentMarket-Relay/internal/chain"
	"AgentMarket-Relay/internal/compensation"
	"AgentMarket-Relay/internal/ledger"
	"AgentMarket-Relay/internal/order"
	"AgentMarket-Relay/internal/payment"
	"AgentMarket-Relay/pkg/logger"
)

// Reporter 交叉核对订单、支付留痕、账本投影与链上事实，生成对账报告。
type Reporter struct {
	machine  *order.Machine
	payments payment.Store
	tracker  *ledger.Tracker
	jobs     compensation.Store
	reports  *ReportStore
	reader   chain.Reader
}

// ReporterOption 定义可选配置。
type ReporterOption func(*Reporter)

// WithChainReader 配置链上数据源。配置后每条支付留痕都会回查链上凭证。
func WithChainReader(reader chain.Reader) ReporterOption {
	return func(r *Reporter) {
		r.reader = reader
	}
}

// NewReporter 构造 Reporter。
func NewReporter(machine *order.Machine, payments payment.Store, tracker *ledger.Tracker, jobs compensation.Store, reports *ReportStore, opts ...ReporterOption) *Reporter {
	if reports == nil {
		reports = NewReportStore(0)
	}
	r := &Reporter{
		machine:  machine,
		payments: payments,
		tracker:  tracker,
		jobs:     jobs,
		reports:  reports,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Reports 返回报告存储。
func (r *Reporter) Reports() *ReportStore {
	return r.reports
}

// Reconcile 对指定时间窗内有更新的订单做三方核对并保存报告。
func (r *Reporter) Reconcile(ctx context.Context, start, end time.Time) (*Report, error) {
	report := &Report{
		ID:          uuid.NewString(),
		PeriodStart: start.Unix(),
		PeriodEnd:   end.Unix(),
		GeneratedAt: time.Now().Unix(),
		Counts:      make(map[RowStatus]int),
	}

	const page = 200
	offset := 0
	for {
		orders, err := r.machine.List(ctx,
			order.WithUpdatedSince(start),
			order.WithUpdatedUntil(end),
			order.WithSortOrder(order.SortByUpdatedAsc),
			order.WithLimit(page),
			order.WithOffset(offset),
		)
		if err != nil {
			return nil, err
		}
		for _, ord := range orders {
			row := r.buildRow(ctx, ord)
			report.Rows = append(report.Rows, row)
			report.Counts[row.Status]++
			if row.Status == RowMismatched {
				logger.L().Error("对账发现矛盾",
					slog.String("request_id", row.RequestID),
					slog.String("detail", row.Detail),
				)
			}
		}
		if len(orders) < page {
			break
		}
		offset += page
	}

	r.reports.Save(report)
	logger.Audit().Info("reconciliation_report",
		slog.String("report_id", report.ID),
		slog.Int("rows", len(report.Rows)),
		slog.Int("mismatched", report.Counts[RowMismatched]),
	)
	return report, nil
}

func (r *Reporter) buildRow(ctx context.Context, ord *order.Order) Row {
	row := Row{
		RequestID:  ord.RequestID,
		OrderState: string(ord.State),
	}
	if ord.Price != nil {
		row.Currency = ord.Price.Currency
	}

	var pay *payment.Record
	if record, err := r.payments.GetPaymentByRequest(ctx, ord.RequestID); err == nil {
		pay = record
		row.PaymentTx = record.TxHash
		row.PaymentAmount = record.Amount
	} else if !stdErrors.Is(err, payment.ErrRecordNotFound) {
		row.Status = RowMismatched
		row.Detail = "查询支付留痕失败: " + err.Error()
		return row
	}

	if pay != nil && r.reader != nil {
		if status, detail, conclusive := r.checkOnChain(ctx, pay); conclusive {
			row.Status = status
			row.Detail = detail
			return row
		}
	}

	var settlement *ledger.Settlement
	if s, err := r.tracker.Get(ord.RequestID); err == nil {
		settlement = s
		row.LedgerStatus = string(s.Status)
		row.LedgerAmount = s.Amount
	}

	if r.jobs != nil {
		failed, err := r.jobs.List(ctx, compensation.JobFilter{
			RequestID: ord.RequestID,
			States:    []compensation.JobState{compensation.JobFailed},
			Limit:     1,
		})
		if err == nil && len(failed) > 0 {
			row.Status = RowFailed
			row.Detail = "补偿已终结失败: " + failed[0].LastError
			return row
		}
	}

	switch {
	case pay == nil && settlement == nil:
		// 资金从未进入系统：在途订单待定，已关闭订单视为一致。
		if order.IsTerminal(ord.State) {
			row.Status = RowMatched
		} else {
			row.Status = RowPending
		}
	case pay != nil && settlement == nil:
		row.Status = RowMismatched
		row.Detail = "存在支付留痕但账本无对应分录"
	default:
		row.Status = r.classifySettlement(ord, pay, settlement)
		if row.Status == RowMismatched && row.Detail == "" {
			row.Detail = "账本状态与订单状态不一致"
		}
	}
	return row
}

// checkOnChain 回查链上凭证。结论为真时该行直接定级，不再做三方核对；
// 链上事实一致或查询暂时失败时继续走常规核对。
func (r *Reporter) checkOnChain(ctx context.Context, pay *payment.Record) (RowStatus, string, bool) {
	proof, err := r.reader.LookupTransfer(ctx, pay.TxHash)
	if err != nil {
		if stdErrors.Is(err, chain.ErrTxNotFound) {
			return RowMismatched, "支付留痕在链上找不到对应交易", true
		}
		// 节点暂时不可用不定级，等下一轮对账。
		logger.L().Warn("链上回查失败",
			slog.String("request_id", pay.RequestID),
			slog.String("tx_hash", pay.TxHash),
			slog.Any("error", err),
		)
		return "", "", false
	}
	if !proof.Success {
		return RowMismatched, "链上交易执行失败但存在支付留痕", true
	}
	if proof.Amount == nil || proof.Amount.Cmp(big.NewInt(pay.Amount)) != 0 {
		return RowMismatched, "链上转账金额与支付留痕不一致", true
	}
	return "", "", false
}

func (r *Reporter) classifySettlement(ord *order.Order, pay *payment.Record, settlement *ledger.Settlement) RowStatus {
	if pay != nil && pay.Amount != settlement.Amount {
		return RowMismatched
	}
	if ord.Price != nil && settlement.Amount != ord.Price.Amount {
		return RowMismatched
	}

	switch settlement.Status {
	case ledger.SettlementHeld:
		// 资金冻结中，订单应停留在 FUNDED 之后、终态之前。
		switch ord.State {
		case order.StateFunded, order.StateExecuting, order.StateDelivered:
			return RowMatched
		default:
			return RowMismatched
		}
	case ledger.SettlementReleased, ledger.SettlementRefunded:
		if order.IsTerminal(ord.State) {
			return RowMatched
		}
		// 账本先行、状态机未收敛，给补偿周期一个窗口。
		return RowPending
	default:
		return RowMismatched
	}
}
