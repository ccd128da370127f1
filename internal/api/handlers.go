package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentMarket-Relay/internal/compensation"
	"AgentMarket-Relay/internal/envelope"
	xerrors "AgentMarket-Relay/internal/errors"
	"AgentMarket-Relay/internal/ledger"
	"AgentMarket-Relay/internal/observability/metrics"
	"AgentMarket-Relay/internal/order"
	"AgentMarket-Relay/internal/payment"
)

const maxBodyBytes = 1 << 20

// handleMessage 是信封消息的统一入口，按类型分发到对应的业务动作。
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, string(envelope.CodeEnvelopeMalformed), "读取请求体失败")
		return
	}

	env, err := envelope.Parse(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if env.IdempotencyKey == "" {
		env.IdempotencyKey = idempotencyKey(r)
	}

	ctx := r.Context()
	var ord *order.Order
	switch env.Type {
	case envelope.TypeRequest:
		ord, err = s.dispatchRequest(ctx, env)
	case envelope.TypeOffer:
		ord, err = s.dispatchOffer(ctx, env)
	case envelope.TypeAccept:
		ord, err = s.dispatchAccept(ctx, env)
	case envelope.TypeResult:
		ord, err = s.dispatchResult(ctx, env)
	case envelope.TypeError:
		ord, err = s.dispatchError(ctx, env)
	default:
		err = envelope.ErrMalformed
	}
	if err != nil {
		writeError(w, err)
		return
	}

	metrics.CountOrderTransition(string(env.Type))
	writeJSON(w, http.StatusOK, map[string]*order.Order{"order": ord})
}

func (s *Server) dispatchRequest(ctx context.Context, env *envelope.Envelope) (*order.Order, error) {
	payload, err := env.DecodeRequest()
	if err != nil {
		return nil, err
	}
	return s.machine.CreateRequest(ctx, env.RequestID, payload.BuyerID, payload.Task)
}

// dispatchOffer 把十进制报价按代币精度换算成最小单位后再入状态机。
func (s *Server) dispatchOffer(ctx context.Context, env *envelope.Envelope) (*order.Order, error) {
	payload, err := env.DecodeOffer()
	if err != nil {
		return nil, err
	}

	token := strings.ToUpper(strings.TrimSpace(payload.Price.Currency))
	rule, ok := s.rules.Rule(token)
	if !ok {
		return nil, xerrors.New(payment.CodePaymentInvalid, "不支持的结算代币: "+token,
			xerrors.WithMetadata("request_id", env.RequestID),
			xerrors.WithMetadata("token", token))
	}
	amount, err := ledger.ParseAmount(payload.Price.Amount, rule.Decimals)
	if err != nil {
		return nil, xerrors.Wrap(payment.CodePaymentInvalid, err, "报价金额不合法",
			xerrors.WithMetadata("request_id", env.RequestID),
			xerrors.WithMetadata("amount", payload.Price.Amount))
	}

	return s.machine.Apply(ctx, env.RequestID, order.EventOffer, order.EventInput{
		SellerID: payload.SellerID,
		Price:    &order.Price{Amount: amount, Currency: token},
	})
}

func (s *Server) dispatchAccept(ctx context.Context, env *envelope.Envelope) (*order.Order, error) {
	ord, err := s.guard.AdmitAccept(ctx, env)
	if err != nil {
		metrics.CountPaymentRejected(string(xerrors.CodeOf(err)))
		return nil, err
	}
	metrics.CountPaymentAccepted(currencyOf(ord))
	return ord, nil
}

func (s *Server) dispatchResult(ctx context.Context, env *envelope.Envelope) (*order.Order, error) {
	payload, err := env.DecodeResult()
	if err != nil {
		return nil, err
	}
	return s.machine.Apply(ctx, env.RequestID, order.EventResult, order.EventInput{
		ResultStatus: payload.Status,
	})
}

// dispatchError 把卖家上报的执行失败按失败结果交付，订单仍进入 DELIVERED，
// 资金去向由后续托管回调或补偿决定。
func (s *Server) dispatchError(ctx context.Context, env *envelope.Envelope) (*order.Order, error) {
	payload, err := env.DecodeError()
	if err != nil {
		return nil, err
	}
	status := "failed"
	if payload.Code != "" {
		status = "failed:" + payload.Code
	}
	return s.machine.Apply(ctx, env.RequestID, order.EventResult, order.EventInput{
		ResultStatus: status,
	})
}

func currencyOf(ord *order.Order) string {
	if ord != nil && ord.Price != nil {
		return ord.Price.Currency
	}
	return "unknown"
}

// escrowEventRequest 是托管回调的请求体。
type escrowEventRequest struct {
	RequestID string `json:"request_id"`
	Event     string `json:"event"`
}

// handleEscrowEvent 处理托管合约侧的回调（资金冻结、放款、退款）。
func (s *Server) handleEscrowEvent(w http.ResponseWriter, r *http.Request) {
	var req escrowEventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "解析请求体失败")
		return
	}

	var event order.Event
	switch strings.ToUpper(strings.TrimSpace(req.Event)) {
	case "ESCROW_HELD":
		event = order.EventEscrowHeld
	case "ESCROW_RELEASED":
		event = order.EventEscrowReleased
	case "ESCROW_REFUNDED":
		event = order.EventEscrowRefunded
	default:
		writeErrorStatus(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument),
			"未知的托管事件: "+req.Event)
		return
	}

	ord, err := s.machine.Apply(r.Context(), req.RequestID, event, order.EventInput{})
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.CountOrderTransition(string(event))
	writeJSON(w, http.StatusOK, map[string]*order.Order{"order": ord})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := []order.ListOption{
		order.WithLimit(queryInt(query.Get("limit"), 0)),
		order.WithOffset(queryInt(query.Get("offset"), 0)),
	}
	if buyer := query.Get("buyer_id"); buyer != "" {
		opts = append(opts, order.WithBuyer(buyer))
	}
	if raw := query.Get("state"); raw != "" {
		var states []order.State
		for _, part := range strings.Split(raw, ",") {
			state := order.State(strings.ToUpper(strings.TrimSpace(part)))
			if !order.IsValidState(state) {
				writeErrorStatus(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument),
					"未知的订单状态: "+string(state))
				return
			}
			states = append(states, state)
		}
		opts = append(opts, order.WithStates(states...))
	}

	orders, err := s.machine.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders, "count": len(orders)})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	ord, err := s.machine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*order.Order{"order": ord})
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := payment.ListFilter{
		RequestID: query.Get("request_id"),
		Token:     strings.ToUpper(query.Get("token")),
		Limit:     queryInt(query.Get("limit"), 0),
		Offset:    queryInt(query.Get("offset"), 0),
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErrorStatus(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument),
				"since 参数应为 RFC3339 时间")
			return
		}
		filter.AcceptedSince = since.Unix()
	}
	records, err := s.payments.ListPayments(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	entries, err := s.ledger.ListEntries(r.Context(), ledger.EntryFilter{
		RequestID: query.Get("request_id"),
		Limit:     queryInt(query.Get("limit"), 0),
		Offset:    queryInt(query.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*ledger.JournalEntry{"entry": entry})
}

func (s *Server) handleListPostings(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	postings, err := s.ledger.ListPostings(r.Context(), ledger.PostingFilter{
		RequestID: query.Get("request_id"),
		Account:   ledger.Account(query.Get("account")),
		Limit:     queryInt(query.Get("limit"), 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"postings": postings, "count": len(postings)})
}

func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	status := ledger.SettlementStatus(strings.ToUpper(query.Get("status")))
	settlements := s.tracker.List(status, queryInt(query.Get("limit"), 0))
	writeJSON(w, http.StatusOK, map[string]any{"settlements": settlements, "count": len(settlements)})
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	settlement, err := s.tracker.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*ledger.Settlement{"settlement": settlement})
}

// handleDashboard 汇总订单分布、结算状态与补偿任务，供运维一眼看全局。
// window_ms 限定只统计该时间窗内有过更新的订单与任务，0 表示不限。
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	var statOpts []order.ListOption
	var cutoff int64
	if windowMS := queryInt(r.URL.Query().Get("window_ms"), 0); windowMS > 0 {
		since := time.Now().Add(-time.Duration(windowMS) * time.Millisecond)
		cutoff = since.Unix()
		statOpts = append(statOpts, order.WithUpdatedSince(since))
	}

	stats, err := s.machine.Stats(r.Context(), statOpts...)
	if err != nil {
		writeError(w, err)
		return
	}

	jobCounts := make(map[compensation.JobState]int)
	if s.worker != nil {
		jobs, err := s.worker.Jobs(r.Context(), compensation.JobFilter{Limit: 500})
		if err != nil {
			writeError(w, err)
			return
		}
		for _, job := range jobs {
			if cutoff > 0 && job.UpdatedAt < cutoff {
				continue
			}
			jobCounts[job.State]++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"orders":            stats,
		"settlements":       s.tracker.Counts(),
		"compensation_jobs": jobCounts,
		"generated_at":      time.Now().Unix(),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := compensation.JobFilter{
		RequestID: query.Get("request_id"),
		Limit:     queryInt(query.Get("limit"), 0),
		Offset:    queryInt(query.Get("offset"), 0),
	}
	if raw := query.Get("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			filter.States = append(filter.States,
				compensation.JobState(strings.ToUpper(strings.TrimSpace(part))))
		}
	}

	jobs, err := s.worker.Jobs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleRunCompensation(w http.ResponseWriter, r *http.Request) {
	summary, err := s.worker.RunNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

// reconcileRequest 是触发对账的请求体，省略时核对最近 24 小时。
type reconcileRequest struct {
	PeriodHours int `json:"period_hours"`
}

func (s *Server) handleRunReconciliation(w http.ResponseWriter, r *http.Request) {
	req := reconcileRequest{PeriodHours: 24}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeErrorStatus(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "解析请求体失败")
			return
		}
	}
	if req.PeriodHours <= 0 {
		req.PeriodHours = 24
	}

	end := time.Now()
	start := end.Add(-time.Duration(req.PeriodHours) * time.Hour)
	report, err := s.reporter.Reconcile(r.Context(), start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports := s.reporter.Reports().List(queryInt(r.URL.Query().Get("limit"), 0))
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports, "count": len(reports)})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.reporter.Reports().Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="reconciliation-`+report.ID+`.csv"`)
		writer := csv.NewWriter(w)
		_ = writer.WriteAll(report.FlatRows())
		writer.Flush()
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
