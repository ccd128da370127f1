package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"AgentMarket-Relay/internal/compensation"
	"AgentMarket-Relay/internal/ledger"
	"AgentMarket-Relay/internal/observability/metrics"
	"AgentMarket-Relay/internal/order"
	"AgentMarket-Relay/internal/payment"
	"AgentMarket-Relay/internal/reconcile"
	"AgentMarket-Relay/pkg/logger"
)

// Options 汇集 HTTP 服务的依赖与配置。
type Options struct {
	Address  string
	OpsToken string

	Machine  *order.Machine
	Guard    *payment.Guard
	Payments payment.Store
	Ledger   ledger.Store
	Tracker  *ledger.Tracker
	Worker   *compensation.Worker
	Reporter *reconcile.Reporter
	Rules    *payment.Guardrails
}

// Server 是中继对外的 HTTP 入口。
type Server struct {
	opsToken string

	machine  *order.Machine
	guard    *payment.Guard
	payments payment.Store
	ledger   ledger.Store
	tracker  *ledger.Tracker
	worker   *compensation.Worker
	reporter *reconcile.Reporter
	rules    *payment.Guardrails

	httpServer *http.Server
}

// NewServer 构造 Server 并注册全部路由。
func NewServer(opts Options) *Server {
	if opts.Address == "" {
		opts.Address = ":8080"
	}
	if opts.Rules == nil {
		opts.Rules = payment.DefaultGuardrails()
	}

	s := &Server{
		opsToken: opts.OpsToken,
		machine:  opts.Machine,
		guard:    opts.Guard,
		payments: opts.Payments,
		ledger:   opts.Ledger,
		tracker:  opts.Tracker,
		worker:   opts.Worker,
		reporter: opts.Reporter,
		rules:    opts.Rules,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", instrument("messages", s.handleMessage))
	mux.HandleFunc("GET /v1/orders", instrument("orders_list", s.handleListOrders))
	mux.HandleFunc("GET /v1/orders/{id}", instrument("orders_get", s.handleGetOrder))
	mux.HandleFunc("GET /v1/payments/records", instrument("payments_list", s.handleListPayments))
	mux.HandleFunc("GET /v1/ledger/entries", instrument("ledger_entries", s.handleListEntries))
	mux.HandleFunc("GET /v1/ledger/entries/{id}", instrument("ledger_entry", s.handleGetEntry))
	mux.HandleFunc("GET /v1/ledger/postings", instrument("ledger_postings", s.handleListPostings))
	mux.HandleFunc("GET /v1/settlements", instrument("settlements_list", s.handleListSettlements))
	mux.HandleFunc("GET /v1/settlements/{id}", instrument("settlements_get", s.handleGetSettlement))
	mux.HandleFunc("POST /v1/escrow/events", instrument("escrow_events", s.handleEscrowEvent))

	mux.HandleFunc("GET /v1/ops/dashboard",
		instrument("ops_dashboard", s.requireOpsToken(s.handleDashboard)))
	mux.HandleFunc("GET /v1/ops/compensation/jobs",
		instrument("ops_jobs", s.requireOpsToken(s.handleListJobs)))
	mux.HandleFunc("POST /v1/ops/compensation/run",
		instrument("ops_compensation_run", s.requireOpsToken(s.handleRunCompensation)))
	mux.HandleFunc("POST /v1/ops/reconciliation/report",
		instrument("ops_reconcile_run", s.requireOpsToken(s.handleRunReconciliation)))
	mux.HandleFunc("GET /v1/ops/reconciliation/reports",
		instrument("ops_reconcile_list", s.requireOpsToken(s.handleListReports)))
	mux.HandleFunc("GET /v1/ops/reconciliation/reports/{id}",
		instrument("ops_reconcile_get", s.requireOpsToken(s.handleGetReport)))

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              opts.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler 暴露底层路由，便于测试挂载。
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start 启动 HTTP 服务并阻塞到 ctx 取消或监听失败。
// ctx 取消后给在途请求 5 秒的排空窗口。
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("HTTP 服务启动", slog.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.L().Info("HTTP 服务开始退出")
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
