package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"AgentMarket-Relay/internal/api"
	"AgentMarket-Relay/internal/chain"
	"AgentMarket-Relay/internal/compensation"
	"AgentMarket-Relay/internal/config"
	"AgentMarket-Relay/internal/ledger"
	"AgentMarket-Relay/internal/observability/alerting"
	"AgentMarket-Relay/internal/order"
	"AgentMarket-Relay/internal/payment"
	"AgentMarket-Relay/internal/reconcile"
	"AgentMarket-Relay/pkg/logger"
)

// main 是中继守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("relayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.Resolve(""))
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Log.AuditPath != "",
			Path:    cfg.Log.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	rules, err := loadGuardrails(cfg)
	if err != nil {
		return err
	}

	var (
		orderStore  order.Store
		ledgerStore ledger.Store
		payStore    payment.Store
		jobStore    compensation.Store
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		orderStore = order.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		payStore = payment.NewMemoryStore()
		jobStore = compensation.NewMemoryStore()
	case "mysql":
		if orderStore, err = order.NewMySQLStore(cfg.Storage.DSN); err != nil {
			return err
		}
		if ledgerStore, err = ledger.NewMySQLStore(cfg.Storage.DSN); err != nil {
			return err
		}
		if payStore, err = payment.NewMySQLStore(cfg.Storage.DSN); err != nil {
			return err
		}
		if jobStore, err = compensation.NewMySQLStore(cfg.Storage.DSN); err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer func() {
		_ = orderStore.Close()
		_ = ledgerStore.Close()
		_ = payStore.Close()
		_ = jobStore.Close()
	}()

	journal := ledger.NewJournal(ledgerStore)
	tracker := ledger.NewTracker(ledgerStore, journal)
	if err := tracker.Rebuild(ctx); err != nil {
		return err
	}

	machine := order.NewMachine(orderStore, journal, rules.FeeBps)

	reader, err := buildChainReader(ctx, cfg)
	if err != nil {
		return err
	}
	defer reader.Close()

	guard := payment.NewGuard(payStore, machine, payment.NewVerifier(reader, rules))

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = queue.Close()
	}()

	worker := compensation.NewWorker(compensation.Config{
		ScanInterval: time.Duration(cfg.Compensation.ScanIntervalSeconds) * time.Second,
		OrderTimeout: time.Duration(cfg.Compensation.OrderTimeoutMinutes) * time.Minute,
		MaxAttempts:  cfg.Compensation.MaxAttempts,
		Workers:      cfg.Compensation.Workers,
	}, jobStore, machine, queue,
		compensation.WithAlertDispatcher(alerting.NewFanout(&alerting.LogNotifier{})),
	)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	go func() {
		if err := worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("补偿周期异常退出: %v", err)
		}
	}()

	reporter := reconcile.NewReporter(machine, payStore, tracker, jobStore,
		reconcile.NewReportStore(50), reconcile.WithChainReader(reader))

	server := api.NewServer(api.Options{
		Address:  cfg.Server.Address,
		OpsToken: cfg.Server.OpsToken,
		Machine:  machine,
		Guard:    guard,
		Payments: payStore,
		Ledger:   ledgerStore,
		Tracker:  tracker,
		Worker:   worker,
		Reporter: reporter,
		Rules:    rules,
	})

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadGuardrails(cfg *config.Config) (*payment.Guardrails, error) {
	if cfg.Guardrails.Path == "" {
		return payment.DefaultGuardrails(), nil
	}
	return payment.LoadGuardrails(cfg.Guardrails.Path)
}

// buildChainReader 在未配置 RPC 地址时退化为静态实现，便于本地联调。
func buildChainReader(ctx context.Context, cfg *config.Config) (chain.Reader, error) {
	if cfg.Chain.RPCURL == "" {
		return chain.NewStaticReader(), nil
	}
	return chain.NewEthereumReader(ctx, chain.EthereumConfig{
		Network: cfg.Chain.Network,
		RPCURL:  cfg.Chain.RPCURL,
	})
}

func buildQueue(cfg *config.Config) (compensation.Queue, error) {
	switch cfg.Compensation.Queue.Driver {
	case "", "memory":
		return compensation.NewMemoryQueue(1024), nil
	case "redis":
		return compensation.NewRedisQueue(compensation.RedisQueueConfig{
			Address:  cfg.Compensation.Queue.Redis.Address,
			Password: cfg.Compensation.Queue.Redis.Password,
			DB:       cfg.Compensation.Queue.Redis.DB,
			Queue:    cfg.Compensation.Queue.Redis.Key,
		})
	case "rabbitmq":
		return compensation.NewRabbitMQQueue(compensation.RabbitMQConfig{
			URL:   cfg.Compensation.Queue.RabbitMQ.URL,
			Queue: cfg.Compensation.Queue.RabbitMQ.Queue,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Compensation.Queue.Driver)
	}
}
