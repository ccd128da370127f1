package compensation

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentMarket-Relay/internal/errors"
	"AgentMarket-Relay/internal/observability/alerting"
	"AgentMarket-Relay/internal/observability/metrics"
	"AgentMarket-Relay/internal/order"
	"AgentMarket-Relay/pkg/logger"
)

// Config 控制补偿工作器的扫描与重试行为。
type Config struct {
	// ScanInterval 是滞留订单扫描周期。
	ScanInterval time.Duration
	// OrderTimeout 是订单无进展多久后视为滞留。
	OrderTimeout time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	Workers      int
	ScanLimit    int
}

func (c *Config) applyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 15 * time.Second
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 30 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 100
	}
}

// Summary 汇总一轮补偿周期的执行情况。
type Summary struct {
	Scanned   int `json:"scanned"`
	Enqueued  int `json:"enqueued"`
	Executed  int `json:"executed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Worker 扫描滞留订单并驱动补偿任务执行。
// 扫描循环创建任务并投递任务 ID，消费协程领取后对订单状态机发起
// 补偿事件；失败按指数退避重试，重试耗尽时告警。
type Worker struct {
	cfg     Config
	store   Store
	machine *order.Machine
	queue   Queue
	alerter alerting.Dispatcher
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) WorkerOption {
	return func(w *Worker) {
		w.alerter = dispatcher
	}
}

// NewWorker 构造补偿工作器。
func NewWorker(cfg Config, store Store, machine *order.Machine, queue Queue, opts ...WorkerOption) *Worker {
	cfg.applyDefaults()
	w := &Worker{cfg: cfg, store: store, machine: machine, queue: queue}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Start 启动扫描循环与消费协程，阻塞直到 ctx 取消。
func (w *Worker) Start(ctx context.Context) error {
	if w.queue == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置补偿任务队列")
	}

	go w.scanLoop(ctx)
	return w.queue.Consume(ctx, w.cfg.Workers, w.handle)
}

func (w *Worker) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := w.scan(ctx)
			if err != nil {
				logger.L().Error("补偿扫描失败", slog.Any("error", err))
				continue
			}
			if summary.Enqueued > 0 {
				logger.L().Info("补偿扫描完成",
					slog.Int("scanned", summary.Scanned),
					slog.Int("enqueued", summary.Enqueued),
				)
			}
		}
	}
}

// scan 找出滞留订单并建立补偿任务，同时重投到期的待重试任务。
func (w *Worker) scan(ctx context.Context) (Summary, error) {
	summary, err := w.schedule(ctx, true)
	if err != nil {
		return summary, err
	}

	// 退避到期的任务重新进入队列。
	due, err := w.store.Due(ctx, time.Now().Unix(), w.cfg.ScanLimit)
	if err != nil {
		return summary, err
	}
	for _, jobID := range due {
		if err := w.queue.Publish(ctx, jobID); err != nil {
			logger.L().Error("重投补偿任务失败",
				slog.Any("error", err),
				slog.String("job_id", jobID),
			)
			continue
		}
		summary.Enqueued++
	}
	return summary, nil
}

// schedule 为滞留订单建立补偿任务；publish 为真时同步投递队列。
// 交付结果为失败的 DELIVERED 订单不等待超时，立即进入补偿。
func (w *Worker) schedule(ctx context.Context, publish bool) (Summary, error) {
	var summary Summary
	now := time.Now()
	deadline := now.Add(-w.cfg.OrderTimeout)

	stuck, err := w.machine.List(ctx,
		order.WithStates(
			order.StateCreated, order.StateOffered, order.StateAccepted,
			order.StateFunded, order.StateExecuting, order.StateDelivered,
		),
		order.WithUpdatedUntil(deadline),
		order.WithSortOrder(order.SortByUpdatedAsc),
		order.WithLimit(w.cfg.ScanLimit),
	)
	if err != nil {
		return summary, err
	}

	delivered, err := w.machine.List(ctx,
		order.WithStates(order.StateDelivered),
		order.WithSortOrder(order.SortByUpdatedAsc),
		order.WithLimit(w.cfg.ScanLimit),
	)
	if err != nil {
		return summary, err
	}

	seen := make(map[string]struct{}, len(stuck))
	candidates := make([]*order.Order, 0, len(stuck)+len(delivered))
	for _, ord := range stuck {
		seen[ord.RequestID] = struct{}{}
		candidates = append(candidates, ord)
	}
	for _, ord := range delivered {
		if !deliveryFailed(ord) {
			continue
		}
		if _, ok := seen[ord.RequestID]; ok {
			continue
		}
		candidates = append(candidates, ord)
	}
	summary.Scanned = len(candidates)

	for _, ord := range candidates {
		job := &Job{
			ID:          uuid.NewString(),
			RequestID:   ord.RequestID,
			Action:      actionFor(ord),
			Reason:      reasonFor(ord),
			State:       JobPending,
			MaxAttempts: w.cfg.MaxAttempts,
			NextRunAt:   now.Unix(),
			CreatedAt:   now.Unix(),
			UpdatedAt:   now.Unix(),
		}
		if err := w.store.Create(ctx, job); err != nil {
			if stdErrors.Is(err, ErrJobActive) {
				continue
			}
			return summary, err
		}
		if publish {
			if err := w.queue.Publish(ctx, job.ID); err != nil {
				logger.L().Error("补偿任务投递失败",
					slog.Any("error", err),
					slog.String("job_id", job.ID),
				)
				continue
			}
		}
		summary.Enqueued++
		logger.Audit().Info("compensation_scheduled",
			slog.String("job_id", job.ID),
			slog.String("request_id", ord.RequestID),
			slog.String("action", string(job.Action)),
			slog.String("state", string(ord.State)),
		)
	}
	return summary, nil
}

// actionFor 决定补偿动作：交付成功的订单结算给卖家，
// 交付失败或未交付的订单退款给买家。
func actionFor(ord *order.Order) Action {
	if ord.State == order.StateDelivered && !deliveryFailed(ord) {
		return ActionRelease
	}
	return ActionRefund
}

// deliveryFailed 判断交付结果是否为失败（failed 或 failed:<code>）。
func deliveryFailed(ord *order.Order) bool {
	return ord.ResultStatus == "failed" || strings.HasPrefix(ord.ResultStatus, "failed:")
}

func reasonFor(ord *order.Order) string {
	if ord.State == order.StateDelivered && deliveryFailed(ord) {
		return "订单交付结果为 " + ord.ResultStatus
	}
	return "订单在状态 " + string(ord.State) + " 滞留超时"
}

func (w *Worker) handle(ctx context.Context, jobID string) error {
	job, err := w.store.Claim(ctx, jobID)
	if err != nil {
		switch {
		case stdErrors.Is(err, ErrJobNotFound), stdErrors.Is(err, ErrJobNotDue):
			return nil
		case stdErrors.Is(err, ErrJobExhausted):
			return w.finishExhausted(ctx, jobID)
		default:
			logger.L().Error("领取补偿任务失败", slog.Any("error", err), slog.String("job_id", jobID))
			return err
		}
	}

	execErr := w.execute(ctx, job)
	if execErr == nil {
		if err := w.store.MarkSucceeded(ctx, job.ID); err != nil {
			logger.L().Error("标记补偿任务成功失败", slog.Any("error", err), slog.String("job_id", job.ID))
			return err
		}
		metrics.CountCompensation("succeeded")
		logger.Audit().Info("compensation_succeeded",
			slog.String("job_id", job.ID),
			slog.String("request_id", job.RequestID),
			slog.String("action", string(job.Action)),
		)
		return nil
	}

	terminal := job.Attempts >= job.MaxAttempts || !xerrors.RetryableError(execErr)
	nextRunAt := time.Now().Add(w.backoff(job.Attempts)).Unix()
	if err := w.store.MarkFailed(ctx, job.ID, execErr.Error(), terminal, nextRunAt); err != nil {
		logger.L().Error("回写补偿任务失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	metrics.CountCompensation("failed")
	logger.Audit().Warn("compensation_failed",
		slog.String("job_id", job.ID),
		slog.String("request_id", job.RequestID),
		slog.Bool("terminal", terminal),
		slog.Int("attempts", job.Attempts),
		slog.String("error", execErr.Error()),
	)
	if terminal {
		w.emitAlert(ctx, job, execErr)
	}
	return nil
}

// execute 对订单状态机发起补偿事件。订单已关闭视为补偿完成。
func (w *Worker) execute(ctx context.Context, job *Job) error {
	ord, err := w.machine.Get(ctx, job.RequestID)
	if err != nil {
		return err
	}
	if order.IsTerminal(ord.State) {
		return nil
	}

	event := order.EventEscrowRefunded
	if job.Action == ActionRelease {
		event = order.EventEscrowReleased
	}
	if _, err := w.machine.Apply(ctx, job.RequestID, event, order.EventInput{}); err != nil {
		// 订单在任务排队期间自行推进到了别的状态，按当前状态重新决策。
		if stdErrors.Is(err, order.ErrInvalidTransition) {
			current, getErr := w.machine.Get(ctx, job.RequestID)
			if getErr == nil && order.IsTerminal(current.State) {
				return nil
			}
		}
		return xerrors.Wrap(CodeJobExecution, err, "补偿事件执行失败")
	}
	return nil
}

func (w *Worker) finishExhausted(ctx context.Context, jobID string) error {
	job, err := w.store.Get(ctx, jobID)
	if err != nil {
		return nil
	}
	if job.IsTerminal() {
		return nil
	}
	if err := w.store.MarkFailed(ctx, jobID, "重试次数耗尽", true, 0); err != nil {
		return err
	}
	metrics.CountCompensation("exhausted")
	w.emitAlert(ctx, job, ErrJobExhausted)
	return nil
}

// backoff 按尝试次数计算指数退避间隔。
func (w *Worker) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := w.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= w.cfg.BackoffCap {
			return w.cfg.BackoffCap
		}
	}
	if delay > w.cfg.BackoffCap {
		delay = w.cfg.BackoffCap
	}
	return delay
}

// RunNow 同步执行一轮补偿周期：扫描滞留订单并立即执行到期任务。
// 供运维接口手工触发。
func (w *Worker) RunNow(ctx context.Context) (Summary, error) {
	summary, err := w.schedule(ctx, false)
	if err != nil {
		return summary, err
	}

	due, err := w.store.Due(ctx, time.Now().Unix(), w.cfg.ScanLimit)
	if err != nil {
		return summary, err
	}
	for _, jobID := range due {
		summary.Executed++
		if err := w.handle(ctx, jobID); err != nil {
			summary.Failed++
			continue
		}
		after, err := w.store.Get(ctx, jobID)
		if err != nil {
			continue
		}
		if after.State == JobSucceeded {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	return summary, nil
}

// Jobs 按条件查询补偿任务，供运维接口使用。
func (w *Worker) Jobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	return w.store.List(ctx, filter)
}

func (w *Worker) emitAlert(ctx context.Context, job *Job, cause error) {
	if w == nil || w.alerter == nil || job == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeJobExecution
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		RequestID:  job.RequestID,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxAttempts,
		Metadata: map[string]string{
			"job_id": job.ID,
			"action": string(job.Action),
		},
		OccurredAt: time.Now(),
	}
	if err := w.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
		)
	}
}
