package compensation

import (
	"time"

	xerrors "AgentMarket-Relay/internal/errors"
)

// JobState 表示补偿任务的状态。
type JobState string

const (
	JobPending   JobState = "PENDING"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
)

// runningLease 是 RUNNING 任务的租约时长。超过租约仍未回写结果的任务
// 视为持有者已崩溃，可被重新领取。
const runningLease = 10 * time.Minute

// Action 表示补偿任务要执行的动作。
type Action string

const (
	// ActionRefund 冲销冻结资金并关闭订单。
	ActionRefund Action = "REFUND"
	// ActionRelease 释放托管资金给卖家并关闭订单。
	ActionRelease Action = "RELEASE"
)

// Job 是一次针对滞留订单的补偿任务。
// 同一订单同时至多存在一个未终结的任务。
type Job struct {
	ID          string   `json:"id"`
	RequestID   string   `json:"request_id"`
	Action      Action   `json:"action"`
	Reason      string   `json:"reason"`
	State       JobState `json:"state"`
	Attempts    int      `json:"attempts"`
	MaxAttempts int      `json:"max_attempts"`
	NextRunAt   int64    `json:"next_run_at"`
	LastError   string   `json:"last_error,omitempty"`
	CreatedAt   int64    `json:"created_at"`
	UpdatedAt   int64    `json:"updated_at"`
}

// IsTerminal 判断任务是否已终结。
func (j *Job) IsTerminal() bool {
	return j.State == JobSucceeded || j.State == JobFailed
}

var (
	// ErrJobNotFound 表示指定的补偿任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "compensation job not found")
	// ErrJobActive 表示订单已有未终结的补偿任务。
	ErrJobActive = xerrors.New(CodeJobActive, "compensation job already active")
	// ErrJobNotDue 表示任务尚未到执行时间或已被其他工作协程领取。
	ErrJobNotDue = xerrors.New(CodeJobNotDue, "compensation job not claimable")
	// ErrJobExhausted 表示任务重试次数已耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "compensation job exhausted",
		xerrors.WithAlert(true), xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeJobNotFound  xerrors.Code = "COMPENSATION_JOB_NOT_FOUND"
	CodeJobActive    xerrors.Code = "COMPENSATION_JOB_ACTIVE"
	CodeJobNotDue    xerrors.Code = "COMPENSATION_JOB_NOT_DUE"
	CodeJobExhausted xerrors.Code = "COMPENSATION_JOB_EXHAUSTED"
	CodeJobExecution xerrors.Code = "COMPENSATION_JOB_EXECUTION"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:   "compensation job not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobActive, xerrors.Attributes{
		Message:   "compensation job already active",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobNotDue, xerrors.Attributes{
		Message:   "compensation job not claimable",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:   "compensation job exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeJobExecution, xerrors.Attributes{
		Message:   "compensation job execution failed",
		Severity:  xerrors.SeverityError,
		Retryable: true,
		Alert:     false,
	})
}
