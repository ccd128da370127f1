package compensation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentMarket-Relay/internal/errors"
)

// MemoryStore 提供内存版补偿任务存储，主要用于单机部署与测试。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore 创建一个新的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// Create 写入新任务，订单已有未终结任务时返回 ErrJobActive。
func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 缺少 ID")
	}
	if strings.TrimSpace(job.RequestID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 缺少 request_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.RequestID == job.RequestID && !existing.IsTerminal() {
			return ErrJobActive
		}
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

// Get 查询指定任务。
func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

// Claim 领取一个到期的 PENDING 任务。
// RUNNING 超过租约的任务视为持有者崩溃，同样可以领取。
func (s *MemoryStore) Claim(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	now := time.Now().Unix()
	if !claimable(job, now) {
		return nil, ErrJobNotDue
	}
	if job.Attempts >= job.MaxAttempts {
		return nil, ErrJobExhausted
	}

	job.State = JobRunning
	job.Attempts++
	job.UpdatedAt = now
	clone := *job
	return &clone, nil
}

// MarkSucceeded 将任务标记为成功。
func (s *MemoryStore) MarkSucceeded(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.State = JobSucceeded
	job.LastError = ""
	job.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 记录一次失败，非终结失败回到 PENDING 等待重试。
func (s *MemoryStore) MarkFailed(ctx context.Context, id, reason string, terminal bool, nextRunAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.LastError = reason
	job.UpdatedAt = time.Now().Unix()
	if terminal {
		job.State = JobFailed
		return nil
	}
	job.State = JobPending
	job.NextRunAt = nextRunAt
	return nil
}

// List 按创建时间倒序返回任务。
func (s *MemoryStore) List(ctx context.Context, filter JobFilter) ([]*Job, error) {
	filter.applyDefaults()

	s.mu.RLock()
	matched := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.RequestID != "" && job.RequestID != filter.RequestID {
			continue
		}
		if len(filter.States) > 0 && !stateIn(job.State, filter.States) {
			continue
		}
		matched = append(matched, job)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt > matched[j].CreatedAt
	})

	if filter.Offset >= len(matched) {
		return []*Job{}, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	result := make([]*Job, 0, len(matched))
	for _, job := range matched {
		clone := *job
		result = append(result, &clone)
	}
	return result, nil
}

// Due 返回到期待执行的任务 ID。
func (s *MemoryStore) Due(ctx context.Context, now int64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, limit)
	for _, job := range s.jobs {
		if claimable(job, now) {
			ids = append(ids, job.ID)
			if len(ids) >= limit {
				break
			}
		}
	}
	return ids, nil
}

func claimable(job *Job, now int64) bool {
	if job.State == JobPending && job.NextRunAt <= now {
		return true
	}
	return job.State == JobRunning && job.UpdatedAt <= now-int64(runningLease/time.Second)
}

// Close 实现 Store 接口，内存实现无需清理。
func (s *MemoryStore) Close() error {
	return nil
}

func stateIn(state JobState, states []JobState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
