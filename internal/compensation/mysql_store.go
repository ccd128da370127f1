package compensation

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentMarket-Relay/internal/errors"
)

// MySQLStore 使用 MySQL 持久化补偿任务。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	// live_request 对活跃任务等于 request_id、终结后置空，
	// 借助唯一索引保证同一订单至多一个未终结任务。
	const schema = `CREATE TABLE IF NOT EXISTS compensation_jobs (
        id VARCHAR(64) PRIMARY KEY,
        request_id VARCHAR(128) NOT NULL,
        live_request VARCHAR(128) NULL UNIQUE,
        action VARCHAR(16) NOT NULL,
        reason VARCHAR(255) NOT NULL DEFAULT '',
        state VARCHAR(16) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_attempts INT NOT NULL,
        next_run_at BIGINT NOT NULL,
        last_error TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_comp_request (request_id),
        INDEX idx_comp_state_due (state, next_run_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 compensation_jobs 表失败")
	}
	return nil
}

// Create 写入新任务，live_request 唯一索引冲突视为已有活跃任务。
func (s *MySQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 缺少 ID")
	}

	const stmt = `INSERT INTO compensation_jobs
        (id, request_id, live_request, action, reason, state, attempts, max_attempts,
         next_run_at, last_error, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		job.ID,
		job.RequestID,
		job.RequestID,
		string(job.Action),
		job.Reason,
		string(job.State),
		job.Attempts,
		job.MaxAttempts,
		job.NextRunAt,
		job.LastError,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrJobActive
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入补偿任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Job, error) {
	const stmt = `SELECT id, request_id, action, reason, state, attempts, max_attempts,
        next_run_at, last_error, created_at, updated_at
        FROM compensation_jobs WHERE id = ?`
	return scanJob(s.db.QueryRowContext(ctx, stmt, id))
}

// Claim 以状态列做 compare-and-swap 领取到期任务。
// RUNNING 超过租约的任务视为持有者崩溃，同样可以领取。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Attempts >= job.MaxAttempts {
		return nil, ErrJobExhausted
	}

	now := time.Now().Unix()
	const stmt = `UPDATE compensation_jobs
        SET state = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND ((state = ? AND next_run_at <= ?) OR (state = ? AND updated_at <= ?))`

	res, err := s.db.ExecContext(ctx, stmt,
		string(JobRunning), now, id,
		string(JobPending), now,
		string(JobRunning), now-int64(runningLease/time.Second))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取补偿任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取领取结果失败")
	}
	if affected == 0 {
		return nil, ErrJobNotDue
	}
	return s.Get(ctx, id)
}

// MarkSucceeded 将任务标记为成功并释放活跃占位。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string) error {
	const stmt = `UPDATE compensation_jobs
        SET state = ?, live_request = NULL, last_error = '', updated_at = ?
        WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt, string(JobSucceeded), time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记补偿任务成功失败")
	}
	return requireAffected(res)
}

// MarkFailed 记录一次失败，终结失败释放活跃占位。
func (s *MySQLStore) MarkFailed(ctx context.Context, id, reason string, terminal bool, nextRunAt int64) error {
	now := time.Now().Unix()
	if terminal {
		const stmt = `UPDATE compensation_jobs
            SET state = ?, live_request = NULL, last_error = ?, updated_at = ?
            WHERE id = ?`
		res, err := s.db.ExecContext(ctx, stmt, string(JobFailed), reason, now, id)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记补偿任务失败状态出错")
		}
		return requireAffected(res)
	}

	const stmt = `UPDATE compensation_jobs
        SET state = ?, last_error = ?, next_run_at = ?, updated_at = ?
        WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(JobPending), reason, nextRunAt, now, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回写补偿任务重试状态失败")
	}
	return requireAffected(res)
}

// List 按创建时间倒序返回任务。
func (s *MySQLStore) List(ctx context.Context, filter JobFilter) ([]*Job, error) {
	filter.applyDefaults()

	query := `SELECT id, request_id, action, reason, state, attempts, max_attempts,
        next_run_at, last_error, created_at, updated_at FROM compensation_jobs`
	conds := make([]string, 0, 2)
	args := make([]any, 0, 6)
	if filter.RequestID != "" {
		conds = append(conds, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, state := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(state))
		}
		conds = append(conds, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询补偿任务失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, filter.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历补偿任务失败")
	}
	return jobs, nil
}

// Due 返回到期待执行的任务 ID。
func (s *MySQLStore) Due(ctx context.Context, now int64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	const stmt = `SELECT id FROM compensation_jobs
        WHERE (state = ? AND next_run_at <= ?) OR (state = ? AND updated_at <= ?)
        ORDER BY next_run_at ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, stmt,
		string(JobPending), now,
		string(JobRunning), now-int64(runningLease/time.Second),
		limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询到期补偿任务失败")
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务 ID 失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历到期任务失败")
	}
	return ids, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var action, state string
	var lastError sql.NullString
	if err := row.Scan(
		&job.ID,
		&job.RequestID,
		&action,
		&job.Reason,
		&state,
		&job.Attempts,
		&job.MaxAttempts,
		&job.NextRunAt,
		&lastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析补偿任务失败")
	}
	job.Action = Action(action)
	job.State = JobState(state)
	job.LastError = lastError.String
	return &job, nil
}

var _ Store = (*MySQLStore)(nil)
