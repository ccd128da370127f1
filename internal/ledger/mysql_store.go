package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentMarket-Relay/internal/errors"
)

// MySQLStore 使用 MySQL 持久化账本分录。
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
	const schema = `CREATE TABLE IF NOT EXISTS ledger_entries (
        seq BIGINT AUTO_INCREMENT PRIMARY KEY,
        id VARCHAR(64) NOT NULL UNIQUE,
        request_id VARCHAR(128) NOT NULL,
        operation VARCHAR(32) NOT NULL,
        causal_key VARCHAR(192) NOT NULL UNIQUE,
        postings TEXT NOT NULL,
        created_at BIGINT NOT NULL,
        INDEX idx_ledger_request (request_id),
        INDEX idx_ledger_created (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 ledger_entries 表失败")
	}
	return nil
}

// Append 插入一条分录。唯一键冲突视为重复记账。
func (s *MySQLStore) Append(ctx context.Context, entry *JournalEntry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry 不能为空")
	}
	if strings.TrimSpace(entry.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "分录 ID 不能为空")
	}

	postings, err := json.Marshal(entry.Postings)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 postings 失败")
	}

	const stmt = `INSERT INTO ledger_entries (id, request_id, operation, causal_key, postings, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		entry.ID,
		entry.RequestID,
		string(entry.Operation),
		entry.CausalKey(),
		string(postings),
		entry.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrDuplicateEntry
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入分录失败")
	}
	if seq, err := res.LastInsertId(); err == nil {
		entry.Seq = seq
	}
	return nil
}

// Get 查询指定分录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*JournalEntry, error) {
	const stmt = `SELECT seq, id, request_id, operation, postings, created_at
        FROM ledger_entries WHERE id = ?`

	entry, err := scanEntry(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

// ListEntries 按写入顺序返回分录。
func (s *MySQLStore) ListEntries(ctx context.Context, filter EntryFilter) ([]*JournalEntry, error) {
	filter.applyDefaults()

	query := `SELECT seq, id, request_id, operation, postings, created_at FROM ledger_entries`
	args := make([]any, 0, 3)
	if filter.RequestID != "" {
		query += " WHERE request_id = ?"
		args = append(args, filter.RequestID)
	}
	query += " ORDER BY seq ASC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询分录列表失败")
	}
	defer rows.Close()

	entries := make([]*JournalEntry, 0, filter.Limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历分录失败")
	}
	return entries, nil
}

// ListPostings 展开分录返回记账行。过滤在应用层完成。
func (s *MySQLStore) ListPostings(ctx context.Context, filter PostingFilter) ([]PostingRecord, error) {
	filter.applyDefaults()

	entries, err := s.ListEntries(ctx, EntryFilter{RequestID: filter.RequestID, Limit: 500})
	if err != nil {
		return nil, err
	}

	records := make([]PostingRecord, 0, filter.Limit)
	for _, entry := range entries {
		for _, posting := range entry.Postings {
			if filter.Account != "" && posting.Account != filter.Account {
				continue
			}
			records = append(records, PostingRecord{
				Posting:   posting,
				EntryID:   entry.ID,
				RequestID: entry.RequestID,
				Operation: entry.Operation,
				CreatedAt: entry.CreatedAt,
			})
			if len(records) >= filter.Limit {
				return records, nil
			}
		}
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*JournalEntry, error) {
	var entry JournalEntry
	var operation string
	var rawPostings string
	if err := row.Scan(
		&entry.Seq,
		&entry.ID,
		&entry.RequestID,
		&operation,
		&rawPostings,
		&entry.CreatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析分录记录失败")
	}
	entry.Operation = Operation(operation)
	if err := json.Unmarshal([]byte(rawPostings), &entry.Postings); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 postings 失败")
	}
	return &entry, nil
}

var _ Store = (*MySQLStore)(nil)
