package payment

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentMarket-Relay/internal/errors"
)

// MySQLStore 使用 MySQL 持久化支付留痕与幂等记录。
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
	const payments = `CREATE TABLE IF NOT EXISTS payment_records (
        tx_hash VARCHAR(128) PRIMARY KEY,
        request_id VARCHAR(128) NOT NULL UNIQUE,
        token VARCHAR(32) NOT NULL,
        network VARCHAR(32) NOT NULL,
        amount BIGINT NOT NULL,
        currency VARCHAR(16) NOT NULL,
        payer VARCHAR(128) NOT NULL DEFAULT '',
        idempotency_key VARCHAR(192) NOT NULL,
        accepted_at BIGINT NOT NULL,
        INDEX idx_payment_accepted (accepted_at)
)`
	const idempotency = `CREATE TABLE IF NOT EXISTS payment_idempotency (
        idem_key VARCHAR(192) PRIMARY KEY,
        request_id VARCHAR(128) NOT NULL,
        tx_hash VARCHAR(128) NOT NULL,
        created_at BIGINT NOT NULL
)`

	if _, err := s.db.Exec(payments); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 payment_records 表失败")
	}
	if _, err := s.db.Exec(idempotency); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 payment_idempotency 表失败")
	}
	return nil
}

// SavePayment 写入支付留痕，tx_hash 冲突返回 ErrPaymentReplay。
func (s *MySQLStore) SavePayment(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}

	const stmt = `INSERT INTO payment_records
        (tx_hash, request_id, token, network, amount, currency, payer, idempotency_key, accepted_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		strings.ToLower(record.TxHash),
		record.RequestID,
		record.Token,
		record.Network,
		record.Amount,
		record.Currency,
		record.Payer,
		record.IdempotencyKey,
		record.AcceptedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			existing, getErr := s.GetPaymentByTx(ctx, record.TxHash)
			if getErr == nil && existing.RequestID == record.RequestID {
				return nil
			}
			return ErrPaymentReplay
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入支付留痕失败")
	}
	return nil
}

// GetPaymentByTx 按交易哈希查询支付留痕。
func (s *MySQLStore) GetPaymentByTx(ctx context.Context, txHash string) (*Record, error) {
	const stmt = `SELECT tx_hash, request_id, token, network, amount, currency, payer, idempotency_key, accepted_at
        FROM payment_records WHERE tx_hash = ?`
	return scanPayment(s.db.QueryRowContext(ctx, stmt, strings.ToLower(strings.TrimSpace(txHash))))
}

// GetPaymentByRequest 按订单查询支付留痕。
func (s *MySQLStore) GetPaymentByRequest(ctx context.Context, requestID string) (*Record, error) {
	const stmt = `SELECT tx_hash, request_id, token, network, amount, currency, payer, idempotency_key, accepted_at
        FROM payment_records WHERE request_id = ?`
	return scanPayment(s.db.QueryRowContext(ctx, stmt, requestID))
}

// ListPayments 按接受时间倒序返回支付留痕。
func (s *MySQLStore) ListPayments(ctx context.Context, filter ListFilter) ([]*Record, error) {
	filter.applyDefaults()

	query := `SELECT tx_hash, request_id, token, network, amount, currency, payer, idempotency_key, accepted_at
        FROM payment_records`
	conds := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if filter.RequestID != "" {
		conds = append(conds, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if filter.Token != "" {
		conds = append(conds, "token = ?")
		args = append(args, strings.ToUpper(filter.Token))
	}
	if filter.AcceptedSince > 0 {
		conds = append(conds, "accepted_at >= ?")
		args = append(args, filter.AcceptedSince)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY accepted_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付留痕失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, filter.Limit)
	for rows.Next() {
		record, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历支付留痕失败")
	}
	return records, nil
}

// SaveIdempotency 写入幂等记录，键冲突时保留旧值。
func (s *MySQLStore) SaveIdempotency(ctx context.Context, record *IdempotencyRecord) error {
	if record == nil || strings.TrimSpace(record.Key) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "幂等记录缺少 key")
	}

	const stmt = `INSERT INTO payment_idempotency (idem_key, request_id, tx_hash, created_at)
        VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt, record.Key, record.RequestID, record.TxHash, record.CreatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入幂等记录失败")
	}
	return nil
}

// GetIdempotency 查询幂等记录。
func (s *MySQLStore) GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	const stmt = `SELECT idem_key, request_id, tx_hash, created_at
        FROM payment_idempotency WHERE idem_key = ?`

	var record IdempotencyRecord
	err := s.db.QueryRowContext(ctx, stmt, key).Scan(
		&record.Key,
		&record.RequestID,
		&record.TxHash,
		&record.CreatedAt,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询幂等记录失败")
	}
	return &record, nil
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

func scanPayment(row rowScanner) (*Record, error) {
	var record Record
	err := row.Scan(
		&record.TxHash,
		&record.RequestID,
		&record.Token,
		&record.Network,
		&record.Amount,
		&record.Currency,
		&record.Payer,
		&record.IdempotencyKey,
		&record.AcceptedAt,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析支付留痕失败")
	}
	return &record, nil
}

var _ Store = (*MySQLStore)(nil)
