package order

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

// MySQLStore 使用 MySQL 持久化订单状态。
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
	const schema = `CREATE TABLE IF NOT EXISTS orders (
        request_id VARCHAR(128) PRIMARY KEY,
        state VARCHAR(32) NOT NULL,
        buyer_id VARCHAR(128) NOT NULL,
        seller_id VARCHAR(128) NOT NULL DEFAULT '',
        task TEXT,
        price_amount BIGINT NOT NULL DEFAULT 0,
        price_currency VARCHAR(16) NOT NULL DEFAULT '',
        tx_hash VARCHAR(128) NOT NULL DEFAULT '',
        result_status VARCHAR(32) NOT NULL DEFAULT '',
        history TEXT NOT NULL,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_orders_state (state),
        INDEX idx_orders_buyer (buyer_id),
        INDEX idx_orders_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 orders 表失败")
	}
	return nil
}

// Create 写入新订单，主键冲突时返回 ErrOrderConflict。
func (s *MySQLStore) Create(ctx context.Context, ord *Order) error {
	if ord == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "order 不能为空")
	}
	if strings.TrimSpace(ord.RequestID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "request_id 不能为空")
	}

	history, err := json.Marshal(ord.History)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 history 失败")
	}

	var amount int64
	var currency string
	if ord.Price != nil {
		amount = ord.Price.Amount
		currency = ord.Price.Currency
	}

	const stmt = `INSERT INTO orders
        (request_id, state, buyer_id, seller_id, task, price_amount, price_currency,
         tx_hash, result_status, history, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		ord.RequestID,
		string(ord.State),
		ord.BuyerID,
		ord.SellerID,
		ord.Task,
		amount,
		currency,
		ord.TxHash,
		ord.ResultStatus,
		string(history),
		ord.CreatedAt,
		ord.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrOrderConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入订单失败")
	}
	return nil
}

// Get 查询指定订单。
func (s *MySQLStore) Get(ctx context.Context, requestID string) (*Order, error) {
	const stmt = `SELECT request_id, state, buyer_id, seller_id, task, price_amount,
        price_currency, tx_hash, result_status, history, created_at, updated_at
        FROM orders WHERE request_id = ?`

	ord, err := scanOrder(s.db.QueryRowContext(ctx, stmt, requestID))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return ord, nil
}

// Transition 以 state 列做 compare-and-swap，失配时返回 ErrOrderConflict。
func (s *MySQLStore) Transition(ctx context.Context, requestID string, mut Mutation) error {
	current, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if current.State != mut.From {
		return ErrOrderConflict
	}

	history, err := json.Marshal(append(current.History, mut.Hops...))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 history 失败")
	}

	sellerID := current.SellerID
	if mut.SellerID != "" {
		sellerID = mut.SellerID
	}
	amount := int64(0)
	currency := ""
	if current.Price != nil {
		amount = current.Price.Amount
		currency = current.Price.Currency
	}
	if mut.Price != nil {
		amount = mut.Price.Amount
		currency = mut.Price.Currency
	}
	txHash := current.TxHash
	if mut.TxHash != "" {
		txHash = mut.TxHash
	}
	resultStatus := current.ResultStatus
	if mut.ResultStatus != "" {
		resultStatus = mut.ResultStatus
	}

	const stmt = `UPDATE orders
        SET state = ?, seller_id = ?, price_amount = ?, price_currency = ?,
            tx_hash = ?, result_status = ?, history = ?, updated_at = ?
        WHERE request_id = ? AND state = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(mut.To),
		sellerID,
		amount,
		currency,
		txHash,
		resultStatus,
		string(history),
		mut.UpdatedAt,
		requestID,
		string(mut.From),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新订单状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		return ErrOrderConflict
	}
	return nil
}

// List 按条件返回订单列表。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Order, error) {
	opts.applyDefaults()

	query := `SELECT request_id, state, buyer_id, seller_id, task, price_amount,
        price_currency, tx_hash, result_status, history, created_at, updated_at
        FROM orders`
	where, args := buildWhere(opts)
	query += where

	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC"
	} else {
		query += " ORDER BY updated_at DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单列表失败")
	}
	defer rows.Close()

	orders := make([]*Order, 0, opts.Limit)
	for rows.Next() {
		ord, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, ord)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历订单失败")
	}
	return orders, nil
}

// Stats 统计满足条件的订单分布。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT state, COUNT(*), MIN(updated_at), MAX(updated_at) FROM orders`
	where, args := buildWhere(opts)
	query += where + " GROUP BY state"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单统计失败")
	}
	defer rows.Close()

	stats := Stats{ByState: make(map[State]int)}
	for rows.Next() {
		var state string
		var count int
		var oldest, newest sql.NullInt64
		if err := rows.Scan(&state, &count, &oldest, &newest); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析统计记录失败")
		}
		stats.ByState[State(state)] = count
		stats.Total += count
		if oldest.Valid && (stats.OldestUpdatedAt == 0 || oldest.Int64 < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = oldest.Int64
		}
		if newest.Valid && newest.Int64 > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest.Int64
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计记录失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildWhere(opts ListOptions) (string, []any) {
	conds := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.States) > 0 {
		placeholders := make([]string, len(opts.States))
		for i, state := range opts.States {
			placeholders[i] = "?"
			args = append(args, string(state))
		}
		conds = append(conds, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.BuyerID != "" {
		conds = append(conds, "buyer_id = ?")
		args = append(args, opts.BuyerID)
	}
	if opts.UpdatedGTE > 0 {
		conds = append(conds, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conds = append(conds, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var ord Order
	var state string
	var amount int64
	var currency string
	var rawHistory string
	if err := row.Scan(
		&ord.RequestID,
		&state,
		&ord.BuyerID,
		&ord.SellerID,
		&ord.Task,
		&amount,
		&currency,
		&ord.TxHash,
		&ord.ResultStatus,
		&rawHistory,
		&ord.CreatedAt,
		&ord.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析订单记录失败")
	}
	ord.State = State(state)
	if currency != "" {
		ord.Price = &Price{Amount: amount, Currency: currency}
	}
	if err := json.Unmarshal([]byte(rawHistory), &ord.History); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 history 失败")
	}
	return &ord, nil
}

var _ Store = (*MySQLStore)(nil)
