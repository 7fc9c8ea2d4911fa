package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/mattn/go-sqlite3"

	"intraday-trader/internal/errors"
	"intraday-trader/internal/models"
)

var orderColumns = []string{
	"internal_id", "exchange_id", "parent_order_id", "instrument", "exchange", "product",
	"side", "order_type", "quantity", "price", "trigger_price", "status", "strategy_id",
	"filled_qty", "avg_price", "status_message", "frozen", "cancel_requested", "is_parent",
	"sequence", "created_at", "updated_at", "raw_request", "raw_response",
}

var fillColumns = []string{
	"fill_id", "order_id", "instrument", "strategy_id", "side", "price", "quantity", "ts",
	"brokerage", "stt", "exchange_txn", "sebi", "stamp", "gst", "charges_total", "realized_pnl",
}

// SQLiteStore implements OrderStore using SQLite. Orders are a projection
// over the append-only order_transitions and fills tables.
type SQLiteStore struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer keeps transactions serialised without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Current state of every order
	CREATE TABLE IF NOT EXISTS orders (
		internal_id TEXT PRIMARY KEY,
		exchange_id TEXT NOT NULL DEFAULT '',
		parent_order_id TEXT NOT NULL DEFAULT '',
		instrument TEXT NOT NULL,
		exchange TEXT NOT NULL,
		product TEXT NOT NULL,
		side TEXT NOT NULL,
		order_type TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price REAL NOT NULL DEFAULT 0,
		trigger_price REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		filled_qty INTEGER NOT NULL DEFAULT 0,
		avg_price REAL NOT NULL DEFAULT 0,
		status_message TEXT NOT NULL DEFAULT '',
		frozen INTEGER NOT NULL DEFAULT 0,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		is_parent INTEGER NOT NULL DEFAULT 0,
		sequence INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		raw_request TEXT NOT NULL DEFAULT '',
		raw_response TEXT NOT NULL DEFAULT ''
	);

	-- Append-only status history
	CREATE TABLE IF NOT EXISTS order_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL
	);

	-- Append-only executions
	CREATE TABLE IF NOT EXISTS fills (
		fill_id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		instrument TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		side TEXT NOT NULL,
		price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		brokerage REAL NOT NULL DEFAULT 0,
		stt REAL NOT NULL DEFAULT 0,
		exchange_txn REAL NOT NULL DEFAULT 0,
		sebi REAL NOT NULL DEFAULT 0,
		stamp REAL NOT NULL DEFAULT 0,
		gst REAL NOT NULL DEFAULT 0,
		charges_total REAL NOT NULL DEFAULT 0,
		realized_pnl REAL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_exchange_id ON orders(exchange_id);
	CREATE INDEX IF NOT EXISTS idx_orders_parent ON orders(parent_order_id);
	CREATE INDEX IF NOT EXISTS idx_transitions_order ON order_transitions(order_id);
	CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateOrders inserts orders and their initial transitions atomically.
func (s *SQLiteStore) CreateOrders(ctx context.Context, orders []*models.Order, transitions []models.Transition) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, o := range orders {
			query, args, err := s.sb.Insert("orders").Columns(orderColumns...).Values(orderValues(o)...).ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				if isConstraint(err) {
					return errors.Wrapf(errors.ErrDuplicateOrder, "order %s", o.InternalID)
				}
				return fmt.Errorf("insert order %s: %w", o.InternalID, err)
			}
		}
		for i := range transitions {
			if err := s.insertTransition(ctx, tx, &transitions[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveOrder updates the projection and appends history atomically.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *models.Order, transition *models.Transition, fills []models.Fill) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		values := orderValues(o)
		set := make(map[string]interface{}, len(orderColumns)-1)
		for i, col := range orderColumns {
			if col == "internal_id" || col == "created_at" {
				continue
			}
			set[col] = values[i]
		}
		query, args, err := s.sb.Update("orders").SetMap(set).Where(sq.Eq{"internal_id": o.InternalID}).ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update order %s: %w", o.InternalID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrapf(errors.ErrOrderNotFound, "order %s", o.InternalID)
		}

		if transition != nil {
			if err := s.insertTransition(ctx, tx, transition); err != nil {
				return err
			}
		}
		for _, f := range fills {
			query, args, err := s.sb.Insert("fills").Columns(fillColumns...).Values(fillValues(f)...).ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("insert fill %s: %w", f.FillID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) insertTransition(ctx context.Context, tx *sql.Tx, t *models.Transition) error {
	query, args, err := s.sb.Insert("order_transitions").
		Columns("order_id", "from_status", "to_status", "reason", "ts").
		Values(t.OrderID, string(t.From), string(t.To), t.Reason, t.Timestamp.UnixNano()).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert transition for %s: %w", t.OrderID, err)
	}
	return nil
}

// GetOrder returns one order.
func (s *SQLiteStore) GetOrder(ctx context.Context, internalID string) (*models.Order, error) {
	orders, err := s.queryOrders(ctx, s.sb.Select(orderColumns...).From("orders").Where(sq.Eq{"internal_id": internalID}))
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, errors.Wrapf(errors.ErrOrderNotFound, "order %s", internalID)
	}
	return orders[0], nil
}

// ListOrders returns orders matching filter, oldest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, filter OrderFilter) ([]*models.Order, error) {
	q := s.sb.Select(orderColumns...).From("orders").OrderBy("created_at", "sequence", "internal_id")
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where(sq.Eq{"status": statuses})
	}
	if filter.StrategyID != "" {
		q = q.Where(sq.Eq{"strategy_id": filter.StrategyID})
	}
	if filter.InstrumentID != "" {
		q = q.Where(sq.Eq{"instrument": filter.InstrumentID})
	}
	if filter.ParentID != "" {
		q = q.Where(sq.Eq{"parent_order_id": filter.ParentID})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	return s.queryOrders(ctx, q)
}

func (s *SQLiteStore) queryOrders(ctx context.Context, q sq.SelectBuilder) ([]*models.Order, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []*models.Order
	for rows.Next() {
		var (
			o                                models.Order
			exchange, product, side, typ, st string
			frozen, cancelReq, isParent      int
			createdAt, updatedAt             int64
		)
		if err := rows.Scan(
			&o.InternalID, &o.ExchangeID, &o.ParentOrderID, &o.InstrumentID, &exchange, &product,
			&side, &typ, &o.Quantity, &o.Price, &o.TriggerPrice, &st, &o.StrategyID,
			&o.FilledQuantity, &o.AveragePrice, &o.StatusMessage, &frozen, &cancelReq, &isParent,
			&o.Sequence, &createdAt, &updatedAt, &o.RawRequest, &o.RawResponse,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Exchange = models.Exchange(exchange)
		o.Product = models.ProductType(product)
		o.Side = models.OrderSide(side)
		o.Type = models.OrderType(typ)
		o.Status = models.OrderStatus(st)
		o.Frozen = frozen != 0
		o.CancelRequested = cancelReq != 0
		o.IsParent = isParent != 0
		o.CreatedAt = time.Unix(0, createdAt)
		o.UpdatedAt = time.Unix(0, updatedAt)
		out = append(out, &o)
	}
	return out, rows.Err()
}

// Transitions returns an order's status history in append order.
func (s *SQLiteStore) Transitions(ctx context.Context, orderID string) ([]models.Transition, error) {
	query, args, err := s.sb.Select("order_id", "from_status", "to_status", "reason", "ts").
		From("order_transitions").
		Where(sq.Eq{"order_id": orderID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []models.Transition
	for rows.Next() {
		var (
			t        models.Transition
			from, to string
			ts       int64
		)
		if err := rows.Scan(&t.OrderID, &from, &to, &t.Reason, &ts); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.From = models.OrderStatus(from)
		t.To = models.OrderStatus(to)
		t.Timestamp = time.Unix(0, ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// LoadFills returns the entire fill log in append order.
func (s *SQLiteStore) LoadFills(ctx context.Context) ([]models.Fill, error) {
	query, args, err := s.sb.Select(fillColumns...).From("fills").OrderBy("rowid").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []models.Fill
	for rows.Next() {
		var (
			f        models.Fill
			side     string
			ts       int64
			realized sql.NullFloat64
		)
		if err := rows.Scan(
			&f.FillID, &f.OrderID, &f.InstrumentID, &f.StrategyID, &side, &f.Price, &f.Quantity, &ts,
			&f.Charges.Brokerage, &f.Charges.STT, &f.Charges.Exchange, &f.Charges.SEBI,
			&f.Charges.Stamp, &f.Charges.GST, &f.Charges.Total, &realized,
		); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Side = models.OrderSide(side)
		f.Timestamp = time.Unix(0, ts)
		if realized.Valid {
			v := realized.Float64
			f.RealizedPnL = &v
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", errors.ErrDatabaseError, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func orderValues(o *models.Order) []interface{} {
	return []interface{}{
		o.InternalID, o.ExchangeID, o.ParentOrderID, o.InstrumentID, string(o.Exchange), string(o.Product),
		string(o.Side), string(o.Type), o.Quantity, o.Price, o.TriggerPrice, string(o.Status), o.StrategyID,
		o.FilledQuantity, o.AveragePrice, o.StatusMessage, boolInt(o.Frozen), boolInt(o.CancelRequested), boolInt(o.IsParent),
		o.Sequence, o.CreatedAt.UnixNano(), o.UpdatedAt.UnixNano(), o.RawRequest, o.RawResponse,
	}
}

func fillValues(f models.Fill) []interface{} {
	var realized interface{}
	if f.RealizedPnL != nil {
		realized = *f.RealizedPnL
	}
	return []interface{}{
		f.FillID, f.OrderID, f.InstrumentID, f.StrategyID, string(f.Side), f.Price, f.Quantity, f.Timestamp.UnixNano(),
		f.Charges.Brokerage, f.Charges.STT, f.Charges.Exchange, f.Charges.SEBI, f.Charges.Stamp, f.Charges.GST,
		f.Charges.Total, realized,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

var _ OrderStore = (*SQLiteStore)(nil)
