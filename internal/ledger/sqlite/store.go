// Package sqlite provides a ledger store on a single SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"rgehrsitz/invested/internal/ledger"
)

//go:embed schema.sql
var schema string

var _ ledger.Store = (*Store)(nil)

// Store is a SQLite-backed ledger. It holds a single connection, so
// transactions are serialised by the database/sql pool.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn inside a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	if fn == nil {
		return errors.New("sqlite store: transaction callback required")
	}
	if s == nil || s.db == nil {
		return errors.New("sqlite store: not configured")
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin tx: %w", err)
	}
	if err := fn(ctx, &transaction{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("sqlite store: rollback tx: %w (original error: %v)", rbErr, err)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit tx: %w", err)
	}
	return nil
}

type transaction struct {
	tx *sql.Tx
}

func (t *transaction) CreatePortfolio(ctx context.Context, p ledger.Portfolio) error {
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO portfolios (id, role, name, cash, created_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`,
		p.ID.String(), string(p.Role), p.Name, p.Cash.String(), p.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create portfolio: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("portfolio %s: %w", p.ID, ledger.ErrExists)
	}
	return nil
}

func (t *transaction) Portfolio(ctx context.Context, id uuid.UUID) (ledger.Portfolio, error) {
	var (
		p       ledger.Portfolio
		rawID   string
		role    string
		cash    string
		created int64
	)
	err := t.tx.QueryRowContext(ctx, `SELECT id, role, name, cash, created_at FROM portfolios WHERE id = ?`, id.String()).
		Scan(&rawID, &role, &p.Name, &cash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Portfolio{}, fmt.Errorf("portfolio %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Portfolio{}, fmt.Errorf("get portfolio: %w", err)
	}
	if p.ID, err = uuid.Parse(rawID); err != nil {
		return ledger.Portfolio{}, fmt.Errorf("parse portfolio id: %w", err)
	}
	if p.Cash, err = decimal.NewFromString(cash); err != nil {
		return ledger.Portfolio{}, fmt.Errorf("parse cash: %w", err)
	}
	p.Role = ledger.Role(role)
	p.CreatedAt = time.UnixMilli(created).UTC()
	return p, nil
}

func (t *transaction) AdjustCash(ctx context.Context, id uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error) {
	p, err := t.Portfolio(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	next := p.Cash.Add(delta)
	if next.IsNegative() {
		return p.Cash, fmt.Errorf("portfolio %s needs %s, has %s: %w", id, delta.Neg(), p.Cash, ledger.ErrInsufficientFunds)
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE portfolios SET cash = ? WHERE id = ?`, next.String(), id.String()); err != nil {
		return p.Cash, fmt.Errorf("update cash: %w", err)
	}
	return next, nil
}

func (t *transaction) Holding(ctx context.Context, portfolio uuid.UUID, exchange, ticker string) (ledger.Holding, error) {
	h := ledger.Holding{PortfolioID: portfolio, Exchange: strings.ToUpper(exchange), Ticker: strings.ToUpper(ticker)}
	err := t.tx.QueryRowContext(ctx, `
SELECT quantity FROM holdings WHERE portfolio_id = ? AND exchange = ? AND ticker = ?`,
		portfolio.String(), h.Exchange, h.Ticker,
	).Scan(&h.Quantity)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return h, fmt.Errorf("get holding: %w", err)
	}
	return h, nil
}

func (t *transaction) Holdings(ctx context.Context, portfolio uuid.UUID) ([]ledger.Holding, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT exchange, ticker, quantity FROM holdings WHERE portfolio_id = ? ORDER BY rowid`, portfolio.String())
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []ledger.Holding
	for rows.Next() {
		h := ledger.Holding{PortfolioID: portfolio}
		if err := rows.Scan(&h.Exchange, &h.Ticker, &h.Quantity); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (t *transaction) AdjustHolding(ctx context.Context, portfolio uuid.UUID, exchange, ticker string, delta int64) (ledger.Holding, error) {
	h, err := t.Holding(ctx, portfolio, exchange, ticker)
	if err != nil {
		return h, err
	}
	if h.Quantity+delta < 0 {
		return h, fmt.Errorf("%s:%s in %s needs %d, has %d: %w", h.Exchange, h.Ticker, portfolio, -delta, h.Quantity, ledger.ErrInsufficientInventory)
	}
	h.Quantity += delta
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO holdings (portfolio_id, exchange, ticker, quantity) VALUES (?, ?, ?, ?)
ON CONFLICT (portfolio_id, exchange, ticker) DO UPDATE SET quantity = excluded.quantity`,
		portfolio.String(), h.Exchange, h.Ticker, h.Quantity,
	)
	if err != nil {
		return h, fmt.Errorf("upsert holding: %w", err)
	}
	return h, nil
}

func (t *transaction) SaveOrder(ctx context.Context, o ledger.Order) error {
	if o.ID == uuid.Nil {
		return errors.New("sqlite store: order id required")
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO orders (id, parent_id, portfolio_id, exchange, ticker, side, class, status, price, quantity, review_requested, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	class = excluded.class,
	status = excluded.status,
	price = excluded.price,
	quantity = excluded.quantity,
	review_requested = excluded.review_requested,
	updated_at = excluded.updated_at`,
		o.ID.String(), optionalID(o.ParentID), o.PortfolioID.String(), o.Exchange, o.Ticker,
		string(o.Side), string(o.Class), string(o.Status), o.Price.String(), o.Quantity,
		o.ReviewRequested, o.CreatedAt.UTC().UnixMilli(), o.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

const orderColumns = `id, parent_id, portfolio_id, exchange, ticker, side, class, status, price, quantity, review_requested, created_at, updated_at`

func (t *transaction) Order(ctx context.Context, id uuid.UUID) (ledger.Order, error) {
	o, err := scanOrder(t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Order{}, fmt.Errorf("order %s: %w", id, ledger.ErrNotFound)
	}
	return o, err
}

func (t *transaction) Children(ctx context.Context, parent uuid.UUID) ([]ledger.Order, error) {
	if parent == uuid.Nil {
		return nil, nil
	}
	rows, err := t.tx.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE parent_id = ? ORDER BY rowid`, parent.String())
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []ledger.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *transaction) SaveTransfer(ctx context.Context, tr ledger.Transfer) error {
	if tr.ID == uuid.Nil {
		return errors.New("sqlite store: transfer id required")
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO transfers (id, portfolio_id, kind, amount, currency, status, order_id, counterparty, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	status = excluded.status,
	amount = excluded.amount,
	counterparty = excluded.counterparty,
	updated_at = excluded.updated_at`,
		tr.ID.String(), tr.PortfolioID.String(), string(tr.Kind), tr.Amount.String(), tr.Currency,
		string(tr.Status), optionalID(tr.OrderID), tr.Counterparty,
		tr.CreatedAt.UTC().UnixMilli(), tr.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save transfer: %w", err)
	}
	return nil
}

func (t *transaction) Transfer(ctx context.Context, id uuid.UUID) (ledger.Transfer, error) {
	var (
		tr               ledger.Transfer
		rawID, portfolio string
		kind, status     string
		amount, orderID  string
		created, updated int64
	)
	err := t.tx.QueryRowContext(ctx, `
SELECT id, portfolio_id, kind, amount, currency, status, order_id, counterparty, created_at, updated_at
FROM transfers WHERE id = ?`, id.String()).
		Scan(&rawID, &portfolio, &kind, &amount, &tr.Currency, &status, &orderID, &tr.Counterparty, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transfer{}, fmt.Errorf("transfer %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Transfer{}, fmt.Errorf("get transfer: %w", err)
	}
	if tr.ID, err = uuid.Parse(rawID); err != nil {
		return ledger.Transfer{}, fmt.Errorf("parse transfer id: %w", err)
	}
	if tr.PortfolioID, err = uuid.Parse(portfolio); err != nil {
		return ledger.Transfer{}, fmt.Errorf("parse portfolio id: %w", err)
	}
	if tr.OrderID, err = parseOptionalID(orderID); err != nil {
		return ledger.Transfer{}, fmt.Errorf("parse order id: %w", err)
	}
	if tr.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.Transfer{}, fmt.Errorf("parse amount: %w", err)
	}
	tr.Kind = ledger.TransferKind(kind)
	tr.Status = ledger.Status(status)
	tr.CreatedAt = time.UnixMilli(created).UTC()
	tr.UpdatedAt = time.UnixMilli(updated).UTC()
	return tr, nil
}

// SumTransfers adds amounts in Go; SQLite arithmetic on TEXT would go
// through floating point.
func (t *transaction) SumTransfers(ctx context.Context, q ledger.TransferSum) (decimal.Decimal, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT amount FROM transfers
WHERE portfolio_id = ? AND kind = ? AND status = ? AND created_at >= ?`,
		q.PortfolioID.String(), string(q.Kind), string(q.Status), q.Since.UTC().UnixMilli(),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum transfers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, fmt.Errorf("scan amount: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse amount: %w", err)
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (ledger.Order, error) {
	var (
		o                          ledger.Order
		rawID, parent, portfolio   string
		side, class, status, price string
		created, updated           int64
	)
	if err := row.Scan(&rawID, &parent, &portfolio, &o.Exchange, &o.Ticker, &side, &class, &status,
		&price, &o.Quantity, &o.ReviewRequested, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return o, err
		}
		return o, fmt.Errorf("scan order: %w", err)
	}
	var err error
	if o.ID, err = uuid.Parse(rawID); err != nil {
		return o, fmt.Errorf("parse order id: %w", err)
	}
	if o.ParentID, err = parseOptionalID(parent); err != nil {
		return o, fmt.Errorf("parse parent id: %w", err)
	}
	if o.PortfolioID, err = uuid.Parse(portfolio); err != nil {
		return o, fmt.Errorf("parse portfolio id: %w", err)
	}
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return o, fmt.Errorf("parse price: %w", err)
	}
	o.Side = ledger.Side(side)
	o.Class = ledger.Class(class)
	o.Status = ledger.Status(status)
	o.CreatedAt = time.UnixMilli(created).UTC()
	o.UpdatedAt = time.UnixMilli(updated).UTC()
	return o, nil
}

func optionalID(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func parseOptionalID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(raw)
}
