// Package postgres provides a ledger store on PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"rgehrsitz/invested/internal/ledger"
)

//go:embed schema.sql
var schema string

var _ ledger.Store = (*Store)(nil)

const (
	defaultMaxAttempts = 5
	maxRetryInterval   = 500 * time.Millisecond
)

// retryable SQLSTATEs: serialization_failure and deadlock_detected.
var retryable = map[string]bool{"40001": true, "40P01": true}

// Store is a PostgreSQL-backed ledger.
type Store struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// New wraps an existing pool. The caller keeps ownership of schema setup.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, maxAttempts: defaultMaxAttempts}
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return New(pool), nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("ledger store: nil pool")
	}
	return s.pool, nil
}

// WithTx runs fn in a read-committed transaction, retrying the whole callback
// with exponential backoff when PostgreSQL aborts it for a serialization
// failure or deadlock.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("ledger store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxRetryInterval
	for attempt := 1; ; attempt++ {
		err := s.runOnce(ctx, pool, fn)
		if err == nil || !isRetryable(err) || attempt >= s.maxAttempts {
			return err
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			return err
		}
		log.Debug().Err(err).Int("attempt", attempt).Dur("sleep", sleep).Msg("Retrying ledger transaction")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (s *Store) runOnce(ctx context.Context, pool *pgxpool.Pool, fn func(context.Context, ledger.Tx) error) error {
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("ledger store: begin tx: %w", err)
	}
	if runErr := fn(ctx, &transaction{tx: tx}); runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("ledger store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("ledger store: commit tx: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && retryable[pgErr.Code]
}

type transaction struct {
	tx pgx.Tx
}

func (t *transaction) CreatePortfolio(ctx context.Context, p ledger.Portfolio) error {
	tag, err := t.tx.Exec(ctx, `
INSERT INTO portfolios (id, role, name, cash, created_at)
VALUES ($1::uuid, $2, $3, $4::numeric, $5)
ON CONFLICT (id) DO NOTHING`,
		p.ID.String(), string(p.Role), p.Name, p.Cash.String(), p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create portfolio: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("portfolio %s: %w", p.ID, ledger.ErrExists)
	}
	return nil
}

func (t *transaction) Portfolio(ctx context.Context, id uuid.UUID) (ledger.Portfolio, error) {
	var (
		p          ledger.Portfolio
		role, cash string
	)
	err := t.tx.QueryRow(ctx, `
SELECT role, name, cash::text, created_at FROM portfolios WHERE id = $1::uuid`, id.String()).
		Scan(&role, &p.Name, &cash, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Portfolio{}, fmt.Errorf("portfolio %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Portfolio{}, fmt.Errorf("get portfolio: %w", err)
	}
	p.ID = id
	p.Role = ledger.Role(role)
	p.CreatedAt = p.CreatedAt.UTC()
	if p.Cash, err = decimal.NewFromString(cash); err != nil {
		return ledger.Portfolio{}, fmt.Errorf("parse cash: %w", err)
	}
	return p, nil
}

// AdjustCash applies delta with a guarded update so concurrent debits can
// never take the balance below zero.
func (t *transaction) AdjustCash(ctx context.Context, id uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error) {
	var raw string
	err := t.tx.QueryRow(ctx, `
UPDATE portfolios SET cash = cash + $2::numeric
WHERE id = $1::uuid AND cash + $2::numeric >= 0
RETURNING cash::text`, id.String(), delta.String()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		p, getErr := t.Portfolio(ctx, id)
		if getErr != nil {
			return decimal.Zero, getErr
		}
		return p.Cash, fmt.Errorf("portfolio %s needs %s, has %s: %w", id, delta.Neg(), p.Cash, ledger.ErrInsufficientFunds)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("update cash: %w", err)
	}
	return decimal.NewFromString(raw)
}

func (t *transaction) Holding(ctx context.Context, portfolio uuid.UUID, exchange, ticker string) (ledger.Holding, error) {
	h := ledger.Holding{PortfolioID: portfolio, Exchange: strings.ToUpper(exchange), Ticker: strings.ToUpper(ticker)}
	err := t.tx.QueryRow(ctx, `
SELECT quantity FROM holdings WHERE portfolio_id = $1::uuid AND exchange = $2 AND ticker = $3`,
		portfolio.String(), h.Exchange, h.Ticker).Scan(&h.Quantity)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return h, fmt.Errorf("get holding: %w", err)
	}
	return h, nil
}

func (t *transaction) Holdings(ctx context.Context, portfolio uuid.UUID) ([]ledger.Holding, error) {
	rows, err := t.tx.Query(ctx, `
SELECT exchange, ticker, quantity FROM holdings WHERE portfolio_id = $1::uuid ORDER BY seq`, portfolio.String())
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	defer rows.Close()
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
	h := ledger.Holding{PortfolioID: portfolio, Exchange: strings.ToUpper(exchange), Ticker: strings.ToUpper(ticker)}
	var err error
	if delta >= 0 {
		err = t.tx.QueryRow(ctx, `
INSERT INTO holdings (portfolio_id, exchange, ticker, quantity) VALUES ($1::uuid, $2, $3, $4)
ON CONFLICT (portfolio_id, exchange, ticker) DO UPDATE SET quantity = holdings.quantity + excluded.quantity
RETURNING quantity`, portfolio.String(), h.Exchange, h.Ticker, delta).Scan(&h.Quantity)
	} else {
		err = t.tx.QueryRow(ctx, `
UPDATE holdings SET quantity = quantity + $4
WHERE portfolio_id = $1::uuid AND exchange = $2 AND ticker = $3 AND quantity + $4 >= 0
RETURNING quantity`, portfolio.String(), h.Exchange, h.Ticker, delta).Scan(&h.Quantity)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := t.Holding(ctx, portfolio, exchange, ticker)
		if getErr != nil {
			return h, getErr
		}
		return current, fmt.Errorf("%s:%s in %s needs %d, has %d: %w", h.Exchange, h.Ticker, portfolio, -delta, current.Quantity, ledger.ErrInsufficientInventory)
	}
	if err != nil {
		return h, fmt.Errorf("adjust holding: %w", err)
	}
	return h, nil
}

func (t *transaction) SaveOrder(ctx context.Context, o ledger.Order) error {
	if o.ID == uuid.Nil {
		return errors.New("ledger store: order id required")
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO orders (id, parent_id, portfolio_id, exchange, ticker, side, class, status, price, quantity, review_requested, created_at, updated_at)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
	class = excluded.class,
	status = excluded.status,
	price = excluded.price,
	quantity = excluded.quantity,
	review_requested = excluded.review_requested,
	updated_at = excluded.updated_at`,
		o.ID.String(), optionalID(o.ParentID), o.PortfolioID.String(), o.Exchange, o.Ticker,
		string(o.Side), string(o.Class), string(o.Status), o.Price.String(), o.Quantity,
		o.ReviewRequested, o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

const orderColumns = `id::text, COALESCE(parent_id::text, ''), portfolio_id::text, exchange, ticker, side, class, status, price::text, quantity, review_requested, created_at, updated_at`

// Order locks the row for the rest of the transaction.
func (t *transaction) Order(ctx context.Context, id uuid.UUID) (ledger.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1::uuid FOR UPDATE`, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Order{}, fmt.Errorf("order %s: %w", id, ledger.ErrNotFound)
	}
	return o, err
}

func (t *transaction) Children(ctx context.Context, parent uuid.UUID) ([]ledger.Order, error) {
	if parent == uuid.Nil {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE parent_id = $1::uuid ORDER BY seq`, parent.String())
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
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
		return errors.New("ledger store: transfer id required")
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO transfers (id, portfolio_id, kind, amount, currency, status, order_id, counterparty, created_at, updated_at)
VALUES ($1::uuid, $2::uuid, $3, $4::numeric, $5, $6, $7::uuid, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	status = excluded.status,
	amount = excluded.amount,
	counterparty = excluded.counterparty,
	updated_at = excluded.updated_at`,
		tr.ID.String(), tr.PortfolioID.String(), string(tr.Kind), tr.Amount.String(), tr.Currency,
		string(tr.Status), optionalID(tr.OrderID), tr.Counterparty, tr.CreatedAt.UTC(), tr.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save transfer: %w", err)
	}
	return nil
}

func (t *transaction) Transfer(ctx context.Context, id uuid.UUID) (ledger.Transfer, error) {
	var (
		tr                   ledger.Transfer
		portfolio, orderID   string
		kind, status, amount string
	)
	err := t.tx.QueryRow(ctx, `
SELECT portfolio_id::text, kind, amount::text, currency, status, COALESCE(order_id::text, ''), counterparty, created_at, updated_at
FROM transfers WHERE id = $1::uuid FOR UPDATE`, id.String()).
		Scan(&portfolio, &kind, &amount, &tr.Currency, &status, &orderID, &tr.Counterparty, &tr.CreatedAt, &tr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transfer{}, fmt.Errorf("transfer %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Transfer{}, fmt.Errorf("get transfer: %w", err)
	}
	tr.ID = id
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
	tr.CreatedAt = tr.CreatedAt.UTC()
	tr.UpdatedAt = tr.UpdatedAt.UTC()
	return tr, nil
}

func (t *transaction) SumTransfers(ctx context.Context, q ledger.TransferSum) (decimal.Decimal, error) {
	var raw string
	err := t.tx.QueryRow(ctx, `
SELECT COALESCE(SUM(amount), 0)::text FROM transfers
WHERE portfolio_id = $1::uuid AND kind = $2 AND status = $3 AND created_at >= $4`,
		q.PortfolioID.String(), string(q.Kind), string(q.Status), q.Since.UTC()).Scan(&raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum transfers: %w", err)
	}
	return decimal.NewFromString(raw)
}

func scanOrder(row pgx.Row) (ledger.Order, error) {
	var (
		o                          ledger.Order
		rawID, parent, portfolio   string
		side, class, status, price string
	)
	if err := row.Scan(&rawID, &parent, &portfolio, &o.Exchange, &o.Ticker, &side, &class, &status,
		&price, &o.Quantity, &o.ReviewRequested, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

// optionalID maps uuid.Nil to SQL NULL.
func optionalID(id uuid.UUID) *string {
	if id == uuid.Nil {
		return nil
	}
	s := id.String()
	return &s
}

func parseOptionalID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(raw)
}
