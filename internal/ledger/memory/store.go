// Package memory provides an in-memory ledger store. Transactions are
// serialised and run against a copy of the state that replaces the live state
// only when the callback succeeds.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rgehrsitz/invested/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

type holdingKey struct {
	portfolio uuid.UUID
	exchange  string
	ticker    string
}

func keyOf(portfolio uuid.UUID, exchange, ticker string) holdingKey {
	return holdingKey{portfolio: portfolio, exchange: strings.ToUpper(exchange), ticker: strings.ToUpper(ticker)}
}

type state struct {
	portfolios  map[uuid.UUID]ledger.Portfolio
	holdings    map[holdingKey]ledger.Holding
	holdingSeq  []holdingKey
	orders      map[uuid.UUID]ledger.Order
	orderSeq    []uuid.UUID
	transfers   map[uuid.UUID]ledger.Transfer
	transferSeq []uuid.UUID
}

func newState() state {
	return state{
		portfolios: make(map[uuid.UUID]ledger.Portfolio),
		holdings:   make(map[holdingKey]ledger.Holding),
		orders:     make(map[uuid.UUID]ledger.Order),
		transfers:  make(map[uuid.UUID]ledger.Transfer),
	}
}

// clone copies the maps; records are values so a shallow copy is enough.
func (s state) clone() state {
	out := state{
		portfolios:  make(map[uuid.UUID]ledger.Portfolio, len(s.portfolios)),
		holdings:    make(map[holdingKey]ledger.Holding, len(s.holdings)),
		holdingSeq:  append([]holdingKey(nil), s.holdingSeq...),
		orders:      make(map[uuid.UUID]ledger.Order, len(s.orders)),
		orderSeq:    append([]uuid.UUID(nil), s.orderSeq...),
		transfers:   make(map[uuid.UUID]ledger.Transfer, len(s.transfers)),
		transferSeq: append([]uuid.UUID(nil), s.transferSeq...),
	}
	for k, v := range s.portfolios {
		out.portfolios[k] = v
	}
	for k, v := range s.holdings {
		out.holdings[k] = v
	}
	for k, v := range s.orders {
		out.orders[k] = v
	}
	for k, v := range s.transfers {
		out.transfers[k] = v
	}
	return out
}

// Store is the in-memory ledger.
type Store struct {
	mu     sync.Mutex
	state  state
	closed bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// WithTx runs fn against a private copy of the state and commits it on success.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	if fn == nil {
		return errors.New("memory store: transaction callback required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("memory store: closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &transaction{state: s.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// Close marks the store unusable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type transaction struct {
	state state
}

func (tx *transaction) CreatePortfolio(_ context.Context, p ledger.Portfolio) error {
	if _, ok := tx.state.portfolios[p.ID]; ok {
		return fmt.Errorf("portfolio %s: %w", p.ID, ledger.ErrExists)
	}
	tx.state.portfolios[p.ID] = p
	return nil
}

func (tx *transaction) Portfolio(_ context.Context, id uuid.UUID) (ledger.Portfolio, error) {
	p, ok := tx.state.portfolios[id]
	if !ok {
		return ledger.Portfolio{}, fmt.Errorf("portfolio %s: %w", id, ledger.ErrNotFound)
	}
	return p, nil
}

func (tx *transaction) AdjustCash(_ context.Context, id uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error) {
	p, ok := tx.state.portfolios[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("portfolio %s: %w", id, ledger.ErrNotFound)
	}
	next := p.Cash.Add(delta)
	if next.IsNegative() {
		return p.Cash, fmt.Errorf("portfolio %s needs %s, has %s: %w", id, delta.Neg(), p.Cash, ledger.ErrInsufficientFunds)
	}
	p.Cash = next
	tx.state.portfolios[id] = p
	return next, nil
}

func (tx *transaction) Holding(_ context.Context, portfolio uuid.UUID, exchange, ticker string) (ledger.Holding, error) {
	k := keyOf(portfolio, exchange, ticker)
	if h, ok := tx.state.holdings[k]; ok {
		return h, nil
	}
	return ledger.Holding{PortfolioID: portfolio, Exchange: k.exchange, Ticker: k.ticker}, nil
}

func (tx *transaction) Holdings(_ context.Context, portfolio uuid.UUID) ([]ledger.Holding, error) {
	var out []ledger.Holding
	for _, k := range tx.state.holdingSeq {
		if k.portfolio == portfolio {
			out = append(out, tx.state.holdings[k])
		}
	}
	return out, nil
}

func (tx *transaction) AdjustHolding(_ context.Context, portfolio uuid.UUID, exchange, ticker string, delta int64) (ledger.Holding, error) {
	k := keyOf(portfolio, exchange, ticker)
	h, ok := tx.state.holdings[k]
	if !ok {
		h = ledger.Holding{PortfolioID: portfolio, Exchange: k.exchange, Ticker: k.ticker}
	}
	if h.Quantity+delta < 0 {
		return h, fmt.Errorf("%s:%s in %s needs %d, has %d: %w", k.exchange, k.ticker, portfolio, -delta, h.Quantity, ledger.ErrInsufficientInventory)
	}
	h.Quantity += delta
	if !ok {
		tx.state.holdingSeq = append(tx.state.holdingSeq, k)
	}
	tx.state.holdings[k] = h
	return h, nil
}

func (tx *transaction) SaveOrder(_ context.Context, o ledger.Order) error {
	if o.ID == uuid.Nil {
		return errors.New("memory store: order id required")
	}
	if _, ok := tx.state.orders[o.ID]; !ok {
		tx.state.orderSeq = append(tx.state.orderSeq, o.ID)
	}
	tx.state.orders[o.ID] = o
	return nil
}

func (tx *transaction) Order(_ context.Context, id uuid.UUID) (ledger.Order, error) {
	o, ok := tx.state.orders[id]
	if !ok {
		return ledger.Order{}, fmt.Errorf("order %s: %w", id, ledger.ErrNotFound)
	}
	return o, nil
}

func (tx *transaction) Children(_ context.Context, parent uuid.UUID) ([]ledger.Order, error) {
	var out []ledger.Order
	for _, id := range tx.state.orderSeq {
		if o := tx.state.orders[id]; o.ParentID == parent && parent != uuid.Nil {
			out = append(out, o)
		}
	}
	return out, nil
}

func (tx *transaction) SaveTransfer(_ context.Context, t ledger.Transfer) error {
	if t.ID == uuid.Nil {
		return errors.New("memory store: transfer id required")
	}
	if _, ok := tx.state.transfers[t.ID]; !ok {
		tx.state.transferSeq = append(tx.state.transferSeq, t.ID)
	}
	tx.state.transfers[t.ID] = t
	return nil
}

func (tx *transaction) Transfer(_ context.Context, id uuid.UUID) (ledger.Transfer, error) {
	t, ok := tx.state.transfers[id]
	if !ok {
		return ledger.Transfer{}, fmt.Errorf("transfer %s: %w", id, ledger.ErrNotFound)
	}
	return t, nil
}

func (tx *transaction) SumTransfers(_ context.Context, q ledger.TransferSum) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, t := range tx.state.transfers {
		if t.PortfolioID != q.PortfolioID || t.Kind != q.Kind || t.Status != q.Status {
			continue
		}
		if t.CreatedAt.Before(q.Since) {
			continue
		}
		total = total.Add(t.Amount)
	}
	return total, nil
}
