// Package brokerage is the entry point for client activity: it validates and
// persists new orders and transfers, runs them through their rule sets, and
// applies broker decisions to parked entities.
package brokerage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"rgehrsitz/invested/internal/ledger"
	"rgehrsitz/invested/internal/lifecycle"
	"rgehrsitz/invested/internal/orders"
	"rgehrsitz/invested/internal/transfers"
)

var (
	ErrInvalidOrder    = errors.New("brokerage: invalid order")
	ErrInvalidTransfer = errors.New("brokerage: invalid transfer")
	ErrNotUnderReview  = errors.New("brokerage: not under review")
	ErrNotSplit        = errors.New("brokerage: order was not split")
)

// Decision is a broker's ruling on an entity under review.
type Decision int

const (
	Approve Decision = iota
	Deny
)

func (d Decision) String() string {
	if d == Approve {
		return "approve"
	}
	return "deny"
}

// Service wires the ledger to the order and transfer rule sets.
type Service struct {
	store     ledger.Store
	orders    *orders.Rules
	transfers *transfers.Rules
	workers   int
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithWorkers bounds the goroutines ProcessOrders uses.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a service.
func New(store ledger.Store, o *orders.Rules, t *transfers.Rules, opts ...Option) (*Service, error) {
	if store == nil || o == nil || t == nil {
		return nil, errors.New("brokerage: store and both rule sets are required")
	}
	s := &Service{
		store:     store,
		orders:    o,
		transfers: t,
		workers:   4,
		logger:    log.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OpenPortfolio creates a portfolio with an opening cash balance.
func (s *Service) OpenPortfolio(ctx context.Context, role ledger.Role, name string, cash decimal.Decimal) (ledger.Portfolio, error) {
	if !role.Valid() {
		return ledger.Portfolio{}, fmt.Errorf("brokerage: unknown role %q", role)
	}
	if cash.IsNegative() {
		return ledger.Portfolio{}, fmt.Errorf("brokerage: opening cash %s is negative", cash)
	}
	p := ledger.Portfolio{ID: uuid.New(), Role: role, Name: strings.TrimSpace(name), Cash: cash, CreatedAt: s.now()}
	if err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.CreatePortfolio(ctx, p)
	}); err != nil {
		return ledger.Portfolio{}, err
	}
	s.logger.Info().Str("portfolio", p.ID.String()).Str("role", string(role)).Msg("Opened portfolio")
	return p, nil
}

// OrderRequest is a client order before it is persisted.
type OrderRequest struct {
	PortfolioID     uuid.UUID       `json:"portfolio_id"`
	Exchange        string          `json:"exchange"`
	Ticker          string          `json:"ticker"`
	Side            ledger.Side     `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Quantity        int64           `json:"quantity"`
	ReviewRequested bool            `json:"review_requested"`
}

func (r OrderRequest) validate() error {
	var problems []string
	if r.PortfolioID == uuid.Nil {
		problems = append(problems, "portfolio id is required")
	}
	if strings.TrimSpace(r.Exchange) == "" {
		problems = append(problems, "exchange is required")
	}
	if strings.TrimSpace(r.Ticker) == "" {
		problems = append(problems, "ticker is required")
	}
	if r.Side != ledger.Buy && r.Side != ledger.Sell {
		problems = append(problems, fmt.Sprintf("unknown side %q", r.Side))
	}
	if !r.Price.IsPositive() {
		problems = append(problems, "price must be positive")
	}
	if r.Quantity <= 0 {
		problems = append(problems, "quantity must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidOrder, strings.Join(problems, "; "))
	}
	return nil
}

// OrderResult is the state of an order after processing. Children holds the
// results of split children, in the order they were created.
type OrderResult struct {
	Order    ledger.Order
	Outcome  lifecycle.Outcome
	Children []OrderResult
}

// SubmitOrder validates and persists an order in processing, then runs it.
// A split order's children are run before SubmitOrder returns.
func (s *Service) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := req.validate(); err != nil {
		return OrderResult{}, err
	}
	now := s.now()
	o := ledger.Order{
		ID:              uuid.New(),
		PortfolioID:     req.PortfolioID,
		Exchange:        strings.ToUpper(strings.TrimSpace(req.Exchange)),
		Ticker:          strings.ToUpper(strings.TrimSpace(req.Ticker)),
		Side:            req.Side,
		Class:           ledger.ClassUndetermined,
		Status:          ledger.StatusProcessing,
		Price:           req.Price,
		Quantity:        req.Quantity,
		ReviewRequested: req.ReviewRequested,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.Portfolio(ctx, o.PortfolioID); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
			}
			return err
		}
		return tx.SaveOrder(ctx, o)
	})
	if err != nil {
		return OrderResult{}, err
	}
	s.logger.Info().
		Str("order", o.ID.String()).
		Str("side", string(o.Side)).
		Str("ticker", o.Ticker).
		Int64("quantity", o.Quantity).
		Msg("Submitted order")
	return s.runOrder(ctx, o.ID)
}

func (s *Service) runOrder(ctx context.Context, id uuid.UUID) (OrderResult, error) {
	v, out, err := s.orders.Process(ctx, id)
	if err != nil {
		return OrderResult{Outcome: out}, err
	}
	res := OrderResult{Order: v.Order, Outcome: out}
	if v.Order.Class != ledger.ClassSplit {
		return res, nil
	}
	kids, err := s.children(ctx, id)
	if err != nil {
		return res, err
	}
	for _, k := range kids {
		if k.Status.Terminal() || k.Status == ledger.StatusUnderReview {
			res.Children = append(res.Children, OrderResult{Order: k, Outcome: lifecycle.Outcome{Disposition: dispositionOf(k.Status)}})
			continue
		}
		child, err := s.runOrder(ctx, k.ID)
		if err != nil {
			return res, fmt.Errorf("split child %s: %w", k.ID, err)
		}
		res.Children = append(res.Children, child)
	}
	return res, nil
}

func dispositionOf(status ledger.Status) lifecycle.Disposition {
	switch {
	case status.Terminal():
		return lifecycle.Terminal
	case status == ledger.StatusUnderReview:
		return lifecycle.Suspend
	default:
		return lifecycle.Continue
	}
}

func (s *Service) children(ctx context.Context, id uuid.UUID) ([]ledger.Order, error) {
	var kids []ledger.Order
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		kids, err = tx.Children(ctx, id)
		return err
	})
	return kids, err
}

// TransferRequest is a cash movement before it is persisted.
type TransferRequest struct {
	PortfolioID  uuid.UUID           `json:"portfolio_id"`
	Kind         ledger.TransferKind `json:"kind"`
	Amount       decimal.Decimal     `json:"amount"`
	Currency     string              `json:"currency,omitempty"`
	Counterparty string              `json:"counterparty,omitempty"`
}

// SubmitTransfer persists a transfer in processing and runs it. Amount limits
// are left to the rule set, which rejects what it does not accept. Trade cash
// kinds are refused: order settlement posts those itself.
func (s *Service) SubmitTransfer(ctx context.Context, req TransferRequest) (ledger.Transfer, lifecycle.Outcome, error) {
	if req.PortfolioID == uuid.Nil {
		return ledger.Transfer{}, lifecycle.Outcome{}, fmt.Errorf("%w: portfolio id is required", ErrInvalidTransfer)
	}
	if !req.Kind.Valid() {
		return ledger.Transfer{}, lifecycle.Outcome{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidTransfer, req.Kind)
	}
	if req.Kind.Trade() {
		return ledger.Transfer{}, lifecycle.Outcome{}, fmt.Errorf("%w: %s is posted by order settlement", ErrInvalidTransfer, req.Kind)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = ledger.DefaultCurrency
	}
	now := s.now()
	t := ledger.Transfer{
		ID:           uuid.New(),
		PortfolioID:  req.PortfolioID,
		Kind:         req.Kind,
		Amount:       req.Amount,
		Currency:     currency,
		Status:       ledger.StatusProcessing,
		Counterparty: req.Counterparty,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.Portfolio(ctx, t.PortfolioID); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return fmt.Errorf("%w: %v", ErrInvalidTransfer, err)
			}
			return err
		}
		return tx.SaveTransfer(ctx, t)
	})
	if err != nil {
		return ledger.Transfer{}, lifecycle.Outcome{}, err
	}
	s.logger.Info().
		Str("transfer", t.ID.String()).
		Str("kind", string(t.Kind)).
		Str("amount", t.Amount.String()).
		Msg("Submitted transfer")
	return s.runTransfer(ctx, t.ID)
}

func (s *Service) runTransfer(ctx context.Context, id uuid.UUID) (ledger.Transfer, lifecycle.Outcome, error) {
	v, out, err := s.transfers.Process(ctx, id)
	if err != nil {
		return ledger.Transfer{}, out, err
	}
	return v.Transfer, out, nil
}

func decide(d Decision) ledger.Status {
	if d == Approve {
		return ledger.StatusApproved
	}
	return ledger.StatusRejected
}

// ReviewOrder applies a broker decision to an order under review and runs it
// again. Approved orders go on to settlement.
func (s *Service) ReviewOrder(ctx context.Context, id uuid.UUID, d Decision) (OrderResult, error) {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		o, err := tx.Order(ctx, id)
		if err != nil {
			return err
		}
		if o.Status != ledger.StatusUnderReview {
			return fmt.Errorf("order %s is %s: %w", id, o.Status, ErrNotUnderReview)
		}
		o.Status = decide(d)
		o.UpdatedAt = s.now()
		return tx.SaveOrder(ctx, o)
	})
	if err != nil {
		return OrderResult{}, err
	}
	s.logger.Info().Str("order", id.String()).Str("decision", d.String()).Msg("Reviewed order")
	return s.runOrder(ctx, id)
}

// ReviewTransfer applies a broker decision to a transfer under review and
// runs it again.
func (s *Service) ReviewTransfer(ctx context.Context, id uuid.UUID, d Decision) (ledger.Transfer, lifecycle.Outcome, error) {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		t, err := tx.Transfer(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != ledger.StatusUnderReview {
			return fmt.Errorf("transfer %s is %s: %w", id, t.Status, ErrNotUnderReview)
		}
		t.Status = decide(d)
		t.UpdatedAt = s.now()
		return tx.SaveTransfer(ctx, t)
	})
	if err != nil {
		return ledger.Transfer{}, lifecycle.Outcome{}, err
	}
	s.logger.Info().Str("transfer", id.String()).Str("decision", d.String()).Msg("Reviewed transfer")
	return s.runTransfer(ctx, id)
}

// BatchResult is the result of one order in a ProcessOrders batch.
type BatchResult struct {
	ID     uuid.UUID
	Result OrderResult
	Err    error
}

// ProcessOrders runs many orders concurrently on a bounded pool. Each order
// is still processed sequentially. Results line up with ids.
func (s *Service) ProcessOrders(ctx context.Context, ids []uuid.UUID) []BatchResult {
	results := make([]BatchResult, len(ids))
	p := pool.New().WithMaxGoroutines(s.workers)
	for i, id := range ids {
		p.Go(func() {
			res, err := s.runOrder(ctx, id)
			results[i] = BatchResult{ID: id, Result: res, Err: err}
		})
	}
	p.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	s.logger.Info().Int("orders", len(ids)).Int("failed", failed).Int("workers", s.workers).Msg("Processed order batch")
	return results
}

// Split summarises a split parent and its children.
type Split struct {
	Parent   ledger.Order
	Children []ledger.Order
	// Filled is the quantity of completed children.
	Filled int64
	// Done reports whether every child reached a terminal status.
	Done bool
}

// SplitSummary loads a split parent with its children.
func (s *Service) SplitSummary(ctx context.Context, id uuid.UUID) (Split, error) {
	var out Split
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		if out.Parent, err = tx.Order(ctx, id); err != nil {
			return err
		}
		if out.Parent.Class != ledger.ClassSplit {
			return fmt.Errorf("order %s is %s: %w", id, out.Parent.Class, ErrNotSplit)
		}
		out.Children, err = tx.Children(ctx, id)
		return err
	})
	if err != nil {
		return Split{}, err
	}
	out.Done = true
	for _, c := range out.Children {
		if c.Status == ledger.StatusCompleted {
			out.Filled += c.Quantity
		}
		if !c.Status.Terminal() {
			out.Done = false
		}
	}
	return out, nil
}
