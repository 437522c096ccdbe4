package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rgehrsitz/invested/internal/brokerage"
	"rgehrsitz/invested/internal/ledger"
)

// masterName refers to the company portfolio inside a scenario.
const masterName = "company"

// scenario is a scripted session against the brokerage.
type scenario struct {
	Portfolios []portfolioSpec `json:"portfolios"`
	Holdings   []holdingSpec   `json:"holdings"`
	Steps      []step          `json:"steps"`
}

type portfolioSpec struct {
	Name string          `json:"name"`
	Role ledger.Role     `json:"role"`
	Cash decimal.Decimal `json:"cash"`
}

type holdingSpec struct {
	Portfolio string `json:"portfolio"`
	Exchange  string `json:"exchange"`
	Ticker    string `json:"ticker"`
	Quantity  int64  `json:"quantity"`
}

// step holds exactly one of its fields.
type step struct {
	Order    *orderStep    `json:"order,omitempty"`
	Transfer *transferStep `json:"transfer,omitempty"`
	Review   *reviewStep   `json:"review,omitempty"`
}

type orderStep struct {
	Portfolio       string          `json:"portfolio"`
	Exchange        string          `json:"exchange"`
	Ticker          string          `json:"ticker"`
	Side            ledger.Side     `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Quantity        int64           `json:"quantity"`
	ReviewRequested bool            `json:"review_requested"`
}

type transferStep struct {
	Portfolio string              `json:"portfolio"`
	Kind      ledger.TransferKind `json:"kind"`
	Amount    decimal.Decimal     `json:"amount"`
}

// reviewStep decides on the entity submitted by an earlier step, counted
// from zero. Child selects a split child of an order step.
type reviewStep struct {
	Step     int    `json:"step"`
	Child    *int   `json:"child,omitempty"`
	Decision string `json:"decision"`
}

// stepResult is one line of the scenario report.
type stepResult struct {
	Step        int      `json:"step"`
	Kind        string   `json:"kind"`
	ID          string   `json:"id,omitempty"`
	Status      string   `json:"status,omitempty"`
	Class       string   `json:"class,omitempty"`
	Disposition string   `json:"disposition,omitempty"`
	Actions     []string `json:"actions,omitempty"`
	Children    []string `json:"children,omitempty"`
	// Filled is the completed quantity of a split order's children.
	Filled *int64 `json:"filled,omitempty"`
	Error  string `json:"error,omitempty"`
}

// balance is the closing state of one scenario portfolio.
type balance struct {
	Portfolio string           `json:"portfolio"`
	Cash      decimal.Decimal  `json:"cash"`
	Holdings  map[string]int64 `json:"holdings,omitempty"`
}

func decodeScenario(r io.Reader) (*scenario, error) {
	var s scenario
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	for i, st := range s.Steps {
		n := 0
		for _, set := range []bool{st.Order != nil, st.Transfer != nil, st.Review != nil} {
			if set {
				n++
			}
		}
		if n != 1 {
			return nil, fmt.Errorf("scenario step %d must hold exactly one of order, transfer or review", i)
		}
	}
	return &s, nil
}

type runner struct {
	app        *app
	portfolios map[string]uuid.UUID
	submitted  map[int]submission
}

// submission records what a step created. ids[0] is the submitted entity,
// the rest are split children.
type submission struct {
	transfer bool
	ids      []uuid.UUID
}

func runScenario(ctx context.Context, a *app, s *scenario) ([]stepResult, error) {
	r, err := newRunner(ctx, a, s)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, s.Steps)
}

// newRunner opens the scenario's portfolios and seeds its holdings.
func newRunner(ctx context.Context, a *app, s *scenario) (*runner, error) {
	r := &runner{
		app:        a,
		portfolios: map[string]uuid.UUID{masterName: a.master},
		submitted:  make(map[int]submission),
	}
	for _, p := range s.Portfolios {
		if _, ok := r.portfolios[p.Name]; ok {
			return nil, fmt.Errorf("portfolio %q declared twice", p.Name)
		}
		opened, err := a.service.OpenPortfolio(ctx, p.Role, p.Name, p.Cash)
		if err != nil {
			return nil, fmt.Errorf("portfolio %q: %w", p.Name, err)
		}
		r.portfolios[p.Name] = opened.ID
	}
	for _, h := range s.Holdings {
		id, err := r.portfolio(h.Portfolio)
		if err != nil {
			return nil, err
		}
		err = a.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			_, err := tx.AdjustHolding(ctx, id, h.Exchange, h.Ticker, h.Quantity)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("holding %s/%s for %q: %w", h.Exchange, h.Ticker, h.Portfolio, err)
		}
	}

	return r, nil
}

func (r *runner) run(ctx context.Context, steps []step) ([]stepResult, error) {
	results := make([]stepResult, 0, len(steps))
	for i, st := range steps {
		res, err := r.step(ctx, i, st)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// balances reports cash and holdings for every named portfolio, sorted by name.
func (r *runner) balances(ctx context.Context) ([]balance, error) {
	names := make([]string, 0, len(r.portfolios))
	for name := range r.portfolios {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]balance, 0, len(names))
	err := r.app.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		for _, name := range names {
			p, err := tx.Portfolio(ctx, r.portfolios[name])
			if err != nil {
				return err
			}
			holdings, err := tx.Holdings(ctx, p.ID)
			if err != nil {
				return err
			}
			b := balance{Portfolio: name, Cash: p.Cash}
			for _, h := range holdings {
				if h.Quantity == 0 {
					continue
				}
				if b.Holdings == nil {
					b.Holdings = make(map[string]int64)
				}
				b.Holdings[h.Exchange+":"+h.Ticker] = h.Quantity
			}
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}
	return out, nil
}

func (r *runner) portfolio(name string) (uuid.UUID, error) {
	id, ok := r.portfolios[name]
	if !ok {
		return uuid.Nil, fmt.Errorf("unknown portfolio %q", name)
	}
	return id, nil
}

// step runs one scenario step. Rule set failures are reported in the result;
// only malformed steps stop the scenario.
func (r *runner) step(ctx context.Context, i int, st step) (stepResult, error) {
	switch {
	case st.Order != nil:
		id, err := r.portfolio(st.Order.Portfolio)
		if err != nil {
			return stepResult{}, fmt.Errorf("step %d: %w", i, err)
		}
		res, err := r.app.service.SubmitOrder(ctx, brokerage.OrderRequest{
			PortfolioID:     id,
			Exchange:        st.Order.Exchange,
			Ticker:          st.Order.Ticker,
			Side:            st.Order.Side,
			Price:           st.Order.Price,
			Quantity:        st.Order.Quantity,
			ReviewRequested: st.Order.ReviewRequested,
		})
		r.remember(i, res)
		out := orderResult(i, res, err)
		if err == nil && res.Order.Class == ledger.ClassSplit {
			split, err := r.app.service.SplitSummary(ctx, res.Order.ID)
			if err != nil {
				return stepResult{}, fmt.Errorf("step %d: %w", i, err)
			}
			out.Filled = &split.Filled
		}
		return out, nil

	case st.Transfer != nil:
		id, err := r.portfolio(st.Transfer.Portfolio)
		if err != nil {
			return stepResult{}, fmt.Errorf("step %d: %w", i, err)
		}
		t, out, err := r.app.service.SubmitTransfer(ctx, brokerage.TransferRequest{
			PortfolioID: id,
			Kind:        st.Transfer.Kind,
			Amount:      st.Transfer.Amount,
		})
		if t.ID != uuid.Nil {
			r.submitted[i] = submission{transfer: true, ids: []uuid.UUID{t.ID}}
		}
		res := stepResult{Step: i, Kind: "transfer", Actions: out.Actions, Disposition: out.Disposition.String()}
		if t.ID != uuid.Nil {
			res.ID, res.Status = t.ID.String(), string(t.Status)
		}
		if err != nil {
			res.Error = err.Error()
		}
		return res, nil

	default:
		return r.review(ctx, i, *st.Review)
	}
}

func (r *runner) remember(i int, res brokerage.OrderResult) {
	if res.Order.ID == uuid.Nil {
		return
	}
	ids := []uuid.UUID{res.Order.ID}
	for _, c := range res.Children {
		ids = append(ids, c.Order.ID)
	}
	r.submitted[i] = submission{ids: ids}
}

func (r *runner) review(ctx context.Context, i int, rv reviewStep) (stepResult, error) {
	var d brokerage.Decision
	switch strings.ToLower(rv.Decision) {
	case "approve":
		d = brokerage.Approve
	case "deny":
		d = brokerage.Deny
	default:
		return stepResult{}, fmt.Errorf("step %d: unknown decision %q", i, rv.Decision)
	}
	if rv.Step < 0 || rv.Step >= i {
		return stepResult{}, fmt.Errorf("step %d: review must refer to an earlier step", i)
	}
	sub := r.submitted[rv.Step]
	ids := sub.ids
	pick := 0
	if rv.Child != nil {
		pick = *rv.Child + 1
	}
	if pick >= len(ids) {
		return stepResult{}, fmt.Errorf("step %d: step %d has no such entity", i, rv.Step)
	}
	id := ids[pick]

	if sub.transfer {
		t, out, err := r.app.service.ReviewTransfer(ctx, id, d)
		res := stepResult{Step: i, Kind: "review", ID: id.String(), Actions: out.Actions, Disposition: out.Disposition.String()}
		if t.ID != uuid.Nil {
			res.Status = string(t.Status)
		}
		if err != nil {
			res.Error = err.Error()
		}
		return res, nil
	}
	res, err := r.app.service.ReviewOrder(ctx, id, d)
	out := orderResult(i, res, err)
	out.Kind = "review"
	out.ID = id.String()
	return out, nil
}

func orderResult(i int, res brokerage.OrderResult, err error) stepResult {
	out := stepResult{
		Step:        i,
		Kind:        "order",
		Actions:     res.Outcome.Actions,
		Disposition: res.Outcome.Disposition.String(),
	}
	if res.Order.ID != uuid.Nil {
		out.ID = res.Order.ID.String()
		out.Status = string(res.Order.Status)
		out.Class = string(res.Order.Class)
	}
	for _, c := range res.Children {
		out.Children = append(out.Children, fmt.Sprintf("%s %s %d %s", c.Order.ID, c.Order.Class, c.Order.Quantity, c.Order.Status))
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
