// Package orders is the stock order rule set: the conditions and actions
// that move an order from submission to settlement, declared over a
// decision table.
package orders

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rgehrsitz/invested/internal/config"
	"rgehrsitz/invested/internal/dtable"
	"rgehrsitz/invested/internal/ledger"
	"rgehrsitz/invested/internal/lifecycle"
	"rgehrsitz/invested/internal/preprocessor"
)

// TableName names the stock order table.
const TableName = "stock_orders"

//go:embed cases.yaml
var caseDocument []byte

// CaseDocument returns the embedded case definitions.
func CaseDocument() []byte {
	out := make([]byte, len(caseDocument))
	copy(out, caseDocument)
	return out
}

// Deps are the collaborators a rule set reads and writes.
type Deps struct {
	Store    ledger.Store
	Settings *config.Source
	// Master is the company portfolio that fills internal orders.
	Master uuid.UUID
	Now    func() time.Time
}

// Rules binds the stock order table to its collaborators.
type Rules struct {
	store    ledger.Store
	settings *config.Source
	master   uuid.UUID
	now      func() time.Time

	table     *dtable.Table[*View]
	processor *lifecycle.Processor[*View]
}

// New builds the rule set. Unmatched orders are a lifecycle.NoMatchError
// unless opts supply a fallback.
func New(deps Deps, opts ...lifecycle.Option) (*Rules, error) {
	if deps.Store == nil {
		return nil, errors.New("orders: store is required")
	}
	if deps.Settings == nil {
		return nil, errors.New("orders: settings source is required")
	}
	if deps.Master == uuid.Nil {
		return nil, errors.New("orders: master portfolio is required")
	}
	r := &Rules{
		store:    deps.Store,
		settings: deps.Settings,
		master:   deps.Master,
		now:      deps.Now,
		table:    dtable.New[*View](TableName),
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if err := r.register(); err != nil {
		return nil, err
	}
	if _, err := preprocessor.LoadBytes(r.table, caseDocument); err != nil {
		return nil, fmt.Errorf("orders: load cases: %w", err)
	}
	p, err := lifecycle.New(r.table, opts...)
	if err != nil {
		return nil, err
	}
	r.processor = p
	return r, nil
}

func (r *Rules) register() error {
	conditions := []struct {
		name string
		pred dtable.Predicate[*View]
	}{
		{"status_processing", func(v *View) bool { return v.Order.Status == ledger.StatusProcessing }},
		{"status_approved", func(v *View) bool { return v.Order.Status == ledger.StatusApproved }},
		{"side_buy", func(v *View) bool { return v.Order.Side == ledger.Buy }},
		{"broker_review_requested", func(v *View) bool { return v.Order.ReviewRequested }},
		{"class_undetermined", func(v *View) bool { return v.Order.Class == ledger.ClassUndetermined }},
		{"class_internal", func(v *View) bool { return v.Order.Class == ledger.ClassInternal }},
		{"class_external", func(v *View) bool { return v.Order.Class == ledger.ClassExternal }},
		{"ticker_in_inventory", func(v *View) bool { return v.MasterHolding.Quantity > 0 }},
		{"quantity_in_inventory", func(v *View) bool { return v.MasterHolding.Quantity >= v.Order.Quantity }},
		{"within_internal_value", func(v *View) bool { return v.value().LessThan(v.Policy.InternalValueThreshold) }},
		{"within_internal_share", func(v *View) bool {
			share, ok := v.internalShare()
			return ok && share.LessThan(v.Policy.InternalProportionThreshold)
		}},
		{"within_external_value", func(v *View) bool { return v.value().LessThan(v.Policy.ExternalValueThreshold) }},
		{"within_external_share", func(v *View) bool {
			share, ok := v.externalShare()
			return ok && share.LessThan(v.Policy.ExternalProportionThreshold)
		}},
		{"value_within_cash", func(v *View) bool { return v.value().LessThanOrEqual(v.Client.Cash) }},
		{"holds_shares", func(v *View) bool { return v.ClientHolding.Quantity >= v.Order.Quantity }},
		{"master_covers_value", func(v *View) bool { return v.value().LessThanOrEqual(v.MasterCash) }},
	}
	for _, c := range conditions {
		if err := r.table.RegisterCondition(c.name, c.pred); err != nil {
			return err
		}
	}

	actions := []struct {
		name string
		proc dtable.Procedure[*View]
	}{
		{"mark_internal", r.setClass(ledger.ClassInternal)},
		{"mark_external", r.setClass(ledger.ClassExternal)},
		{"split_order", r.split},
		{"approve", r.setStatus(ledger.StatusApproved)},
		{"request_review", r.setStatus(ledger.StatusUnderReview)},
		{"requeue", r.requeue},
		{"settle_buy", r.settleBuy},
		{"settle_sell", r.settleSell},
		{"reject", r.setStatus(ledger.StatusRejected)},
	}
	for _, a := range actions {
		if err := r.table.RegisterAction(a.name, a.proc); err != nil {
			return err
		}
	}
	return nil
}

// Table exposes the decision table, for rendering and inspection.
func (r *Rules) Table() *dtable.Table[*View] {
	return r.table
}

// Master returns the company portfolio id.
func (r *Rules) Master() uuid.UUID {
	return r.master
}

// View loads the current view of an order.
func (r *Rules) View(ctx context.Context, id uuid.UUID) (*View, error) {
	v := &View{rules: r, Policy: r.settings.Policy().Stock}
	err := r.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		if v.Order, err = tx.Order(ctx, id); err != nil {
			return err
		}
		if v.Client, err = tx.Portfolio(ctx, v.Order.PortfolioID); err != nil {
			return err
		}
		if v.ClientHolding, err = tx.Holding(ctx, v.Order.PortfolioID, v.Order.Exchange, v.Order.Ticker); err != nil {
			return err
		}
		if v.MasterHolding, err = tx.Holding(ctx, r.master, v.Order.Exchange, v.Order.Ticker); err != nil {
			return err
		}
		master, err := tx.Portfolio(ctx, r.master)
		v.MasterCash = master.Cash
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return v, nil
}

// Process drives the order until it settles, is rejected, or waits on a
// broker decision or split children.
func (r *Rules) Process(ctx context.Context, id uuid.UUID) (*View, lifecycle.Outcome, error) {
	v, err := r.View(ctx, id)
	if err != nil {
		return nil, lifecycle.Outcome{}, err
	}
	out, err := r.processor.Process(ctx, v)
	return v, out, err
}
