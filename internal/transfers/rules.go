// Package transfers is the cash transfer rule set: deposits, withdrawals and
// trade cash movements checked against the client cash limits.
package transfers

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

// TableName names the cash transfer table.
const TableName = "cash_transfers"

// FallbackAction runs when no case matches a transfer.
const FallbackAction = "reject"

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
	Now      func() time.Time
}

// Rules binds the cash transfer table to its collaborators.
type Rules struct {
	store    ledger.Store
	settings *config.Source
	now      func() time.Time

	table     *dtable.Table[*View]
	processor *lifecycle.Processor[*View]
}

// New builds the rule set. Unmatched transfers are rejected; opts may
// override the fallback.
func New(deps Deps, opts ...lifecycle.Option) (*Rules, error) {
	if deps.Store == nil {
		return nil, errors.New("transfers: store is required")
	}
	if deps.Settings == nil {
		return nil, errors.New("transfers: settings source is required")
	}
	r := &Rules{
		store:    deps.Store,
		settings: deps.Settings,
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
		return nil, fmt.Errorf("transfers: load cases: %w", err)
	}
	p, err := lifecycle.New(r.table, append([]lifecycle.Option{lifecycle.WithFallback(FallbackAction)}, opts...)...)
	if err != nil {
		return nil, err
	}
	r.processor = p
	return r, nil
}

func (r *Rules) register() error {
	kind := func(k ledger.TransferKind) dtable.Predicate[*View] {
		return func(v *View) bool { return v.Transfer.Kind == k }
	}
	owner := func(role ledger.Role) dtable.Predicate[*View] {
		return func(v *View) bool { return v.Owner.Role == role }
	}
	conditions := []struct {
		name string
		pred dtable.Predicate[*View]
	}{
		{"status_processing", func(v *View) bool { return v.Transfer.Status == ledger.StatusProcessing }},
		{"status_approved", func(v *View) bool { return v.Transfer.Status == ledger.StatusApproved }},
		{"kind_external_deposit", kind(ledger.ExternalDeposit)},
		{"kind_external_withdrawal", kind(ledger.ExternalWithdrawal)},
		{"kind_buy_cover", kind(ledger.BuyCover)},
		{"kind_sell_proceeds", kind(ledger.SellProceeds)},
		{"owner_client", owner(ledger.RoleClient)},
		{"owner_broker", owner(ledger.RoleBroker)},
		{"owner_company", owner(ledger.RoleCompany)},
		{"amount_positive", func(v *View) bool { return v.Transfer.Amount.IsPositive() }},
		{"within_deposit_bounds", func(v *View) bool {
			a := v.Transfer.Amount
			return a.GreaterThanOrEqual(v.Policy.ClientOneDepositMin) && a.LessThanOrEqual(v.Policy.ClientOneDepositMax)
		}},
		{"within_total_deposit_max", func(v *View) bool {
			return v.Owner.Cash.Add(v.Transfer.Amount).LessThanOrEqual(v.Policy.ClientTotalDepositMax)
		}},
		{"covered_by_cash", func(v *View) bool { return v.Transfer.Amount.LessThanOrEqual(v.Owner.Cash) }},
		{"within_withdrawal_window", func(v *View) bool {
			return v.WithdrawnInWindow.Add(v.Transfer.Amount).LessThanOrEqual(v.Policy.ClientWithdrawalMax)
		}},
		{"keeps_total_min", func(v *View) bool {
			return v.Owner.Cash.Sub(v.Transfer.Amount).GreaterThanOrEqual(v.Policy.ClientTotalDepositMin)
		}},
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
		{"credit_cash", r.move(1)},
		{"debit_cash", r.move(-1)},
		{"request_review", r.setStatus(ledger.StatusUnderReview)},
		{"reject", r.setStatus(ledger.StatusRejected)},
	}
	for _, a := range actions {
		if err := r.table.RegisterAction(a.name, a.proc); err != nil {
			return err
		}
	}
	return nil
}

// Table exposes the decision table.
func (r *Rules) Table() *dtable.Table[*View] {
	return r.table
}

// View loads the current view of a transfer.
func (r *Rules) View(ctx context.Context, id uuid.UUID) (*View, error) {
	policy := r.settings.Policy().Cash
	v := &View{rules: r, Policy: policy}
	err := r.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		if v.Transfer, err = tx.Transfer(ctx, id); err != nil {
			return err
		}
		if v.Owner, err = tx.Portfolio(ctx, v.Transfer.PortfolioID); err != nil {
			return err
		}
		v.WithdrawnInWindow, err = tx.SumTransfers(ctx, ledger.TransferSum{
			PortfolioID: v.Transfer.PortfolioID,
			Kind:        ledger.ExternalWithdrawal,
			Status:      ledger.StatusCompleted,
			Since:       r.now().Add(-policy.ClientWithdrawalTimePeriod),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return v, nil
}

// Process drives the transfer until it completes, is rejected or waits on a
// broker decision.
func (r *Rules) Process(ctx context.Context, id uuid.UUID) (*View, lifecycle.Outcome, error) {
	v, err := r.View(ctx, id)
	if err != nil {
		return nil, lifecycle.Outcome{}, err
	}
	out, err := r.processor.Process(ctx, v)
	return v, out, err
}
