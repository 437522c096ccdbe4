package transfers

import (
	"context"

	"github.com/shopspring/decimal"

	"rgehrsitz/invested/internal/config"
	"rgehrsitz/invested/internal/ledger"
	"rgehrsitz/invested/internal/lifecycle"
)

// View is what the cash transfer table evaluates.
type View struct {
	Transfer ledger.Transfer
	Owner    ledger.Portfolio
	// WithdrawnInWindow is the total of the owner's completed withdrawals
	// inside the configured withdrawal period.
	WithdrawnInWindow decimal.Decimal
	Policy            config.Cash

	rules *Rules
}

// Key identifies the transfer in logs and errors.
func (v *View) Key() string {
	return "transfer " + v.Transfer.ID.String()
}

// Disposition maps the transfer status onto the processing loop.
func (v *View) Disposition() lifecycle.Disposition {
	switch {
	case v.Transfer.Status.Terminal():
		return lifecycle.Terminal
	case v.Transfer.Status == ledger.StatusUnderReview:
		return lifecycle.Suspend
	default:
		return lifecycle.Continue
	}
}

// Refresh reloads the view.
func (v *View) Refresh(ctx context.Context) error {
	fresh, err := v.rules.View(ctx, v.Transfer.ID)
	if err != nil {
		return err
	}
	*v = *fresh
	return nil
}
