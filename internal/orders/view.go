package orders

import (
	"context"

	"github.com/shopspring/decimal"

	"rgehrsitz/invested/internal/config"
	"rgehrsitz/invested/internal/ledger"
	"rgehrsitz/invested/internal/lifecycle"
)

// View is what the stock order table evaluates: the order plus the ledger
// rows and thresholds its conditions read. It is reloaded before every
// iteration.
type View struct {
	Order         ledger.Order
	Client        ledger.Portfolio
	ClientHolding ledger.Holding
	MasterHolding ledger.Holding
	// MasterCash is what the company portfolio can pay for internal sells.
	MasterCash decimal.Decimal
	Policy     config.Stock

	rules *Rules
}

// Key identifies the order in logs and errors.
func (v *View) Key() string {
	return "order " + v.Order.ID.String()
}

// Disposition maps the order status onto the processing loop. Orders under
// review wait for a broker; split parents wait for their children.
func (v *View) Disposition() lifecycle.Disposition {
	switch {
	case v.Order.Status.Terminal():
		return lifecycle.Terminal
	case v.Order.Status == ledger.StatusUnderReview:
		return lifecycle.Suspend
	case v.Order.Class == ledger.ClassSplit:
		return lifecycle.Suspend
	default:
		return lifecycle.Continue
	}
}

// Refresh reloads the view from the ledger and the current policy.
func (v *View) Refresh(ctx context.Context) error {
	fresh, err := v.rules.View(ctx, v.Order.ID)
	if err != nil {
		return err
	}
	*v = *fresh
	return nil
}

func (v *View) value() decimal.Decimal {
	return v.Order.Value()
}

func (v *View) internalShare() (decimal.Decimal, bool) {
	if v.MasterHolding.Quantity <= 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromInt(v.Order.Quantity).Div(decimal.NewFromInt(v.MasterHolding.Quantity)), true
}

func (v *View) externalShare() (decimal.Decimal, bool) {
	if v.Policy.ExternalOutstandingShares <= 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromInt(v.Order.Quantity).Div(decimal.NewFromInt(v.Policy.ExternalOutstandingShares)), true
}
