package orders

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"rgehrsitz/invested/internal/ledger"
)

// settleBuy completes an approved buy in one transaction: the client pays
// the order value, receives the shares and gets a buy_cover record. Internal
// fills move the shares and the cash against the master portfolio.
func (r *Rules) settleBuy(ctx context.Context, v *View) error {
	err := r.update(ctx, v, func(ctx context.Context, tx ledger.Tx, o *ledger.Order) error {
		value := o.Value()
		if _, err := tx.AdjustCash(ctx, o.PortfolioID, value.Neg()); err != nil {
			return err
		}
		if _, err := tx.AdjustHolding(ctx, o.PortfolioID, o.Exchange, o.Ticker, o.Quantity); err != nil {
			return err
		}
		if o.Class == ledger.ClassInternal {
			if _, err := tx.AdjustHolding(ctx, r.master, o.Exchange, o.Ticker, -o.Quantity); err != nil {
				return err
			}
			if _, err := tx.AdjustCash(ctx, r.master, value); err != nil {
				return err
			}
		}
		if err := tx.SaveTransfer(ctx, r.record(*o, ledger.BuyCover)); err != nil {
			return err
		}
		o.Status = ledger.StatusCompleted
		return nil
	})
	if err != nil {
		return err
	}
	log.Debug().Str("order", v.Order.ID.String()).Str("value", v.Order.Value().String()).Msg("Settled buy")
	return nil
}

// settleSell completes an approved sell: the client gives up the shares and
// is credited the order value. Internal fills are bought back by the master
// portfolio.
func (r *Rules) settleSell(ctx context.Context, v *View) error {
	err := r.update(ctx, v, func(ctx context.Context, tx ledger.Tx, o *ledger.Order) error {
		value := o.Value()
		if _, err := tx.AdjustHolding(ctx, o.PortfolioID, o.Exchange, o.Ticker, -o.Quantity); err != nil {
			return err
		}
		if o.Class == ledger.ClassInternal {
			if _, err := tx.AdjustCash(ctx, r.master, value.Neg()); err != nil {
				return err
			}
			if _, err := tx.AdjustHolding(ctx, r.master, o.Exchange, o.Ticker, o.Quantity); err != nil {
				return err
			}
		}
		if _, err := tx.AdjustCash(ctx, o.PortfolioID, value); err != nil {
			return err
		}
		if err := tx.SaveTransfer(ctx, r.record(*o, ledger.SellProceeds)); err != nil {
			return err
		}
		o.Status = ledger.StatusCompleted
		return nil
	})
	if err != nil {
		return err
	}
	log.Debug().Str("order", v.Order.ID.String()).Str("value", v.Order.Value().String()).Msg("Settled sell")
	return nil
}

func (r *Rules) record(o ledger.Order, kind ledger.TransferKind) ledger.Transfer {
	now := r.now()
	counterparty := "market"
	if o.Class == ledger.ClassInternal {
		counterparty = r.master.String()
	}
	return ledger.Transfer{
		ID:           uuid.New(),
		PortfolioID:  o.PortfolioID,
		Kind:         kind,
		Amount:       o.Value(),
		Currency:     ledger.DefaultCurrency,
		Status:       ledger.StatusCompleted,
		OrderID:      o.ID,
		Counterparty: counterparty,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
