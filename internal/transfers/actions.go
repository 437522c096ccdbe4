package transfers

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"rgehrsitz/invested/internal/dtable"
	"rgehrsitz/invested/internal/ledger"
)

// ErrStaleTransfer is returned by an action whose transfer changed status
// between evaluation and the action's transaction.
var ErrStaleTransfer = errors.New("transfers: transfer changed since evaluation")

func (r *Rules) update(ctx context.Context, v *View, mutate func(ctx context.Context, tx ledger.Tx, t *ledger.Transfer) error) error {
	var saved ledger.Transfer
	err := r.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		t, err := tx.Transfer(ctx, v.Transfer.ID)
		if err != nil {
			return err
		}
		if t.Status != v.Transfer.Status {
			return fmt.Errorf("%s is %s, evaluated as %s: %w", t.ID, t.Status, v.Transfer.Status, ErrStaleTransfer)
		}
		if err := mutate(ctx, tx, &t); err != nil {
			return err
		}
		t.UpdatedAt = r.now()
		if err := tx.SaveTransfer(ctx, t); err != nil {
			return err
		}
		saved = t
		return nil
	})
	if err != nil {
		return err
	}
	v.Transfer = saved
	return nil
}

func (r *Rules) setStatus(status ledger.Status) dtable.Procedure[*View] {
	return func(ctx context.Context, v *View) error {
		return r.update(ctx, v, func(_ context.Context, _ ledger.Tx, t *ledger.Transfer) error {
			t.Status = status
			return nil
		})
	}
}

// move applies the transfer amount to the owner's cash, signed by sign, and
// completes the transfer in the same transaction.
func (r *Rules) move(sign int64) dtable.Procedure[*View] {
	return func(ctx context.Context, v *View) error {
		var balance decimal.Decimal
		err := r.update(ctx, v, func(ctx context.Context, tx ledger.Tx, t *ledger.Transfer) error {
			var err error
			balance, err = tx.AdjustCash(ctx, t.PortfolioID, t.Amount.Mul(decimal.NewFromInt(sign)))
			if err != nil {
				return err
			}
			t.Status = ledger.StatusCompleted
			return nil
		})
		if err != nil {
			return err
		}
		log.Debug().
			Str("transfer", v.Transfer.ID.String()).
			Str("kind", string(v.Transfer.Kind)).
			Str("amount", v.Transfer.Amount.String()).
			Str("balance", balance.String()).
			Msg("Moved cash")
		return nil
	}
}
