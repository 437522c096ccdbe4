package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"rgehrsitz/invested/internal/dtable"
	"rgehrsitz/invested/internal/ledger"
)

// ErrStaleOrder is returned by an action whose order changed between
// evaluation and the action's transaction.
var ErrStaleOrder = errors.New("orders: order changed since evaluation")

// update runs mutate on a fresh copy of the order inside one transaction and
// saves it. The view only sees the result once the transaction commits.
func (r *Rules) update(ctx context.Context, v *View, mutate func(ctx context.Context, tx ledger.Tx, o *ledger.Order) error) error {
	var saved ledger.Order
	err := r.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		o, err := tx.Order(ctx, v.Order.ID)
		if err != nil {
			return err
		}
		if o.Status != v.Order.Status || o.Class != v.Order.Class {
			return fmt.Errorf("%s is %s/%s, evaluated as %s/%s: %w",
				o.ID, o.Status, o.Class, v.Order.Status, v.Order.Class, ErrStaleOrder)
		}
		if err := mutate(ctx, tx, &o); err != nil {
			return err
		}
		o.UpdatedAt = r.now()
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		saved = o
		return nil
	})
	if err != nil {
		return err
	}
	v.Order = saved
	return nil
}

func (r *Rules) setClass(class ledger.Class) dtable.Procedure[*View] {
	return func(ctx context.Context, v *View) error {
		return r.update(ctx, v, func(_ context.Context, _ ledger.Tx, o *ledger.Order) error {
			o.Class = class
			return nil
		})
	}
}

func (r *Rules) setStatus(status ledger.Status) dtable.Procedure[*View] {
	return func(ctx context.Context, v *View) error {
		return r.update(ctx, v, func(_ context.Context, _ ledger.Tx, o *ledger.Order) error {
			o.Status = status
			return nil
		})
	}
}

// requeue sends an approved internal order back for classification.
func (r *Rules) requeue(ctx context.Context, v *View) error {
	return r.update(ctx, v, func(_ context.Context, _ ledger.Tx, o *ledger.Order) error {
		o.Status = ledger.StatusProcessing
		o.Class = ledger.ClassUndetermined
		return nil
	})
}

// split fills what the master portfolio holds internally and sends the rest
// to the market. The parent waits, classified split, while its two children
// are processed on their own.
func (r *Rules) split(ctx context.Context, v *View) error {
	var children []ledger.Order
	err := r.update(ctx, v, func(ctx context.Context, tx ledger.Tx, o *ledger.Order) error {
		master, err := tx.Holding(ctx, r.master, o.Exchange, o.Ticker)
		if err != nil {
			return err
		}
		if master.Quantity <= 0 || master.Quantity >= o.Quantity {
			return fmt.Errorf("split %s: master holds %d of %d: %w", o.ID, master.Quantity, o.Quantity, ErrStaleOrder)
		}
		now := r.now()
		internal := child(*o, ledger.ClassInternal, master.Quantity, now)
		external := child(*o, ledger.ClassExternal, o.Quantity-master.Quantity, now)
		for _, c := range []ledger.Order{internal, external} {
			if err := tx.SaveOrder(ctx, c); err != nil {
				return err
			}
		}
		o.Class = ledger.ClassSplit
		children = []ledger.Order{internal, external}
		return nil
	})
	if err != nil {
		return err
	}
	log.Debug().
		Str("order", v.Order.ID.String()).
		Int64("internal", children[0].Quantity).
		Int64("external", children[1].Quantity).
		Msg("Split order")
	return nil
}

func child(parent ledger.Order, class ledger.Class, quantity int64, now time.Time) ledger.Order {
	c := parent
	c.ID = uuid.New()
	c.ParentID = parent.ID
	c.Class = class
	c.Status = ledger.StatusProcessing
	c.Quantity = quantity
	c.CreatedAt = now
	c.UpdatedAt = now
	return c
}
