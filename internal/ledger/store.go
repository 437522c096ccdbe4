package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound              = errors.New("ledger: not found")
	ErrExists                = errors.New("ledger: already exists")
	ErrInsufficientFunds     = errors.New("ledger: insufficient funds")
	ErrInsufficientInventory = errors.New("ledger: insufficient inventory")
)

// Tx is the unit of work handed to Store.WithTx. Everything written through a
// Tx becomes visible together when the callback returns nil and is discarded
// otherwise.
type Tx interface {
	CreatePortfolio(ctx context.Context, p Portfolio) error
	Portfolio(ctx context.Context, id uuid.UUID) (Portfolio, error)
	// AdjustCash adds delta to the portfolio's cash and returns the new
	// balance. A result below zero fails with ErrInsufficientFunds.
	AdjustCash(ctx context.Context, id uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error)

	// Holding returns the inventory row, with zero quantity when absent.
	Holding(ctx context.Context, portfolio uuid.UUID, exchange, ticker string) (Holding, error)
	Holdings(ctx context.Context, portfolio uuid.UUID) ([]Holding, error)
	// AdjustHolding adds delta to the quantity, creating the row if needed.
	// A result below zero fails with ErrInsufficientInventory.
	AdjustHolding(ctx context.Context, portfolio uuid.UUID, exchange, ticker string, delta int64) (Holding, error)

	SaveOrder(ctx context.Context, o Order) error
	Order(ctx context.Context, id uuid.UUID) (Order, error)
	// Children returns split children in the order they were first saved.
	Children(ctx context.Context, parent uuid.UUID) ([]Order, error)

	SaveTransfer(ctx context.Context, t Transfer) error
	Transfer(ctx context.Context, id uuid.UUID) (Transfer, error)
	SumTransfers(ctx context.Context, q TransferSum) (decimal.Decimal, error)
}

// Store runs transactions against persistent state.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}
