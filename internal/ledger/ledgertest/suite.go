// Package ledgertest holds the behaviour every ledger.Store must share.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rgehrsitz/invested/internal/ledger"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) ledger.Store

var errAbort = errors.New("abort")

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PortfolioLifecycle", func(t *testing.T) { testPortfolio(t, newStore(t)) })
	t.Run("CashNeverNegative", func(t *testing.T) { testCash(t, newStore(t)) })
	t.Run("Holdings", func(t *testing.T) { testHoldings(t, newStore(t)) })
	t.Run("OrdersAndChildren", func(t *testing.T) { testOrders(t, newStore(t)) })
	t.Run("TransfersAndSums", func(t *testing.T) { testTransfers(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("ConcurrentDebits", func(t *testing.T) { testConcurrentDebits(t, newStore(t)) })
}

// SeedPortfolio creates a portfolio with the given role and cash.
func SeedPortfolio(t *testing.T, store ledger.Store, role ledger.Role, cash string) ledger.Portfolio {
	t.Helper()
	p := ledger.Portfolio{
		ID:        uuid.New(),
		Role:      role,
		Name:      string(role),
		Cash:      decimal.RequireFromString(cash),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.CreatePortfolio(ctx, p)
	}))
	return p
}

func testPortfolio(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	p := SeedPortfolio(t, store, ledger.RoleClient, "250.50")

	err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		got, err := tx.Portfolio(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.Role, got.Role)
		assert.True(t, p.Cash.Equal(got.Cash), "cash %s", got.Cash)

		_, err = tx.Portfolio(ctx, uuid.New())
		assert.ErrorIs(t, err, ledger.ErrNotFound)

		assert.ErrorIs(t, tx.CreatePortfolio(ctx, p), ledger.ErrExists)
		return nil
	})
	require.NoError(t, err)
}

func testCash(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	p := SeedPortfolio(t, store, ledger.RoleClient, "100")

	err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		bal, err := tx.AdjustCash(ctx, p.ID, decimal.RequireFromString("-40.25"))
		require.NoError(t, err)
		assert.Equal(t, "59.75", bal.StringFixed(2))
		return nil
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		_, err := tx.AdjustCash(ctx, p.ID, decimal.NewFromInt(-60))
		return err
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	err = store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		_, err := tx.AdjustCash(ctx, uuid.New(), decimal.NewFromInt(1))
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	assertCash(t, store, p.ID, "59.75")
}

func testHoldings(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	p := SeedPortfolio(t, store, ledger.RoleCompany, "0")

	err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		h, err := tx.Holding(ctx, p.ID, "NYSE", "IBM")
		require.NoError(t, err)
		assert.Zero(t, h.Quantity)

		h, err = tx.AdjustHolding(ctx, p.ID, "NYSE", "IBM", 10000)
		require.NoError(t, err)
		assert.EqualValues(t, 10000, h.Quantity)

		h, err = tx.AdjustHolding(ctx, p.ID, "nyse", "ibm", -100)
		require.NoError(t, err)
		assert.EqualValues(t, 9900, h.Quantity)

		_, err = tx.AdjustHolding(ctx, p.ID, "NYSE", "IBM", -9901)
		assert.ErrorIs(t, err, ledger.ErrInsufficientInventory)

		_, err = tx.AdjustHolding(ctx, p.ID, "NASDAQ", "AAPL", 5)
		require.NoError(t, err)

		all, err := tx.Holdings(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "IBM", all[0].Ticker)
		assert.EqualValues(t, 9900, all[0].Quantity)
		return nil
	})
	require.NoError(t, err)
}

func testOrders(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	p := SeedPortfolio(t, store, ledger.RoleClient, "0")
	now := time.Now().UTC().Truncate(time.Millisecond)
	parent := ledger.Order{
		ID: uuid.New(), PortfolioID: p.ID, Exchange: "NYSE", Ticker: "IBM",
		Side: ledger.Buy, Class: ledger.ClassSplit, Status: ledger.StatusProcessing,
		Price: decimal.RequireFromString("100.5"), Quantity: 150, CreatedAt: now, UpdatedAt: now,
	}
	internal := parent
	internal.ID, internal.ParentID, internal.Class, internal.Quantity = uuid.New(), parent.ID, ledger.ClassInternal, 100
	external := parent
	external.ID, external.ParentID, external.Class, external.Quantity = uuid.New(), parent.ID, ledger.ClassExternal, 50

	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		for _, o := range []ledger.Order{parent, internal, external} {
			if err := tx.SaveOrder(ctx, o); err != nil {
				return err
			}
		}
		return nil
	}))

	internal.Status = ledger.StatusCompleted
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.SaveOrder(ctx, internal)
	}))

	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		got, err := tx.Order(ctx, parent.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.ClassSplit, got.Class)
		assert.True(t, got.Price.Equal(parent.Price))
		assert.False(t, got.HasParent())

		kids, err := tx.Children(ctx, parent.ID)
		require.NoError(t, err)
		require.Len(t, kids, 2)
		assert.Equal(t, internal.ID, kids[0].ID)
		assert.Equal(t, ledger.StatusCompleted, kids[0].Status)
		assert.Equal(t, external.ID, kids[1].ID)
		assert.EqualValues(t, parent.Quantity, kids[0].Quantity+kids[1].Quantity)

		_, err = tx.Order(ctx, uuid.New())
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		return nil
	}))
}

func testTransfers(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	p := SeedPortfolio(t, store, ledger.RoleClient, "0")
	now := time.Now().UTC().Truncate(time.Millisecond)
	mk := func(amount string, status ledger.Status, at time.Time) ledger.Transfer {
		return ledger.Transfer{
			ID: uuid.New(), PortfolioID: p.ID, Kind: ledger.ExternalWithdrawal,
			Amount: decimal.RequireFromString(amount), Currency: ledger.DefaultCurrency,
			Status: status, CreatedAt: at, UpdatedAt: at,
		}
	}
	recent := mk("300", ledger.StatusCompleted, now.Add(-time.Hour))
	old := mk("5000", ledger.StatusCompleted, now.Add(-48*time.Hour))
	pending := mk("700", ledger.StatusProcessing, now)

	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		for _, tr := range []ledger.Transfer{recent, old, pending} {
			if err := tx.SaveTransfer(ctx, tr); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		got, err := tx.Transfer(ctx, recent.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.ExternalWithdrawal, got.Kind)
		assert.True(t, got.Amount.Equal(recent.Amount))

		sum, err := tx.SumTransfers(ctx, ledger.TransferSum{
			PortfolioID: p.ID, Kind: ledger.ExternalWithdrawal, Status: ledger.StatusCompleted,
			Since: now.Add(-24 * time.Hour),
		})
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(300).Equal(sum), "sum = %s", sum)

		_, err = tx.Transfer(ctx, uuid.New())
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		return nil
	}))
}

func testRollback(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	p := SeedPortfolio(t, store, ledger.RoleClient, "1000")

	err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.AdjustCash(ctx, p.ID, decimal.NewFromInt(-500)); err != nil {
			return err
		}
		if _, err := tx.AdjustHolding(ctx, p.ID, "NYSE", "IBM", 5); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	assertCash(t, store, p.ID, "1000")
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		h, err := tx.Holding(ctx, p.ID, "NYSE", "IBM")
		require.NoError(t, err)
		assert.Zero(t, h.Quantity)
		return nil
	}))
}

func testConcurrentDebits(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	p := SeedPortfolio(t, store, ledger.RoleClient, "100")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
				_, err := tx.AdjustCash(ctx, p.ID, decimal.NewFromInt(-10))
				return err
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, succeeded)
	assertCash(t, store, p.ID, "0")
}

func assertCash(t *testing.T, store ledger.Store, id uuid.UUID, want string) {
	t.Helper()
	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		p, err := tx.Portfolio(ctx, id)
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString(want).Equal(p.Cash), "cash = %s, want %s", p.Cash, want)
		return nil
	}))
}
