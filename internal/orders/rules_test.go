package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rgehrsitz/invested/internal/config"
	"rgehrsitz/invested/internal/ledger"
	"rgehrsitz/invested/internal/ledger/memory"
	"rgehrsitz/invested/internal/lifecycle"
	"rgehrsitz/invested/internal/preprocessor"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    ledger.Store
	settings *config.Source
	rules    *Rules
	client   uuid.UUID
	master   uuid.UUID
}

func newFixture(t *testing.T, clientCash string) *fixture {
	t.Helper()
	return newFixtureWithStore(t, memory.NewStore(), clientCash)
}

func newFixtureWithStore(t *testing.T, store ledger.Store, clientCash string) *fixture {
	t.Helper()
	f := &fixture{store: store, settings: config.NewSource(config.Default().Policy())}
	f.master = f.portfolio(t, ledger.RoleCompany, "0")
	f.client = f.portfolio(t, ledger.RoleClient, clientCash)
	rules, err := New(Deps{
		Store:    store,
		Settings: f.settings,
		Master:   f.master,
		Now:      func() time.Time { return fixedNow },
	}, lifecycle.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	f.rules = rules
	return f
}

func (f *fixture) portfolio(t *testing.T, role ledger.Role, cash string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.CreatePortfolio(ctx, ledger.Portfolio{ID: id, Role: role, Name: string(role), Cash: decimal.RequireFromString(cash), CreatedAt: fixedNow})
	}))
	return id
}

func (f *fixture) stock(t *testing.T, portfolio uuid.UUID, ticker string, qty int64) {
	t.Helper()
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		_, err := tx.AdjustHolding(ctx, portfolio, "NYSE", ticker, qty)
		return err
	}))
}

func (f *fixture) addCash(t *testing.T, portfolio uuid.UUID, amount string) {
	t.Helper()
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		_, err := tx.AdjustCash(ctx, portfolio, decimal.RequireFromString(amount))
		return err
	}))
}

func (f *fixture) order(t *testing.T, o ledger.Order) uuid.UUID {
	t.Helper()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.PortfolioID == uuid.Nil {
		o.PortfolioID = f.client
	}
	if o.Exchange == "" {
		o.Exchange = "NYSE"
	}
	if o.Class == "" {
		o.Class = ledger.ClassUndetermined
	}
	if o.Status == "" {
		o.Status = ledger.StatusProcessing
	}
	o.CreatedAt, o.UpdatedAt = fixedNow, fixedNow
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.SaveOrder(ctx, o)
	}))
	return o.ID
}

func (f *fixture) buy(t *testing.T, ticker, price string, qty int64) uuid.UUID {
	return f.order(t, ledger.Order{Ticker: ticker, Side: ledger.Buy, Price: decimal.RequireFromString(price), Quantity: qty})
}

func (f *fixture) sell(t *testing.T, ticker, price string, qty int64) uuid.UUID {
	return f.order(t, ledger.Order{Ticker: ticker, Side: ledger.Sell, Price: decimal.RequireFromString(price), Quantity: qty})
}

func (f *fixture) snapshot(t *testing.T, portfolio uuid.UUID, ticker string) (decimal.Decimal, int64) {
	t.Helper()
	var (
		cash decimal.Decimal
		qty  int64
	)
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		p, err := tx.Portfolio(ctx, portfolio)
		if err != nil {
			return err
		}
		h, err := tx.Holding(ctx, portfolio, "NYSE", ticker)
		cash, qty = p.Cash, h.Quantity
		return err
	}))
	return cash, qty
}

func (f *fixture) load(t *testing.T, id uuid.UUID) ledger.Order {
	t.Helper()
	v, err := f.rules.View(context.Background(), id)
	require.NoError(t, err)
	return v.Order
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "got %s, want %s", got, want)
}

func TestCases_AreMutuallyExclusive(t *testing.T) {
	doc, err := preprocessor.Parse(CaseDocument())
	require.NoError(t, err)
	assert.Empty(t, preprocessor.Overlaps(doc))
}

func TestNew_RequiresDeps(t *testing.T) {
	src := config.NewSource(config.Default().Policy())
	_, err := New(Deps{Settings: src, Master: uuid.New()})
	assert.Error(t, err)
	_, err = New(Deps{Store: memory.NewStore(), Master: uuid.New()})
	assert.Error(t, err)
	_, err = New(Deps{Store: memory.NewStore(), Settings: src})
	assert.Error(t, err)
}

func TestProcess_InternalBuySettles(t *testing.T) {
	f := newFixture(t, "100000")
	f.stock(t, f.master, "IBM", 10000)
	id := f.buy(t, "IBM", "100", 100)

	v, out, err := f.rules.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"mark_internal", "approve", "settle_buy"}, out.Actions)
	assert.Equal(t, lifecycle.Terminal, out.Disposition)
	assert.Equal(t, ledger.StatusCompleted, v.Order.Status)
	assert.Equal(t, ledger.ClassInternal, v.Order.Class)

	cash, qty := f.snapshot(t, f.client, "IBM")
	assertDecimal(t, "90000", cash)
	assert.EqualValues(t, 100, qty)
	masterCash, masterQty := f.snapshot(t, f.master, "IBM")
	assertDecimal(t, "10000", masterCash)
	assert.EqualValues(t, 9900, masterQty)

	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		sum, err := tx.SumTransfers(ctx, ledger.TransferSum{PortfolioID: f.client, Kind: ledger.BuyCover, Status: ledger.StatusCompleted})
		assertDecimal(t, "10000", sum)
		return err
	}))
}

func TestProcess_ExternalBuySettles(t *testing.T) {
	f := newFixture(t, "5000")
	id := f.buy(t, "AAPL", "150", 10)

	_, out, err := f.rules.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"mark_external", "approve", "settle_buy"}, out.Actions)

	cash, qty := f.snapshot(t, f.client, "AAPL")
	assertDecimal(t, "3500", cash)
	assert.EqualValues(t, 10, qty)
	masterCash, _ := f.snapshot(t, f.master, "AAPL")
	assertDecimal(t, "0", masterCash)
}

func TestProcess_SplitBuy(t *testing.T) {
	f := newFixture(t, "10000")
	f.stock(t, f.master, "IBM", 60)
	id := f.buy(t, "IBM", "10", 100)

	v, out, err := f.rules.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"split_order"}, out.Actions)
	assert.Equal(t, lifecycle.Suspend, out.Disposition)
	assert.Equal(t, ledger.ClassSplit, v.Order.Class)
	assert.Equal(t, ledger.StatusProcessing, v.Order.Status)

	kids, err := f.childrenOf(id)
	require.NoError(t, err)
	require.Len(t, kids, 2)
	assert.Equal(t, ledger.ClassInternal, kids[0].Class)
	assert.EqualValues(t, 60, kids[0].Quantity)
	assert.Equal(t, ledger.ClassExternal, kids[1].Class)
	assert.EqualValues(t, 40, kids[1].Quantity)
	assert.Equal(t, v.Order.Quantity, kids[0].Quantity+kids[1].Quantity)
	for _, k := range kids {
		assert.Equal(t, id, k.ParentID)
		assert.Equal(t, ledger.StatusProcessing, k.Status)
		assert.Equal(t, "IBM", k.Ticker)
		assert.True(t, k.Price.Equal(v.Order.Price))
	}

	// The internal child takes the whole master position, a share of 1,
	// which is never under the proportion threshold.
	_, out, err = f.rules.Process(context.Background(), kids[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"request_review"}, out.Actions)
	assert.Equal(t, ledger.StatusUnderReview, f.load(t, kids[0].ID).Status)

	_, out, err = f.rules.Process(context.Background(), kids[1].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"approve", "settle_buy"}, out.Actions)
	assert.Equal(t, ledger.StatusCompleted, f.load(t, kids[1].ID).Status)

	cash, qty := f.snapshot(t, f.client, "IBM")
	assertDecimal(t, "9600", cash)
	assert.EqualValues(t, 40, qty)
	_, masterQty := f.snapshot(t, f.master, "IBM")
	assert.EqualValues(t, 60, masterQty)

	// The parent stays parked while its children are worked.
	_, out, err = f.rules.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, out.Actions)
	assert.Equal(t, lifecycle.Suspend, out.Disposition)
}

func TestProcess_RejectsUncoveredBuy(t *testing.T) {
	f := newFixture(t, "50")
	id := f.buy(t, "AAPL", "10", 10)

	v, out, err := f.rules.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"mark_external", "approve", "reject"}, out.Actions)
	assert.Equal(t, ledger.StatusRejected, v.Order.Status)
	cash, _ := f.snapshot(t, f.client, "AAPL")
	assertDecimal(t, "50", cash)
}

func TestProcess_ThresholdsRouteToReview(t *testing.T) {
	tests := []struct {
		name       string
		master     int64
		price      string
		qty        int64
		wantClass  ledger.Class
		wantAction []string
	}{
		{"internal value", 100000, "100", 2000, ledger.ClassInternal, []string{"mark_internal", "request_review"}},
		{"internal share", 1000, "1", 500, ledger.ClassInternal, []string{"mark_internal", "request_review"}},
		{"external value", 0, "1000", 1000, ledger.ClassExternal, []string{"mark_external", "request_review"}},
		{"external share", 0, "0.01", 2000000, ledger.ClassExternal, []string{"mark_external", "request_review"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "10000000")
			if tt.master > 0 {
				f.stock(t, f.master, "IBM", tt.master)
			}
			id := f.buy(t, "IBM", tt.price, tt.qty)

			v, out, err := f.rules.Process(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, out.Actions)
			assert.Equal(t, lifecycle.Suspend, out.Disposition)
			assert.Equal(t, ledger.StatusUnderReview, v.Order.Status)
			assert.Equal(t, tt.wantClass, v.Order.Class)
		})
	}
}

func TestProcess_ClientRequestedReview(t *testing.T) {
	f := newFixture(t, "1000")
	id := f.order(t, ledger.Order{Ticker: "IBM", Side: ledger.Buy, Price: decimal.NewFromInt(1), Quantity: 1, ReviewRequested: true})

	v, out, err := f.rules.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"request_review"}, out.Actions)
	assert.Equal(t, ledger.StatusUnderReview, v.Order.Status)
}

func TestProcess_InternalSellSettles(t *testing.T) {
	f := newFixture(t, "0")
	f.stock(t, f.client, "IBM", 50)
	f.addCash(t, f.master, "10000")
	id := f.sell(t, "IBM", "100", 20)

	_, out, err := f.rules.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"mark_internal", "approve", "settle_sell"}, out.Actions)

	cash, qty := f.snapshot(t, f.client, "IBM")
	assertDecimal(t, "2000", cash)
	assert.EqualValues(t, 30, qty)
	masterCash, masterQty := f.snapshot(t, f.master, "IBM")
	assertDecimal(t, "8000", masterCash)
	assert.EqualValues(t, 20, masterQty)
}

func TestProcess_UncoveredSellGoesToReview(t *testing.T) {
	f := newFixture(t, "0")
	f.stock(t, f.client, "IBM", 50)
	id := f.sell(t, "IBM", "100", 20)

	v, out, err := f.rules.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"mark_internal", "request_review"}, out.Actions)
	assert.Equal(t, lifecycle.Suspend, out.Disposition)
	assert.Equal(t, ledger.StatusUnderReview, v.Order.Status)

	cash, qty := f.snapshot(t, f.client, "IBM")
	assertDecimal(t, "0", cash)
	assert.EqualValues(t, 50, qty)
}

func TestProcess_RejectsApprovedSellMasterCannotPay(t *testing.T) {
	f := newFixture(t, "0")
	f.stock(t, f.client, "IBM", 50)
	f.addCash(t, f.master, "1999")
	id := f.order(t, ledger.Order{
		Ticker: "IBM", Side: ledger.Sell, Class: ledger.ClassInternal, Status: ledger.StatusApproved,
		Price: decimal.NewFromInt(100), Quantity: 20,
	})

	v, out, err := f.rules.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"reject"}, out.Actions)
	assert.Equal(t, ledger.StatusRejected, v.Order.Status)

	cash, qty := f.snapshot(t, f.client, "IBM")
	assertDecimal(t, "0", cash)
	assert.EqualValues(t, 50, qty)
	masterCash, masterQty := f.snapshot(t, f.master, "IBM")
	assertDecimal(t, "1999", masterCash)
	assert.Zero(t, masterQty)
}

func TestProcess_ReviewedSellSettlesWithoutMasterCash(t *testing.T) {
	f := newFixture(t, "0")
	f.stock(t, f.client, "IBM", 50)
	id := f.order(t, ledger.Order{
		Ticker: "IBM", Side: ledger.Sell, Status: ledger.StatusApproved, ReviewRequested: true,
		Price: decimal.NewFromInt(100), Quantity: 20,
	})

	_, out, err := f.rules.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"settle_sell"}, out.Actions)

	cash, qty := f.snapshot(t, f.client, "IBM")
	assertDecimal(t, "2000", cash)
	assert.EqualValues(t, 30, qty)
	masterCash, _ := f.snapshot(t, f.master, "IBM")
	assertDecimal(t, "0", masterCash)
}

func TestProcess_RejectsUnheldSell(t *testing.T) {
	f := newFixture(t, "0")
	f.stock(t, f.client, "IBM", 5)
	id := f.sell(t, "IBM", "100", 20)

	v, out, err := f.rules.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"reject"}, out.Actions)
	assert.Equal(t, ledger.StatusRejected, v.Order.Status)
}

func TestProcess_RequeuesDepletedInternalBuy(t *testing.T) {
	f := newFixture(t, "1000")
	id := f.order(t, ledger.Order{
		Ticker: "IBM", Side: ledger.Buy, Price: decimal.NewFromInt(10), Quantity: 5,
		Class: ledger.ClassInternal, Status: ledger.StatusApproved,
	})

	_, out, err := f.rules.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"requeue", "mark_external", "approve", "settle_buy"}, out.Actions)
	assert.Equal(t, ledger.ClassExternal, f.load(t, id).Class)
}

func TestProcess_UnmatchedOrderIsNoMatchError(t *testing.T) {
	f := newFixture(t, "1000")
	id := f.order(t, ledger.Order{Ticker: "IBM", Side: ledger.Buy, Price: decimal.NewFromInt(1), Quantity: 1, Class: "mystery"})

	_, _, err := f.rules.Process(context.Background(), id)
	var nm *lifecycle.NoMatchError
	require.ErrorAs(t, err, &nm)
	assert.Equal(t, TableName, nm.Table)
	assert.Contains(t, err.Error(), "class_undetermined=false")
}

func TestProcess_SeesPolicyChanges(t *testing.T) {
	f := newFixture(t, "100000")
	f.stock(t, f.master, "IBM", 10000)

	p := config.Default().Policy()
	p.Stock.InternalValueThreshold = decimal.NewFromInt(500)
	require.NoError(t, f.settings.Store(p))

	v, _, err := f.rules.Process(context.Background(), f.buy(t, "IBM", "100", 10))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusUnderReview, v.Order.Status)
}

var errInjected = errors.New("injected")

// failingStore fails every transfer write, after the cash and holdings
// adjustments of a settlement have already been made.
type failingStore struct {
	ledger.Store
}

func (s failingStore) WithTx(ctx context.Context, fn func(context.Context, ledger.Tx) error) error {
	return s.Store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return fn(ctx, failingTx{tx})
	})
}

type failingTx struct {
	ledger.Tx
}

func (failingTx) SaveTransfer(context.Context, ledger.Transfer) error { return errInjected }

func TestProcess_SettlementRollsBack(t *testing.T) {
	f := newFixtureWithStore(t, failingStore{memory.NewStore()}, "100000")
	f.stock(t, f.master, "IBM", 10000)
	id := f.buy(t, "IBM", "100", 100)

	_, out, err := f.rules.Process(context.Background(), id)
	var ae *lifecycle.ActionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "settle_buy", ae.Action)
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, []string{"mark_internal", "approve"}, out.Actions)

	cash, qty := f.snapshot(t, f.client, "IBM")
	assertDecimal(t, "100000", cash)
	assert.Zero(t, qty)
	masterCash, masterQty := f.snapshot(t, f.master, "IBM")
	assertDecimal(t, "0", masterCash)
	assert.EqualValues(t, 10000, masterQty)
	assert.Equal(t, ledger.StatusApproved, f.load(t, id).Status)
}

func TestProcess_ConcurrentInternalBuysKeepInventory(t *testing.T) {
	f := newFixture(t, "0")
	f.stock(t, f.master, "IBM", 100)
	p := config.Default().Policy()
	p.Stock.InternalProportionThreshold = decimal.NewFromInt(1)
	require.NoError(t, f.settings.Store(p))

	var ids []uuid.UUID
	for i := 0; i < 10; i++ {
		client := f.portfolio(t, ledger.RoleClient, "1000")
		ids = append(ids, f.order(t, ledger.Order{
			PortfolioID: client, Ticker: "IBM", Side: ledger.Buy, Price: decimal.NewFromInt(1), Quantity: 20,
		}))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			v, _, err := f.rules.Process(context.Background(), id)
			if err != nil {
				var ae *lifecycle.ActionError
				assert.ErrorAs(t, err, &ae)
				return
			}
			if v.Order.Class == ledger.ClassSplit {
				kids, err := f.childrenOf(id)
				if assert.NoError(t, err) {
					for _, k := range kids {
						_, _, _ = f.rules.Process(context.Background(), k.ID)
					}
				}
			}
		}(id)
	}
	wg.Wait()

	var filledInternally int64
	var count func(o ledger.Order)
	count = func(o ledger.Order) {
		if o.Class == ledger.ClassInternal && o.Status == ledger.StatusCompleted {
			filledInternally += o.Quantity
		}
		kids, err := f.childrenOf(o.ID)
		require.NoError(t, err)
		for _, k := range kids {
			count(k)
		}
	}
	for _, id := range ids {
		count(f.load(t, id))
	}
	_, masterQty := f.snapshot(t, f.master, "IBM")
	assert.GreaterOrEqual(t, masterQty, int64(0))
	assert.Equal(t, int64(100), masterQty+filledInternally)
}

func (f *fixture) childrenOf(id uuid.UUID) ([]ledger.Order, error) {
	var kids []ledger.Order
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		var err error
		kids, err = tx.Children(ctx, id)
		return err
	})
	return kids, err
}

func TestTable_Renders(t *testing.T) {
	f := newFixture(t, "0")
	out := f.rules.Table().Render()
	assert.Contains(t, out, "classify-internal")
	assert.Contains(t, out, "settle_buy")
}
