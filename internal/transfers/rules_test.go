package transfers

import (
	"context"
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

type fixture struct {
	store    *memory.Store
	settings *config.Source
	rules    *Rules
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.NewStore(),
		settings: config.NewSource(config.Default().Policy()),
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	rules, err := New(Deps{Store: f.store, Settings: f.settings, Now: func() time.Time { return f.now }},
		lifecycle.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	f.rules = rules
	return f
}

func (f *fixture) portfolio(t *testing.T, role ledger.Role, cash string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.CreatePortfolio(ctx, ledger.Portfolio{ID: id, Role: role, Name: string(role), Cash: decimal.RequireFromString(cash), CreatedAt: f.now})
	}))
	return id
}

func (f *fixture) submit(t *testing.T, portfolio uuid.UUID, kind ledger.TransferKind, amount string) uuid.UUID {
	t.Helper()
	return f.save(t, ledger.Transfer{PortfolioID: portfolio, Kind: kind, Amount: decimal.RequireFromString(amount), Status: ledger.StatusProcessing})
}

func (f *fixture) save(t *testing.T, tr ledger.Transfer) uuid.UUID {
	t.Helper()
	tr.ID = uuid.New()
	tr.Currency = ledger.DefaultCurrency
	tr.CreatedAt, tr.UpdatedAt = f.now, f.now
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.SaveTransfer(ctx, tr)
	}))
	return tr.ID
}

func (f *fixture) process(t *testing.T, id uuid.UUID) (ledger.Transfer, lifecycle.Outcome) {
	t.Helper()
	v, out, err := f.rules.Process(context.Background(), id)
	require.NoError(t, err)
	return v.Transfer, out
}

func (f *fixture) cash(t *testing.T, portfolio uuid.UUID) decimal.Decimal {
	t.Helper()
	var cash decimal.Decimal
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		p, err := tx.Portfolio(ctx, portfolio)
		cash = p.Cash
		return err
	}))
	return cash
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
	_, err := New(Deps{Settings: config.NewSource(config.Default().Policy())})
	assert.Error(t, err)
	_, err = New(Deps{Store: memory.NewStore()})
	assert.Error(t, err)
}

func TestProcess_DepositThenWithdraw(t *testing.T) {
	f := newFixture(t)
	client := f.portfolio(t, ledger.RoleClient, "0")

	tr, out := f.process(t, f.submit(t, client, ledger.ExternalDeposit, "10000"))
	assert.Equal(t, []string{"credit_cash"}, out.Actions)
	assert.Equal(t, lifecycle.Terminal, out.Disposition)
	assert.Equal(t, ledger.StatusCompleted, tr.Status)
	assertDecimal(t, "10000", f.cash(t, client))

	tr, out = f.process(t, f.submit(t, client, ledger.ExternalWithdrawal, "1000"))
	assert.Equal(t, []string{"debit_cash"}, out.Actions)
	assert.Equal(t, ledger.StatusCompleted, tr.Status)
	assertDecimal(t, "9000", f.cash(t, client))
}

func TestProcess_DepositLimits(t *testing.T) {
	tests := []struct {
		name   string
		cash   string
		amount string
		want   []string
		status ledger.Status
	}{
		{"inside bounds", "0", "100", []string{"credit_cash"}, ledger.StatusCompleted},
		{"below one deposit min", "0", "99.99", []string{"reject"}, ledger.StatusRejected},
		{"above one deposit max", "0", "10000.01", []string{"reject"}, ledger.StatusRejected},
		{"over total max", "995000", "6000", []string{"reject"}, ledger.StatusRejected},
		{"exactly total max", "990000", "10000", []string{"credit_cash"}, ledger.StatusCompleted},
		{"zero", "0", "0", []string{"reject"}, ledger.StatusRejected},
		{"negative", "0", "-5", []string{"reject"}, ledger.StatusRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			client := f.portfolio(t, ledger.RoleClient, tt.cash)
			tr, out := f.process(t, f.submit(t, client, ledger.ExternalDeposit, tt.amount))
			assert.Equal(t, tt.want, out.Actions)
			assert.Equal(t, tt.status, tr.Status)
		})
	}
}

func TestProcess_HouseDepositsSkipClientLimits(t *testing.T) {
	f := newFixture(t)
	for _, role := range []ledger.Role{ledger.RoleBroker, ledger.RoleCompany} {
		p := f.portfolio(t, role, "0")
		tr, out := f.process(t, f.submit(t, p, ledger.ExternalDeposit, "5000000"))
		assert.Equal(t, []string{"credit_cash"}, out.Actions, role)
		assert.Equal(t, ledger.StatusCompleted, tr.Status, role)
		assertDecimal(t, "5000000", f.cash(t, p))
	}
}

func TestProcess_WithdrawalLimits(t *testing.T) {
	tests := []struct {
		name   string
		cash   string
		amount string
		want   []string
		status ledger.Status
	}{
		{"uncovered", "500", "600", []string{"reject"}, ledger.StatusRejected},
		{"over window max", "50000", "10001", []string{"request_review"}, ledger.StatusUnderReview},
		{"below total min", "1500", "600", []string{"request_review"}, ledger.StatusUnderReview},
		{"keeps total min exactly", "1600", "600", []string{"debit_cash"}, ledger.StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			client := f.portfolio(t, ledger.RoleClient, tt.cash)
			tr, out := f.process(t, f.submit(t, client, ledger.ExternalWithdrawal, tt.amount))
			assert.Equal(t, tt.want, out.Actions)
			assert.Equal(t, tt.status, tr.Status)
		})
	}
}

func TestProcess_WithdrawalWindow(t *testing.T) {
	f := newFixture(t)
	client := f.portfolio(t, ledger.RoleClient, "100000")

	tr, _ := f.process(t, f.submit(t, client, ledger.ExternalWithdrawal, "6000"))
	require.Equal(t, ledger.StatusCompleted, tr.Status)

	tr, out := f.process(t, f.submit(t, client, ledger.ExternalWithdrawal, "5000"))
	assert.Equal(t, []string{"request_review"}, out.Actions)
	assert.Equal(t, lifecycle.Suspend, out.Disposition)
	assert.Equal(t, ledger.StatusUnderReview, tr.Status)

	// Once the first withdrawal leaves the window the limit frees up.
	f.now = f.now.Add(25 * time.Hour)
	tr, _ = f.process(t, f.submit(t, client, ledger.ExternalWithdrawal, "5000"))
	assert.Equal(t, ledger.StatusCompleted, tr.Status)
	assertDecimal(t, "89000", f.cash(t, client))
}

func TestProcess_ApprovedWithdrawal(t *testing.T) {
	f := newFixture(t)
	client := f.portfolio(t, ledger.RoleClient, "20000")
	id := f.save(t, ledger.Transfer{PortfolioID: client, Kind: ledger.ExternalWithdrawal, Amount: decimal.NewFromInt(15000), Status: ledger.StatusApproved})

	tr, out := f.process(t, id)
	assert.Equal(t, []string{"debit_cash"}, out.Actions)
	assert.Equal(t, ledger.StatusCompleted, tr.Status)
	assertDecimal(t, "5000", f.cash(t, client))

	id = f.save(t, ledger.Transfer{PortfolioID: client, Kind: ledger.ExternalWithdrawal, Amount: decimal.NewFromInt(15000), Status: ledger.StatusApproved})
	tr, out = f.process(t, id)
	assert.Equal(t, []string{"reject"}, out.Actions)
	assert.Equal(t, ledger.StatusRejected, tr.Status)
}

func TestProcess_HouseWithdrawals(t *testing.T) {
	f := newFixture(t)
	broker := f.portfolio(t, ledger.RoleBroker, "50000")

	tr, out := f.process(t, f.submit(t, broker, ledger.ExternalWithdrawal, "49500"))
	assert.Equal(t, []string{"debit_cash"}, out.Actions)
	assert.Equal(t, ledger.StatusCompleted, tr.Status)

	tr, out = f.process(t, f.submit(t, broker, ledger.ExternalWithdrawal, "1000"))
	assert.Equal(t, []string{"reject"}, out.Actions)
	assert.Equal(t, ledger.StatusRejected, tr.Status)
}

func TestProcess_PendingTradeCashIsRejected(t *testing.T) {
	tests := []struct {
		name string
		role ledger.Role
		kind ledger.TransferKind
		amt  string
	}{
		{"sell proceeds over the deposit ceiling", ledger.RoleClient, ledger.SellProceeds, "5000000"},
		{"small sell proceeds", ledger.RoleClient, ledger.SellProceeds, "250"},
		{"covered buy cover", ledger.RoleClient, ledger.BuyCover, "400"},
		{"company sell proceeds", ledger.RoleCompany, ledger.SellProceeds, "100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			owner := f.portfolio(t, tt.role, "1000")

			tr, out := f.process(t, f.submit(t, owner, tt.kind, tt.amt))
			assert.Equal(t, []string{"reject"}, out.Actions)
			assert.Equal(t, ledger.StatusRejected, tr.Status)
			assertDecimal(t, "1000", f.cash(t, owner))
		})
	}
}

func TestProcess_UnmatchedFallsBackToReject(t *testing.T) {
	f := newFixture(t)
	client := f.portfolio(t, ledger.RoleClient, "1000")
	id := f.save(t, ledger.Transfer{PortfolioID: client, Kind: ledger.BuyCover, Amount: decimal.NewFromInt(10), Status: ledger.StatusApproved})

	tr, out := f.process(t, id)
	assert.Equal(t, []string{FallbackAction}, out.Actions)
	assert.Equal(t, ledger.StatusRejected, tr.Status)
	assertDecimal(t, "1000", f.cash(t, client))
}

func TestProcess_ReviewedTransferStaysParked(t *testing.T) {
	f := newFixture(t)
	client := f.portfolio(t, ledger.RoleClient, "1500")
	id := f.submit(t, client, ledger.ExternalWithdrawal, "600")
	f.process(t, id)

	tr, out := f.process(t, id)
	assert.Empty(t, out.Actions)
	assert.Equal(t, lifecycle.Suspend, out.Disposition)
	assert.Equal(t, ledger.StatusUnderReview, tr.Status)
}

func TestProcess_SeesPolicyChanges(t *testing.T) {
	f := newFixture(t)
	client := f.portfolio(t, ledger.RoleClient, "0")

	p := config.Default().Policy()
	p.Cash.ClientOneDepositMax = decimal.NewFromInt(500)
	require.NoError(t, f.settings.Store(p))

	tr, _ := f.process(t, f.submit(t, client, ledger.ExternalDeposit, "1000"))
	assert.Equal(t, ledger.StatusRejected, tr.Status)
}
