// Package ledger defines the brokerage records (portfolios, holdings, stock
// orders and cash transfers) and the transactional store contract the rule
// sets persist through.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultCurrency is used for transfers that do not name one.
const DefaultCurrency = "USD"

// Role identifies who owns a portfolio.
type Role string

const (
	RoleClient  Role = "client"
	RoleBroker  Role = "broker"
	RoleCompany Role = "company"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleBroker, RoleCompany:
		return true
	}
	return false
}

// Side is the direction of a stock order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Class records how an order will be filled.
type Class string

const (
	ClassUndetermined Class = "undetermined"
	ClassInternal     Class = "internal"
	ClassExternal     Class = "external"
	ClassSplit        Class = "split"
)

// Status is shared by orders and transfers.
type Status string

const (
	StatusProcessing  Status = "processing"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusCompleted   Status = "completed"
	StatusRejected    Status = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// TransferKind classifies a cash movement.
type TransferKind string

const (
	ExternalDeposit    TransferKind = "external_deposit"
	ExternalWithdrawal TransferKind = "external_withdrawal"
	BuyCover           TransferKind = "buy_cover"
	SellProceeds       TransferKind = "sell_proceeds"
)

// Valid reports whether k is a known kind.
func (k TransferKind) Valid() bool {
	switch k {
	case ExternalDeposit, ExternalWithdrawal, BuyCover, SellProceeds:
		return true
	}
	return false
}

// Trade reports whether k is the cash leg of a settled order.
func (k TransferKind) Trade() bool {
	return k == BuyCover || k == SellProceeds
}

// Portfolio is a cash account with stock holdings.
type Portfolio struct {
	ID        uuid.UUID       `json:"id"`
	Role      Role            `json:"role"`
	Name      string          `json:"name"`
	Cash      decimal.Decimal `json:"cash"`
	CreatedAt time.Time       `json:"created_at"`
}

// Holding is the stock inventory of one ticker inside a portfolio.
type Holding struct {
	PortfolioID uuid.UUID `json:"portfolio_id"`
	Exchange    string    `json:"exchange"`
	Ticker      string    `json:"ticker"`
	Quantity    int64     `json:"quantity"`
}

// Order is a stock buy or sell request.
type Order struct {
	ID              uuid.UUID       `json:"id"`
	ParentID        uuid.UUID       `json:"parent_id,omitempty"`
	PortfolioID     uuid.UUID       `json:"portfolio_id"`
	Exchange        string          `json:"exchange"`
	Ticker          string          `json:"ticker"`
	Side            Side            `json:"side"`
	Class           Class           `json:"class"`
	Status          Status          `json:"status"`
	Price           decimal.Decimal `json:"price"`
	Quantity        int64           `json:"quantity"`
	ReviewRequested bool            `json:"review_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Value is price times quantity.
func (o Order) Value() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

// HasParent reports whether the order is a split child.
func (o Order) HasParent() bool {
	return o.ParentID != uuid.Nil
}

// Transfer is a cash movement in or out of a portfolio.
type Transfer struct {
	ID           uuid.UUID       `json:"id"`
	PortfolioID  uuid.UUID       `json:"portfolio_id"`
	Kind         TransferKind    `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Status       Status          `json:"status"`
	OrderID      uuid.UUID       `json:"order_id,omitempty"`
	Counterparty string          `json:"counterparty,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TransferSum selects the transfers SumTransfers adds up.
type TransferSum struct {
	PortfolioID uuid.UUID
	Kind        TransferKind
	Status      Status
	Since       time.Time
}
