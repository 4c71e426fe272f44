package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderRole identifies which protective leg an exit order represents.
type OrderRole string

const (
	RoleStopLoss    OrderRole = "STOP_LOSS"
	RoleTakeProfit1 OrderRole = "TAKE_PROFIT_1"
	RoleTakeProfit2 OrderRole = "TAKE_PROFIT_2"
)

// OrderStatus is the lifecycle state of an exit order. ACTIVE is the only
// non-terminal state; every other status is final.
type OrderStatus string

const (
	StatusActive         OrderStatus = "ACTIVE"
	StatusAutoFilled     OrderStatus = "AUTO_FILLED"
	StatusManualFilled   OrderStatus = "MANUAL_FILLED"
	StatusCanceled       OrderStatus = "CANCELED"
	StatusManualCanceled OrderStatus = "MANUAL_CANCELED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s != StatusActive
}

// Disposal reports whether the status represents a real sale of the base
// asset, i.e. one that must reduce the tracked position.
func (s OrderStatus) Disposal() bool {
	return s == StatusAutoFilled || s == StatusManualFilled
}

// Lot is one purchase event contributing to a position's cost basis.
// Lots are immutable once recorded and kept only for audit; the position's
// aggregates do not depend on how many lots are retained.
type Lot struct {
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	OrderRef  string          `json:"order_ref"`
	Timestamp time.Time       `json:"timestamp"`
}

// ExitOrderRecord tracks one resting sell-side order protecting a position.
type ExitOrderRecord struct {
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Role        OrderRole       `json:"role"`
	Quantity    decimal.Decimal `json:"quantity"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Status      OrderStatus     `json:"status"`

	// Fill data, set only on terminal disposal statuses. FillPrice is an
	// estimate (current market price) when the fill happened outside this
	// system and no authoritative execution price exists.
	FillPrice      decimal.Decimal `json:"fill_price"`
	FillTime       *time.Time      `json:"fill_time,omitempty"`
	PriceEstimated bool            `json:"price_estimated,omitempty"`

	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Fill carries venue-reported (or estimated) execution details into Transition.
type Fill struct {
	Price     decimal.Decimal
	Time      time.Time
	Estimated bool
}

// Position is the aggregate holding of one asset expressed as
// weighted-average cost. TotalCost and TotalQuantity are the running
// aggregates; the average price is always derived, never stored.
type Position struct {
	Symbol        string          `json:"symbol"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	Lots          []Lot           `json:"lots"`

	// ExitOrders holds both the active protective legs and the terminal
	// history retained for audit.
	ExitOrders []*ExitOrderRecord `json:"exit_orders"`

	// FreeBalance is the venue's last observed free balance of the base
	// asset, used to disambiguate vanished orders on the next cycle.
	// BalanceSeenAt is nil until a snapshot has actually been taken, so a
	// missing baseline is never mistaken for a zero balance.
	FreeBalance   decimal.Decimal `json:"free_balance"`
	BalanceSeenAt *time.Time      `json:"balance_seen_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AveragePrice returns TotalCost / TotalQuantity. It is only meaningful for
// an open position; a zero quantity yields zero.
func (p *Position) AveragePrice() decimal.Decimal {
	if p.TotalQuantity.IsZero() {
		return decimal.Zero
	}
	return p.TotalCost.Div(p.TotalQuantity)
}

// open reports whether the position still holds a tracked quantity above dust.
func (p *Position) open(epsilon decimal.Decimal) bool {
	return p.TotalQuantity.GreaterThan(epsilon)
}

// clone returns a deep copy safe to hand out while the book's lock is released.
func (p *Position) clone() Position {
	cp := *p
	cp.Lots = append([]Lot(nil), p.Lots...)
	if p.BalanceSeenAt != nil {
		t := *p.BalanceSeenAt
		cp.BalanceSeenAt = &t
	}
	cp.ExitOrders = make([]*ExitOrderRecord, len(p.ExitOrders))
	for i, o := range p.ExitOrders {
		oc := *o
		if o.FillTime != nil {
			t := *o.FillTime
			oc.FillTime = &t
		}
		cp.ExitOrders[i] = &oc
	}
	return cp
}

// ExitPrices are the protective order prices derived from the average cost.
type ExitPrices struct {
	StopLoss    decimal.Decimal
	TakeProfit1 decimal.Decimal
	TakeProfit2 decimal.Decimal
}

// ProfitLoss is the result of marking a quantity against the average cost.
type ProfitLoss struct {
	Absolute     decimal.Decimal
	Percent      decimal.Decimal
	AveragePrice decimal.Decimal
}

// DisposalResult describes the outcome of RecordDisposal.
type DisposalResult struct {
	Position Position
	Disposed decimal.Decimal
	// Closed is true when the disposal fully liquidated the position.
	Closed bool
	// Clamped is true when the requested quantity exceeded the tracked
	// quantity and was clamped to a full liquidation.
	Clamped bool
}
