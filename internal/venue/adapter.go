package venue

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrOrderNotFound is returned when the venue no longer resolves an order
// id. This is a classification input, not a failure: it happens both when a
// human cancels a resting order and when a manual trade removes it.
var ErrOrderNotFound = errors.New("order not found at venue")

// OrderStatus is the venue's reported state of one order at poll time.
type OrderStatus struct {
	Status         string
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
}

// Filled reports whether the venue executed the order in full.
func (o *OrderStatus) Filled() bool {
	return o.Status == "FILLED"
}

// Canceled reports whether the venue terminated the order without a full fill.
func (o *OrderStatus) Canceled() bool {
	switch o.Status {
	case "CANCELED", "EXPIRED", "REJECTED":
		return true
	}
	return false
}

// Open reports whether the order is still resting on the venue.
func (o *OrderStatus) Open() bool {
	return !o.Filled() && !o.Canceled()
}

// Adapter is the venue surface the reconciliation engine consumes. All
// three calls are slow, fallible network operations; retry and backoff
// policy lives behind this interface, never in the engine.
type Adapter interface {
	// GetOrderStatus looks up one order by id and symbol. It returns an
	// error wrapping ErrOrderNotFound when the venue no longer knows the id.
	GetOrderStatus(ctx context.Context, symbol string, orderID string) (*OrderStatus, error)

	// GetFreeBalance returns the free (unlocked) balance of one asset.
	GetFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	// GetLastPrice returns the venue's last trade price for the symbol.
	GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
