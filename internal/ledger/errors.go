package ledger

import "errors"

var (
	// ErrInvalidQuantity is returned when a purchase or disposal is requested
	// with a non-positive quantity or price.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrPositionNotFound is returned when an operation references a symbol
	// with no open position.
	ErrPositionNotFound = errors.New("position not found")

	// ErrOrderNotFound is returned when an order id is not tracked by the registry.
	ErrOrderNotFound = errors.New("order not found")
)
