package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultEpsilon is the dust threshold below which a position counts as
// closed despite rounding residue.
var DefaultEpsilon = decimal.RequireFromString("0.00000001")

// Book owns the position ledger and the exit order registry for every
// tracked symbol. All mutations go through its single mutex, so no caller
// can ever observe a partially updated position. Closed positions stay in
// the book with a zero quantity until maintenance evicts them, which keeps
// their exit order history available for audit.
type Book struct {
	mu        sync.Mutex
	positions map[string]*Position
	epsilon   decimal.Decimal
	now       func() time.Time
}

// NewBook creates an empty book. A non-positive epsilon falls back to
// DefaultEpsilon.
func NewBook(epsilon decimal.Decimal) *Book {
	if epsilon.Sign() <= 0 {
		epsilon = DefaultEpsilon
	}
	return &Book{
		positions: make(map[string]*Position),
		epsilon:   epsilon,
		now:       time.Now,
	}
}

// RecordPurchase folds one purchase into the symbol's weighted-average cost
// basis, creating the position on first purchase, and appends a lot.
func (b *Book) RecordPurchase(symbol string, quantity, price decimal.Decimal, orderRef string) (Position, error) {
	if quantity.Sign() <= 0 || price.Sign() <= 0 {
		return Position{}, fmt.Errorf("purchase %s qty=%s price=%s: %w", symbol, quantity, price, ErrInvalidQuantity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	pos, ok := b.positions[symbol]
	if !ok || !pos.open(b.epsilon) {
		if !ok {
			pos = &Position{Symbol: symbol}
			b.positions[symbol] = pos
		}
		// A re-opened symbol starts a fresh cost basis; terminal order
		// history from the previous round is kept.
		pos.TotalQuantity = decimal.Zero
		pos.TotalCost = decimal.Zero
		pos.Lots = nil
		pos.CreatedAt = now
	}

	pos.TotalQuantity = pos.TotalQuantity.Add(quantity)
	pos.TotalCost = pos.TotalCost.Add(quantity.Mul(price))
	pos.Lots = append(pos.Lots, Lot{
		Quantity:  quantity,
		Price:     price,
		OrderRef:  orderRef,
		Timestamp: now,
	})
	pos.UpdatedAt = now

	return pos.clone(), nil
}

// RecordDisposal reduces the position by the sold quantity. The cost is
// reduced proportionally so the average price is preserved exactly. A
// disposal of at least the tracked quantity (within epsilon) closes the
// position; a request exceeding it is clamped to a full liquidation and
// flagged in the result rather than rejected.
func (b *Book) RecordDisposal(symbol string, quantity decimal.Decimal) (DisposalResult, error) {
	if quantity.Sign() <= 0 {
		return DisposalResult{}, fmt.Errorf("disposal %s qty=%s: %w", symbol, quantity, ErrInvalidQuantity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok || !pos.open(b.epsilon) {
		return DisposalResult{}, fmt.Errorf("disposal %s: %w", symbol, ErrPositionNotFound)
	}

	now := b.now()
	res := DisposalResult{Disposed: quantity}

	if quantity.GreaterThanOrEqual(pos.TotalQuantity.Sub(b.epsilon)) {
		res.Clamped = quantity.GreaterThan(pos.TotalQuantity.Add(b.epsilon))
		res.Closed = true
		res.Disposed = pos.TotalQuantity
		pos.TotalQuantity = decimal.Zero
		pos.TotalCost = decimal.Zero
	} else {
		remaining := pos.TotalQuantity.Sub(quantity)
		pos.TotalCost = pos.TotalCost.Mul(remaining).Div(pos.TotalQuantity)
		pos.TotalQuantity = remaining
	}
	pos.UpdatedAt = now

	res.Position = pos.clone()
	return res, nil
}

// ComputeExitPrices derives the protective order prices from the current
// average cost. The take-profit targets bake in the round-trip fee so the
// net result matches the nominal percentage.
func (b *Book) ComputeExitPrices(symbol string, stopLossPct, tp1Pct, tp2Pct, feePerLeg decimal.Decimal) (ExitPrices, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok || !pos.open(b.epsilon) {
		return ExitPrices{}, fmt.Errorf("exit prices %s: %w", symbol, ErrPositionNotFound)
	}

	avg := pos.AveragePrice()
	one := decimal.NewFromInt(1)
	fees := feePerLeg.Mul(decimal.NewFromInt(2))
	return ExitPrices{
		StopLoss:    avg.Mul(one.Sub(stopLossPct)),
		TakeProfit1: avg.Mul(one.Add(tp1Pct).Add(fees)),
		TakeProfit2: avg.Mul(one.Add(tp2Pct).Add(fees)),
	}, nil
}

// ComputeProfitLoss marks the given quantity at the given price against the
// position's average cost. It never mutates state.
func (b *Book) ComputeProfitLoss(symbol string, quantity, price decimal.Decimal) (ProfitLoss, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok || !pos.open(b.epsilon) {
		return ProfitLoss{}, fmt.Errorf("profit/loss %s: %w", symbol, ErrPositionNotFound)
	}

	avg := pos.AveragePrice()
	pl := ProfitLoss{
		Absolute:     price.Sub(avg).Mul(quantity),
		AveragePrice: avg,
	}
	if !avg.IsZero() {
		pl.Percent = price.Sub(avg).Div(avg).Mul(decimal.NewFromInt(100))
	}
	return pl, nil
}

// TrackExitOrder registers a resting protective order with the symbol's
// position. The parent position must exist and be open.
func (b *Book) TrackExitOrder(symbol, orderID string, role OrderRole, quantity, targetPrice decimal.Decimal) (ExitOrderRecord, error) {
	if quantity.Sign() <= 0 {
		return ExitOrderRecord{}, fmt.Errorf("track order %s qty=%s: %w", orderID, quantity, ErrInvalidQuantity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok || !pos.open(b.epsilon) {
		return ExitOrderRecord{}, fmt.Errorf("track order %s for %s: %w", orderID, symbol, ErrPositionNotFound)
	}

	rec := &ExitOrderRecord{
		OrderID:     orderID,
		Symbol:      symbol,
		Role:        role,
		Quantity:    quantity,
		TargetPrice: targetPrice,
		Status:      StatusActive,
		CreatedAt:   b.now(),
	}
	pos.ExitOrders = append(pos.ExitOrders, rec)
	pos.UpdatedAt = rec.CreatedAt
	return *rec, nil
}

// Transition moves an order to a terminal status. Transitioning a record
// that is already terminal is an idempotent no-op: the existing record is
// returned unchanged and the second return value is false, so callers never
// double-apply a disposal or re-fire a notification.
func (b *Book) Transition(orderID string, status OrderStatus, fill *Fill, note string) (ExitOrderRecord, bool, error) {
	if !status.Terminal() {
		return ExitOrderRecord{}, false, fmt.Errorf("transition %s to non-terminal status %q", orderID, status)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.findOrder(orderID)
	if rec == nil {
		return ExitOrderRecord{}, false, fmt.Errorf("transition %s: %w", orderID, ErrOrderNotFound)
	}
	if rec.Status.Terminal() {
		return *rec, false, nil
	}

	rec.Status = status
	rec.Note = note
	if fill != nil {
		rec.FillPrice = fill.Price
		t := fill.Time
		rec.FillTime = &t
		rec.PriceEstimated = fill.Estimated
	}
	if pos, ok := b.positions[rec.Symbol]; ok {
		pos.UpdatedAt = b.now()
	}
	return *rec, true, nil
}

// ListActive returns the symbol's exit orders still awaiting a terminal state.
func (b *Book) ListActive(symbol string) []ExitOrderRecord {
	return b.listOrders(symbol, true)
}

// ListAll returns the symbol's full exit order history, active and terminal.
func (b *Book) ListAll(symbol string) []ExitOrderRecord {
	return b.listOrders(symbol, false)
}

// ActiveOrders returns every active exit order across all symbols, in
// stable symbol order. The engine snapshots this before querying the venue
// so network calls happen outside the lock.
func (b *Book) ActiveOrders() []ExitOrderRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	symbols := make([]string, 0, len(b.positions))
	for s := range b.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var out []ExitOrderRecord
	for _, s := range symbols {
		for _, o := range b.positions[s].ExitOrders {
			if !o.Status.Terminal() {
				out = append(out, *o)
			}
		}
	}
	return out
}

// Position returns a copy of the open position for the symbol.
func (b *Book) Position(symbol string) (Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok || !pos.open(b.epsilon) {
		return Position{}, false
	}
	return pos.clone(), true
}

// Symbols lists every symbol with a record in the book, open or closed.
func (b *Book) Symbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.positions))
	for s := range b.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// FreeBalance returns the last observed venue free balance for the symbol.
// The second return value is false until a snapshot has been taken.
func (b *Book) FreeBalance(symbol string) (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok || pos.BalanceSeenAt == nil {
		return decimal.Zero, false
	}
	return pos.FreeBalance, true
}

// SetFreeBalance records the venue free balance observed for the symbol.
func (b *Book) SetFreeBalance(symbol string, balance decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pos, ok := b.positions[symbol]; ok {
		now := b.now()
		pos.FreeBalance = balance
		pos.BalanceSeenAt = &now
	}
}

// Compact truncates the symbol's lot history to the newest keep entries.
// Aggregates are running totals and are never touched. It returns the
// number of lots dropped.
func (b *Book) Compact(symbol string, keep int) int {
	if keep < 0 {
		keep = 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok || len(pos.Lots) <= keep {
		return 0
	}
	dropped := len(pos.Lots) - keep
	pos.Lots = append([]Lot(nil), pos.Lots[dropped:]...)
	return dropped
}

// EvictStale removes closed (zero or dust quantity) positions not updated
// within maxAge and returns the evicted symbols.
func (b *Book) EvictStale(maxAge time.Duration) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-maxAge)
	var evicted []string
	for symbol, pos := range b.positions {
		if !pos.open(b.epsilon) && pos.UpdatedAt.Before(cutoff) {
			delete(b.positions, symbol)
			evicted = append(evicted, symbol)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// State returns a deep copy of the book for persistence.
func (b *Book) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := State{Positions: make(map[string]*Position, len(b.positions))}
	for symbol, pos := range b.positions {
		cp := pos.clone()
		st.Positions[symbol] = &cp
	}
	return st
}

// Restore replaces the book's contents with a previously persisted state.
func (b *Book) Restore(st State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.positions = make(map[string]*Position, len(st.Positions))
	for symbol, pos := range st.Positions {
		cp := pos.clone()
		b.positions[symbol] = &cp
	}
}

// State is the serializable snapshot of the whole book: one record per
// symbol holding the position aggregates, lot history and exit orders.
type State struct {
	Positions map[string]*Position `json:"positions"`
}

func (b *Book) findOrder(orderID string) *ExitOrderRecord {
	for _, pos := range b.positions {
		for _, o := range pos.ExitOrders {
			if o.OrderID == orderID {
				return o
			}
		}
	}
	return nil
}

func (b *Book) listOrders(symbol string, activeOnly bool) []ExitOrderRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok {
		return nil
	}
	var out []ExitOrderRecord
	for _, o := range pos.ExitOrders {
		if activeOnly && o.Status.Terminal() {
			continue
		}
		out = append(out, *o)
	}
	return out
}
