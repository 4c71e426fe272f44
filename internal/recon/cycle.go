package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/ledger"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/models"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/notify"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/venue"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RunCycle reconciles every active exit order against venue truth once.
// Venue queries happen outside the book's lock; only classification results
// are applied under it. A venue failure on one order never blocks the rest
// of the batch: the order stays ACTIVE and is retried next cycle.
func (e *Engine) RunCycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cycleID := uuid.NewString()
	log := e.logger.With(zap.String("cycle_id", cycleID))

	orders := e.book.ActiveOrders()
	log.Debug("Reconciliation cycle started", zap.Int("active_orders", len(orders)))

	// Venue balances fetched once per asset per cycle, so every vanished
	// order of a symbol is judged against the same snapshot.
	balances := make(map[string]decimal.Decimal)

	var failed int
	for _, ord := range orders {
		if err := e.reconcileOrder(ctx, log, cycleID, ord, balances); err != nil {
			failed++
			log.Error("Failed to reconcile order, leaving ACTIVE for next cycle",
				zap.String("order_id", ord.OrderID),
				zap.String("symbol", ord.Symbol),
				zap.Error(err))
		}
	}

	e.refreshBalances(ctx, log, balances)

	if err := e.maintainer.AutoMaintain(); err != nil {
		log.Error("Auto-maintenance failed", zap.Error(err))
	}

	log.Info("Reconciliation cycle complete",
		zap.Int("orders", len(orders)),
		zap.Int("failed", failed))
	return nil
}

// reconcileOrder classifies the fate of one active order.
func (e *Engine) reconcileOrder(ctx context.Context, log *zap.Logger, cycleID string, ord ledger.ExitOrderRecord, balances map[string]decimal.Decimal) error {
	status, err := e.venue.GetOrderStatus(ctx, ord.Symbol, ord.OrderID)
	switch {
	case errors.Is(err, venue.ErrOrderNotFound):
		// Ambiguous: the order vanished from the venue's working set.
		return e.classifyVanished(ctx, log, cycleID, ord, balances)

	case err != nil:
		// Transient venue failure: never promote to a terminal state.
		return fmt.Errorf("venue lookup: %w", err)

	case status.Filled():
		// The venue's fill data is ground truth.
		qty := status.FilledQuantity
		if qty.Sign() <= 0 {
			qty = ord.Quantity
		}
		price := status.AvgFillPrice
		if price.Sign() <= 0 {
			price = ord.TargetPrice
		}
		return e.applyDisposal(log, cycleID, ord, ledger.StatusAutoFilled, qty, price, false,
			"filled by venue")

	case status.Canceled():
		return e.applyRemoval(log, cycleID, ord, ledger.StatusCanceled,
			"canceled at venue ("+status.Status+")")

	default:
		// Still resting on the venue.
		return nil
	}
}

// classifyVanished disambiguates an order id the venue no longer resolves.
// A free balance drop matching the order's quantity means a human executed
// the trade manually (which removed the resting order as a side effect);
// anything else means a manual cancel.
func (e *Engine) classifyVanished(ctx context.Context, log *zap.Logger, cycleID string, ord ledger.ExitOrderRecord, balances map[string]decimal.Decimal) error {
	asset := e.baseAsset(ord.Symbol)
	current, err := e.freeBalance(ctx, asset, balances)
	if err != nil {
		return fmt.Errorf("balance lookup for %s: %w", asset, err)
	}

	prev, ok := e.book.FreeBalance(ord.Symbol)
	if ok && balanceDropMatches(prev, current, ord.Quantity, e.cfg.Reconcile.BalanceTolerance) {
		// No authoritative fill price exists for a manual execution; the
		// current market price is an explicit estimate.
		price, err := e.venue.GetLastPrice(ctx, ord.Symbol)
		if err != nil {
			return fmt.Errorf("last price lookup for %s: %w", ord.Symbol, err)
		}
		return e.applyDisposal(log, cycleID, ord, ledger.StatusManualFilled, ord.Quantity, price, true,
			"manual fill inferred from balance drop; fill price estimated from market")
	}

	note := "removed at venue with no matching balance change"
	if !ok {
		note = "removed at venue; no prior balance snapshot to compare"
	}
	return e.applyRemoval(log, cycleID, ord, ledger.StatusManualCanceled, note)
}

// applyDisposal transitions the order, applies the disposal to the ledger,
// persists and notifies. The transition's idempotence guarantees a disposal
// is never applied twice for the same order.
func (e *Engine) applyDisposal(log *zap.Logger, cycleID string, ord ledger.ExitOrderRecord, status ledger.OrderStatus, quantity, price decimal.Decimal, estimated bool, note string) error {
	fill := &ledger.Fill{Price: price, Time: time.Now(), Estimated: estimated}
	rec, changed, err := e.book.Transition(ord.OrderID, status, fill, note)
	if err != nil {
		return err
	}
	if !changed {
		log.Debug("Order already terminal, nothing to apply", zap.String("order_id", ord.OrderID))
		return nil
	}

	// P&L marks against the average cost, so it is computed before the
	// disposal (a full liquidation removes the position).
	pl, plErr := e.book.ComputeProfitLoss(ord.Symbol, quantity, price)
	if plErr != nil {
		log.Warn("Could not compute profit/loss", zap.String("symbol", ord.Symbol), zap.Error(plErr))
	}

	res, err := e.book.RecordDisposal(ord.Symbol, quantity)
	switch {
	case err != nil:
		// The terminal status stands regardless; the venue already executed.
		log.Warn("Disposal could not be applied to ledger",
			zap.String("symbol", ord.Symbol),
			zap.String("order_id", ord.OrderID),
			zap.Error(err))
	case res.Clamped:
		log.Warn("Disposal exceeded tracked quantity, clamped to full liquidation",
			zap.String("symbol", ord.Symbol),
			zap.String("requested", quantity.String()),
			zap.String("disposed", res.Disposed.String()))
	case res.Closed:
		log.Info("Position fully closed",
			zap.String("symbol", ord.Symbol),
			zap.String("profit_loss", pl.Absolute.String()))
	}

	e.persist()
	e.recordAudit(log, cycleID, rec, quantity, pl, note)

	kind := notify.EventFilled
	if status == ledger.StatusManualFilled {
		kind = notify.EventManualFilled
	}
	e.notifier.Notify(notify.Event{
		Kind:          kind,
		Symbol:        rec.Symbol,
		Role:          rec.Role,
		OrderID:       rec.OrderID,
		Quantity:      quantity,
		Price:         price,
		Estimated:     estimated,
		ProfitLoss:    pl.Absolute,
		ProfitLossPct: pl.Percent,
		CycleID:       cycleID,
		Time:          time.Now(),
	})

	log.Info("Exit order reconciled as fill",
		zap.String("symbol", rec.Symbol),
		zap.String("order_id", rec.OrderID),
		zap.String("status", string(status)),
		zap.String("quantity", quantity.String()),
		zap.String("price", price.String()),
		zap.Bool("estimated", estimated),
		zap.String("profit_loss", pl.Absolute.String()),
		zap.String("profit_loss_pct", pct(pl)))
	return nil
}

// applyRemoval transitions the order to a non-disposal terminal state.
// Only the status change is persisted; the ledger is untouched.
func (e *Engine) applyRemoval(log *zap.Logger, cycleID string, ord ledger.ExitOrderRecord, status ledger.OrderStatus, note string) error {
	rec, changed, err := e.book.Transition(ord.OrderID, status, nil, note)
	if err != nil {
		return err
	}
	if !changed {
		log.Debug("Order already terminal, nothing to apply", zap.String("order_id", ord.OrderID))
		return nil
	}

	e.persist()
	e.recordAudit(log, cycleID, rec, rec.Quantity, ledger.ProfitLoss{}, note)

	kind := notify.EventCanceled
	if status == ledger.StatusManualCanceled {
		kind = notify.EventManualCanceled
	}
	e.notifier.Notify(notify.Event{
		Kind:     kind,
		Symbol:   rec.Symbol,
		Role:     rec.Role,
		OrderID:  rec.OrderID,
		Quantity: rec.Quantity,
		Price:    rec.TargetPrice,
		CycleID:  cycleID,
		Time:     time.Now(),
	})

	log.Info("Exit order reconciled as removal",
		zap.String("symbol", rec.Symbol),
		zap.String("order_id", rec.OrderID),
		zap.String("status", string(status)),
		zap.String("note", note))
	return nil
}

// refreshBalances records the venue's current free balance on every open
// position, the baseline for next cycle's vanished-order disambiguation.
func (e *Engine) refreshBalances(ctx context.Context, log *zap.Logger, balances map[string]decimal.Decimal) {
	updated := false
	for _, symbol := range e.book.Symbols() {
		if _, ok := e.book.Position(symbol); !ok {
			continue
		}
		bal, err := e.freeBalance(ctx, e.baseAsset(symbol), balances)
		if err != nil {
			log.Warn("Could not refresh balance snapshot",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		e.book.SetFreeBalance(symbol, bal)
		updated = true
	}
	if updated {
		e.persist()
	}
}

// freeBalance fetches an asset's free balance at most once per cycle.
func (e *Engine) freeBalance(ctx context.Context, asset string, cache map[string]decimal.Decimal) (decimal.Decimal, error) {
	if bal, ok := cache[asset]; ok {
		return bal, nil
	}
	bal, err := e.venue.GetFreeBalance(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	cache[asset] = bal
	return bal, nil
}

// recordAudit writes one classification row to the audit database.
func (e *Engine) recordAudit(log *zap.Logger, cycleID string, rec ledger.ExitOrderRecord, quantity decimal.Decimal, pl ledger.ProfitLoss, note string) {
	if e.db == nil {
		return
	}
	event := models.FillEvent{
		Symbol:         rec.Symbol,
		OrderRef:       rec.OrderID,
		Role:           string(rec.Role),
		Classification: string(rec.Status),
		Quantity:       quantity.String(),
		Price:          rec.FillPrice.String(),
		PriceEstimated: rec.PriceEstimated,
		ProfitLoss:     pl.Absolute.String(),
		ProfitLossPct:  pl.Percent.String(),
		CycleID:        cycleID,
		Note:           note,
	}
	if err := e.db.Create(&event).Error; err != nil {
		log.Error("Failed to save audit row", zap.String("order_id", rec.OrderID), zap.Error(err))
	}
}

// balanceDropMatches reports whether the free balance dropped by
// approximately the order's quantity, within the relative tolerance.
func balanceDropMatches(prev, current, quantity decimal.Decimal, tolerance float64) bool {
	if quantity.Sign() <= 0 {
		return false
	}
	drop := prev.Sub(current)
	diff := drop.Sub(quantity).Abs()
	return diff.LessThanOrEqual(quantity.Mul(decimal.NewFromFloat(tolerance)))
}
