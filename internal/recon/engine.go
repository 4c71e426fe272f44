package recon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/config"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/ledger"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/notify"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/store"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/venue"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Engine reconciles the local book against venue truth. It owns the
// background poll loop and is also the synchronous entry point for the
// trade-execution path, so every mutation flows through the same book and
// the same persistence discipline.
type Engine struct {
	logger     *zap.Logger
	cfg        *config.Config
	venue      venue.Adapter
	book       *ledger.Book
	store      *store.Store
	maintainer *store.Maintainer
	notifier   notify.Notifier
	db         *gorm.DB
}

// NewEngine creates a reconciliation engine over the given collaborators.
// db may be nil, in which case no audit rows are written.
func NewEngine(
	logger *zap.Logger,
	cfg *config.Config,
	adapter venue.Adapter,
	book *ledger.Book,
	st *store.Store,
	maintainer *store.Maintainer,
	notifier notify.Notifier,
	db *gorm.DB,
) *Engine {
	return &Engine{
		logger:     logger.Named("recon"),
		cfg:        cfg,
		venue:      adapter,
		book:       book,
		store:      st,
		maintainer: maintainer,
		notifier:   notifier,
		db:         db,
	}
}

// Run starts the reconciliation loop and blocks until the context is
// cancelled. Cycles run inline in the loop so they can never overlap; a
// cycle in flight when shutdown begins finishes before Run returns. A
// failed cycle is logged and retried at the next tick, never fatal.
func (e *Engine) Run(ctx context.Context) {
	interval := time.Duration(e.cfg.Reconcile.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Starting reconciliation loop", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping reconciliation engine...")
			return
		case <-ticker.C:
			if err := e.RunCycle(ctx); err != nil {
				e.logger.Error("Reconciliation cycle failed", zap.Error(err))
			}
		}
	}
}

// RecordPurchase folds a purchase execution into the book and persists the
// document. It is the synchronous entry for the trade-execution path.
func (e *Engine) RecordPurchase(symbol string, quantity, price decimal.Decimal, orderRef string) (ledger.Position, error) {
	pos, err := e.book.RecordPurchase(symbol, quantity, price, orderRef)
	if err != nil {
		return ledger.Position{}, err
	}
	e.logger.Info("Recorded purchase",
		zap.String("symbol", symbol),
		zap.String("quantity", quantity.String()),
		zap.String("price", price.String()),
		zap.String("average_price", pos.AveragePrice().String()))
	e.persist()
	return pos, nil
}

// TrackExitOrder registers a freshly placed protective order and persists
// the document.
func (e *Engine) TrackExitOrder(symbol, orderID string, role ledger.OrderRole, quantity, targetPrice decimal.Decimal) (ledger.ExitOrderRecord, error) {
	rec, err := e.book.TrackExitOrder(symbol, orderID, role, quantity, targetPrice)
	if err != nil {
		return ledger.ExitOrderRecord{}, err
	}
	e.logger.Info("Tracking exit order",
		zap.String("symbol", symbol),
		zap.String("order_id", orderID),
		zap.String("role", string(role)),
		zap.String("quantity", quantity.String()),
		zap.String("target_price", targetPrice.String()))
	e.persist()
	return rec, nil
}

// ExitPrices derives the protective order prices for a symbol from the
// configured percentages.
func (e *Engine) ExitPrices(symbol string) (ledger.ExitPrices, error) {
	return e.book.ComputeExitPrices(symbol,
		decimal.NewFromFloat(e.cfg.Trading.StopLossPct),
		decimal.NewFromFloat(e.cfg.Trading.TakeProfit1Pct),
		decimal.NewFromFloat(e.cfg.Trading.TakeProfit2Pct),
		decimal.NewFromFloat(e.cfg.Trading.FeeRate))
}

// persist writes the book to the document store. A failed write is logged
// and retried on the next mutation; the in-memory book stays authoritative
// until a write succeeds.
func (e *Engine) persist() {
	if err := e.store.Save(e.book.State()); err != nil {
		e.logger.Error("Failed to persist state, will retry on next mutation", zap.Error(err))
	}
}

// baseAsset derives the base asset from a symbol by stripping the
// configured quote asset, e.g. BTCUSDT -> BTC.
func (e *Engine) baseAsset(symbol string) string {
	return strings.TrimSuffix(symbol, e.cfg.Trading.QuoteAsset)
}

func pct(p ledger.ProfitLoss) string {
	return fmt.Sprintf("%s%%", p.Percent.StringFixed(2))
}
