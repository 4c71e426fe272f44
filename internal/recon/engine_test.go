package recon

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/config"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/ledger"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/models"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/notify"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/store"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/venue"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// MockAdapter is a mock implementation of the venue.Adapter interface.
type MockAdapter struct {
	mock.Mock
}

func (m *MockAdapter) GetOrderStatus(_ context.Context, symbol string, orderID string) (*venue.OrderStatus, error) {
	args := m.Called(symbol, orderID)
	var st *venue.OrderStatus
	if v := args.Get(0); v != nil {
		st = v.(*venue.OrderStatus)
	}
	return st, args.Error(1)
}

func (m *MockAdapter) GetFreeBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	args := m.Called(asset)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockAdapter) GetLastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	args := m.Called(symbol)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

// captureNotifier records every event the engine emits.
type captureNotifier struct {
	events []notify.Event
}

func (c *captureNotifier) Notify(event notify.Event) {
	c.events = append(c.events, event)
}

func testConfig() *config.Config {
	return &config.Config{
		Trading: config.Trading{
			QuoteAsset:     "USDT",
			StopLossPct:    0.03,
			TakeProfit1Pct: 0.02,
			TakeProfit2Pct: 0.04,
			Epsilon:        "0.00000001",
		},
		Reconcile: config.Reconcile{
			IntervalSeconds:  30,
			BalanceTolerance: 0.01,
		},
	}
}

// setupEngine creates a full engine over a mock venue, a temp-dir store and
// a capturing notifier.
func setupEngine(t *testing.T, db *gorm.DB) (*Engine, *ledger.Book, *MockAdapter, *captureNotifier) {
	book := ledger.NewBook(ledger.DefaultEpsilon)
	st := store.NewStore(filepath.Join(t.TempDir(), "positions.json"), zap.NewNop())
	maintainer := store.NewMaintainer(book, st, store.MaintainerConfig{}, zap.NewNop())
	adapter := new(MockAdapter)
	notifier := &captureNotifier{}

	engine := NewEngine(zap.NewNop(), testConfig(), adapter, book, st, maintainer, notifier, db)
	return engine, book, adapter, notifier
}

// seedPosition opens a 100-unit position at 150 with one active exit order.
func seedPosition(t *testing.T, engine *Engine, orderID string, role ledger.OrderRole, qty string) {
	_, err := engine.RecordPurchase("BTCUSDT", d("100"), d("150"), "buy-1")
	require.NoError(t, err)
	_, err = engine.TrackExitOrder("BTCUSDT", orderID, role, d(qty), d("160"))
	require.NoError(t, err)
}

func TestRunCycle_OrderStillOpen(t *testing.T) {
	engine, book, adapter, notifier := setupEngine(t, nil)
	seedPosition(t, engine, "o-1", ledger.RoleTakeProfit1, "30")

	adapter.On("GetOrderStatus", "BTCUSDT", "o-1").
		Return(&venue.OrderStatus{Status: "NEW"}, nil)
	adapter.On("GetFreeBalance", "BTC").Return(d("100"), nil)

	require.NoError(t, engine.RunCycle(context.Background()))

	assert.Len(t, book.ListActive("BTCUSDT"), 1)
	assert.Empty(t, notifier.events)
	adapter.AssertExpectations(t)
}

func TestRunCycle_AutoFilled(t *testing.T) {
	engine, book, adapter, notifier := setupEngine(t, nil)
	seedPosition(t, engine, "o-1", ledger.RoleTakeProfit1, "30")

	adapter.On("GetOrderStatus", "BTCUSDT", "o-1").
		Return(&venue.OrderStatus{
			Status:         "FILLED",
			FilledQuantity: d("30"),
			AvgFillPrice:   d("160"),
		}, nil)
	adapter.On("GetFreeBalance", "BTC").Return(d("70"), nil)

	require.NoError(t, engine.RunCycle(context.Background()))

	// Disposal applied with the venue's fill data as ground truth
	pos, ok := book.Position("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.TotalQuantity.Equal(d("70")))
	assert.True(t, pos.AveragePrice().Equal(d("150")), "disposal must preserve the average price")

	all := book.ListAll("BTCUSDT")
	require.Len(t, all, 1)
	assert.Equal(t, ledger.StatusAutoFilled, all[0].Status)
	assert.False(t, all[0].PriceEstimated)

	require.Len(t, notifier.events, 1)
	event := notifier.events[0]
	assert.Equal(t, notify.EventFilled, event.Kind)
	assert.True(t, event.ProfitLoss.Equal(d("300")), "P&L (160-150)*30, got %s", event.ProfitLoss)
	assert.False(t, event.Estimated)
	adapter.AssertExpectations(t)
}

func TestRunCycle_CanceledAtVenue(t *testing.T) {
	engine, book, adapter, notifier := setupEngine(t, nil)
	seedPosition(t, engine, "o-1", ledger.RoleStopLoss, "100")

	adapter.On("GetOrderStatus", "BTCUSDT", "o-1").
		Return(&venue.OrderStatus{Status: "CANCELED"}, nil)
	adapter.On("GetFreeBalance", "BTC").Return(d("100"), nil)

	require.NoError(t, engine.RunCycle(context.Background()))

	// Status change only: the ledger is untouched
	pos, ok := book.Position("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.TotalQuantity.Equal(d("100")))

	all := book.ListAll("BTCUSDT")
	require.Len(t, all, 1)
	assert.Equal(t, ledger.StatusCanceled, all[0].Status)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, notify.EventCanceled, notifier.events[0].Kind)
	adapter.AssertExpectations(t)
}

func TestRunCycle_VanishedWithBalanceDrop_ManualFilled(t *testing.T) {
	engine, book, adapter, notifier := setupEngine(t, nil)
	seedPosition(t, engine, "o-1", ledger.RoleTakeProfit1, "30")
	book.SetFreeBalance("BTCUSDT", d("100"))

	adapter.On("GetOrderStatus", "BTCUSDT", "o-1").
		Return(nil, venue.ErrOrderNotFound)
	// Free balance dropped from 100 to 70: matches the order's 30 units
	adapter.On("GetFreeBalance", "BTC").Return(d("70"), nil)
	adapter.On("GetLastPrice", "BTCUSDT").Return(d("158"), nil)

	require.NoError(t, engine.RunCycle(context.Background()))

	pos, ok := book.Position("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.TotalQuantity.Equal(d("70")))

	all := book.ListAll("BTCUSDT")
	require.Len(t, all, 1)
	assert.Equal(t, ledger.StatusManualFilled, all[0].Status)
	assert.True(t, all[0].PriceEstimated, "manual fill price must be flagged as estimated")
	assert.True(t, all[0].FillPrice.Equal(d("158")))

	require.Len(t, notifier.events, 1)
	event := notifier.events[0]
	assert.Equal(t, notify.EventManualFilled, event.Kind)
	assert.True(t, event.Estimated)
	assert.True(t, event.ProfitLoss.Equal(d("240")), "P&L (158-150)*30, got %s", event.ProfitLoss)
	adapter.AssertExpectations(t)
}

func TestRunCycle_VanishedWithinTolerance_ManualFilled(t *testing.T) {
	engine, book, adapter, _ := setupEngine(t, nil)
	seedPosition(t, engine, "o-1", ledger.RoleTakeProfit1, "30")
	book.SetFreeBalance("BTCUSDT", d("100"))

	adapter.On("GetOrderStatus", "BTCUSDT", "o-1").
		Return(nil, venue.ErrOrderNotFound)
	// Drop of 29.8 is within 1% of the order's 30 units
	adapter.On("GetFreeBalance", "BTC").Return(d("70.2"), nil)
	adapter.On("GetLastPrice", "BTCUSDT").Return(d("158"), nil)

	require.NoError(t, engine.RunCycle(context.Background()))

	all := book.ListAll("BTCUSDT")
	require.Len(t, all, 1)
	assert.Equal(t, ledger.StatusManualFilled, all[0].Status)
	adapter.AssertExpectations(t)
}

func TestRunCycle_VanishedNoBalanceChange_ManualCanceled(t *testing.T) {
	engine, book, adapter, notifier := setupEngine(t, nil)
	seedPosition(t, engine, "o-1", ledger.RoleStopLoss, "100")
	book.SetFreeBalance("BTCUSDT", d("100"))

	adapter.On("GetOrderStatus", "BTCUSDT", "o-1").
		Return(nil, venue.ErrOrderNotFound)
	adapter.On("GetFreeBalance", "BTC").Return(d("100"), nil)

	require.NoError(t, engine.RunCycle(context.Background()))

	// No ledger mutation, only the audit note
	pos, ok := book.Position("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.TotalQuantity.Equal(d("100")))

	all := book.ListAll("BTCUSDT")
	require.Len(t, all, 1)
	assert.Equal(t, ledger.StatusManualCanceled, all[0].Status)
	assert.Contains(t, all[0].Note, "no matching balance change")

	require.Len(t, notifier.events, 1)
	assert.Equal(t, notify.EventManualCanceled, notifier.events[0].Kind)
	adapter.AssertExpectations(t)
}

func TestRunCycle_VanishedWithoutBaseline_ManualCanceled(t *testing.T) {
	engine, book, adapter, _ := setupEngine(t, nil)
	seedPosition(t, engine, "o-1", ledger.RoleStopLoss, "100")
	// No balance snapshot was ever taken for this symbol

	adapter.On("GetOrderStatus", "BTCUSDT", "o-1").
		Return(nil, venue.ErrOrderNotFound)
	adapter.On("GetFreeBalance", "BTC").Return(d("0"), nil)

	require.NoError(t, engine.RunCycle(context.Background()))

	// Without a baseline there is nothing to disambiguate against: classify
	// conservatively as a manual cancel, never as a fill.
	all := book.ListAll("BTCUSDT")
	require.Len(t, all, 1)
	assert.Equal(t, ledger.StatusManualCanceled, all[0].Status)
	assert.Contains(t, all[0].Note, "no prior balance snapshot")
	adapter.AssertExpectations(t)
}

func TestRunCycle_TransientVenueError_LeavesActive(t *testing.T) {
	engine, book, adapter, notifier := setupEngine(t, nil)
	seedPosition(t, engine, "o-1", ledger.RoleStopLoss, "100")

	adapter.On("GetOrderStatus", "BTCUSDT", "o-1").
		Return(nil, errors.New("venue timeout"))
	adapter.On("GetFreeBalance", "BTC").Return(d("100"), nil)

	require.NoError(t, engine.RunCycle(context.Background()))

	// Never promoted to a terminal state on a transient failure
	active := book.ListActive("BTCUSDT")
	require.Len(t, active, 1)
	assert.Equal(t, ledger.StatusActive, active[0].Status)
	assert.Empty(t, notifier.events)
	adapter.AssertExpectations(t)
}

func TestRunCycle_PartialBatchFailure(t *testing.T) {
	engine, book, adapter, notifier := setupEngine(t, nil)
	seedPosition(t, engine, "o-1", ledger.RoleStopLoss, "50")
	_, err := engine.TrackExitOrder("BTCUSDT", "o-2", ledger.RoleTakeProfit1, d("30"), d("160"))
	require.NoError(t, err)

	// One order errors; the other must still be processed in the same cycle
	adapter.On("GetOrderStatus", "BTCUSDT", "o-1").
		Return(nil, errors.New("venue timeout"))
	adapter.On("GetOrderStatus", "BTCUSDT", "o-2").
		Return(&venue.OrderStatus{
			Status:         "FILLED",
			FilledQuantity: d("30"),
			AvgFillPrice:   d("160"),
		}, nil)
	adapter.On("GetFreeBalance", "BTC").Return(d("70"), nil)

	require.NoError(t, engine.RunCycle(context.Background()))

	active := book.ListActive("BTCUSDT")
	require.Len(t, active, 1)
	assert.Equal(t, "o-1", active[0].OrderID)

	pos, ok := book.Position("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.TotalQuantity.Equal(d("70")))
	assert.Len(t, notifier.events, 1)
	adapter.AssertExpectations(t)
}

func TestRunCycle_SecondCycleIsIdempotent(t *testing.T) {
	engine, book, adapter, notifier := setupEngine(t, nil)
	seedPosition(t, engine, "o-1", ledger.RoleTakeProfit1, "30")

	adapter.On("GetOrderStatus", "BTCUSDT", "o-1").
		Return(&venue.OrderStatus{
			Status:         "FILLED",
			FilledQuantity: d("30"),
			AvgFillPrice:   d("160"),
		}, nil).Once()
	adapter.On("GetFreeBalance", "BTC").Return(d("70"), nil)

	require.NoError(t, engine.RunCycle(context.Background()))
	require.NoError(t, engine.RunCycle(context.Background()))

	// The disposal is applied once and the notification fired once
	pos, ok := book.Position("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.TotalQuantity.Equal(d("70")))
	assert.Len(t, notifier.events, 1)
	adapter.AssertExpectations(t)
}

func TestRunCycle_StopLossFullLiquidation(t *testing.T) {
	engine, book, adapter, notifier := setupEngine(t, nil)
	seedPosition(t, engine, "o-1", ledger.RoleStopLoss, "100")

	adapter.On("GetOrderStatus", "BTCUSDT", "o-1").
		Return(&venue.OrderStatus{
			Status:         "FILLED",
			FilledQuantity: d("100"),
			AvgFillPrice:   d("145.5"),
		}, nil)

	require.NoError(t, engine.RunCycle(context.Background()))

	_, ok := book.Position("BTCUSDT")
	assert.False(t, ok, "stop-loss fill of the full quantity must close the position")

	require.Len(t, notifier.events, 1)
	assert.True(t, notifier.events[0].ProfitLoss.Equal(d("-450")))
	adapter.AssertExpectations(t)
}

func TestRunCycle_WritesAuditRows(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.FillEvent{}))

	engine, _, adapter, _ := setupEngine(t, db)
	seedPosition(t, engine, "o-1", ledger.RoleTakeProfit1, "30")

	adapter.On("GetOrderStatus", "BTCUSDT", "o-1").
		Return(&venue.OrderStatus{
			Status:         "FILLED",
			FilledQuantity: d("30"),
			AvgFillPrice:   d("160"),
		}, nil)
	adapter.On("GetFreeBalance", "BTC").Return(d("70"), nil)

	require.NoError(t, engine.RunCycle(context.Background()))

	var events []models.FillEvent
	require.NoError(t, db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, "BTCUSDT", events[0].Symbol)
	assert.Equal(t, "AUTO_FILLED", events[0].Classification)
	assert.Equal(t, "30", events[0].Quantity)
	assert.NotEmpty(t, events[0].CycleID)
}

func TestExitPrices_FromConfig(t *testing.T) {
	engine, _, _, _ := setupEngine(t, nil)
	_, err := engine.RecordPurchase("BTCUSDT", d("100"), d("150"), "buy-1")
	require.NoError(t, err)

	prices, err := engine.ExitPrices("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "145.50", prices.StopLoss.StringFixed(2))
	assert.Equal(t, "153.00", prices.TakeProfit1.StringFixed(2))
	assert.Equal(t, "156.00", prices.TakeProfit2.StringFixed(2))

	_, err = engine.ExitPrices("NOPEUSDT")
	assert.ErrorIs(t, err, ledger.ErrPositionNotFound)
}
