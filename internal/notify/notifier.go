package notify

import (
	"time"

	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventKind labels what the reconciliation engine observed.
type EventKind string

const (
	EventFilled         EventKind = "FILLED"
	EventManualFilled   EventKind = "MANUAL_FILLED"
	EventCanceled       EventKind = "CANCELED"
	EventManualCanceled EventKind = "MANUAL_CANCELED"
)

// Event is one reconciliation outcome worth telling the operator about.
type Event struct {
	Kind     EventKind        `json:"kind"`
	Symbol   string           `json:"symbol"`
	Role     ledger.OrderRole `json:"role"`
	OrderID  string           `json:"order_id"`
	Quantity decimal.Decimal  `json:"quantity"`
	Price    decimal.Decimal  `json:"price"`

	// Estimated marks the price as a market-price estimate rather than an
	// authoritative venue fill price.
	Estimated     bool            `json:"estimated,omitempty"`
	ProfitLoss    decimal.Decimal `json:"profit_loss"`
	ProfitLossPct decimal.Decimal `json:"profit_loss_pct"`
	CycleID       string          `json:"cycle_id"`
	Time          time.Time       `json:"time"`
}

// Notifier delivers events to the operator. Implementations swallow their
// own delivery failures; the engine never retries or blocks on notification.
type Notifier interface {
	Notify(event Event)
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier backed by the given logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

// Notify logs the event. Fills log at info, removals at a lower severity.
func (n *LogNotifier) Notify(event Event) {
	fields := []zap.Field{
		zap.String("symbol", event.Symbol),
		zap.String("role", string(event.Role)),
		zap.String("order_id", event.OrderID),
		zap.String("quantity", event.Quantity.String()),
		zap.String("price", event.Price.String()),
		zap.Bool("estimated", event.Estimated),
		zap.String("cycle_id", event.CycleID),
	}
	switch event.Kind {
	case EventFilled, EventManualFilled:
		fields = append(fields,
			zap.String("profit_loss", event.ProfitLoss.String()),
			zap.String("profit_loss_pct", event.ProfitLossPct.String()))
		n.logger.Info("Exit order filled", fields...)
	default:
		n.logger.Info("Exit order removed", fields...)
	}
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

// Notify delivers the event to every wrapped notifier.
func (m Multi) Notify(event Event) {
	for _, n := range m {
		n.Notify(event)
	}
}
