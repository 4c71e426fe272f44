package store

import (
	"time"

	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/ledger"
	"go.uber.org/zap"
)

// Maintenance defaults; all overridable through config.
const (
	DefaultLotKeep       = 10
	StrictLotKeep        = 5
	DefaultSizeThreshold = 50 * 1024
	DefaultEvictEvery    = 24 * time.Hour
)

// MaintainerConfig tunes the maintenance controller.
type MaintainerConfig struct {
	// LotKeep is the lot history cap applied by automatic compaction.
	LotKeep int
	// SizeThresholdBytes triggers compaction once the serialized document
	// grows past it.
	SizeThresholdBytes int64
	// EvictAfter is the staleness age beyond which closed positions are removed.
	EvictAfter time.Duration
	// EvictEvery is the cadence of automatic eviction sweeps.
	EvictEvery time.Duration
}

// Maintainer keeps the persisted document size-bounded: it trims lot
// history and evicts long-closed positions. It never touches position
// aggregates, which are running totals independent of retained history.
type Maintainer struct {
	book   *ledger.Book
	store  *Store
	cfg    MaintainerConfig
	logger *zap.Logger

	lastEviction time.Time
}

// NewMaintainer creates a maintenance controller over the given book and store.
func NewMaintainer(book *ledger.Book, store *Store, cfg MaintainerConfig, logger *zap.Logger) *Maintainer {
	if cfg.LotKeep <= 0 {
		cfg.LotKeep = DefaultLotKeep
	}
	if cfg.SizeThresholdBytes <= 0 {
		cfg.SizeThresholdBytes = DefaultSizeThreshold
	}
	if cfg.EvictEvery <= 0 {
		cfg.EvictEvery = DefaultEvictEvery
	}
	return &Maintainer{
		book:   book,
		store:  store,
		cfg:    cfg,
		logger: logger.Named("maintenance"),
	}
}

// Compact trims the symbol's lot history to the configured cap.
func (m *Maintainer) Compact(symbol string) int {
	return m.compact(symbol, m.cfg.LotKeep)
}

// CompactStrict trims the symbol's lot history to the stricter manual cap.
func (m *Maintainer) CompactStrict(symbol string) int {
	return m.compact(symbol, StrictLotKeep)
}

func (m *Maintainer) compact(symbol string, keep int) int {
	dropped := m.book.Compact(symbol, keep)
	if dropped > 0 {
		m.logger.Info("Compacted lot history",
			zap.String("symbol", symbol),
			zap.Int("dropped", dropped),
			zap.Int("kept", keep))
	}
	return dropped
}

// EvictStale removes closed positions not updated within maxAge.
func (m *Maintainer) EvictStale(maxAge time.Duration) []string {
	evicted := m.book.EvictStale(maxAge)
	if len(evicted) > 0 {
		m.logger.Info("Evicted stale positions", zap.Strings("symbols", evicted))
	}
	return evicted
}

// AutoMaintain runs compaction when the serialized document exceeds the
// size threshold, and an eviction sweep on the configured cadence. The
// document is re-persisted only when something changed.
func (m *Maintainer) AutoMaintain() error {
	changed := false

	size, err := m.store.Size()
	if err != nil {
		return err
	}
	if size > m.cfg.SizeThresholdBytes {
		m.logger.Info("Document over size threshold, compacting",
			zap.Int64("size", size),
			zap.Int64("threshold", m.cfg.SizeThresholdBytes))
		for _, symbol := range m.book.Symbols() {
			if m.Compact(symbol) > 0 {
				changed = true
			}
		}
	}

	if m.cfg.EvictAfter > 0 && time.Since(m.lastEviction) >= m.cfg.EvictEvery {
		m.lastEviction = time.Now()
		if len(m.EvictStale(m.cfg.EvictAfter)) > 0 {
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return m.store.Save(m.book.State())
}
