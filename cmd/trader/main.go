package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/config"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/database"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/ledger"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/logger"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/notify"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/recon"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/store"
	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/venue"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize audit database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Build the book and reload persisted state; venue truth fills in the
	// rest on the first reconciliation cycle.
	epsilon, err := decimal.NewFromString(cfg.Trading.Epsilon)
	if err != nil {
		log.Fatal("Invalid epsilon in config", zap.String("epsilon", cfg.Trading.Epsilon), zap.Error(err))
	}
	book := ledger.NewBook(epsilon)

	st := store.NewStore(cfg.Store.Path, log)
	state, err := st.Load()
	if err != nil {
		log.Fatal("Failed to load persisted state", zap.Error(err))
	}
	book.Restore(state)
	log.Info("Persisted state loaded", zap.Int("positions", len(state.Positions)))

	maintainer := store.NewMaintainer(book, st, store.MaintainerConfig{
		LotKeep:            cfg.Maintenance.LotKeep,
		SizeThresholdBytes: cfg.Maintenance.SizeThresholdBytes,
		EvictAfter:         time.Duration(cfg.Maintenance.EvictAfterDays) * 24 * time.Hour,
		EvictEvery:         time.Duration(cfg.Maintenance.EvictEveryHours) * time.Hour,
	}, log)

	// Initialize venue REST client and probe connectivity
	client := venue.NewClient(&cfg.Venue, log)
	if _, err := client.GetServerTime(context.Background()); err != nil {
		log.Fatal("Failed to connect to venue API", zap.Error(err))
	}
	log.Info("Successfully connected to venue API.")

	var notifier notify.Notifier = notify.NewLogNotifier(log)
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.Multi{notifier, notify.NewWebhookNotifier(cfg.Notify.WebhookURL, log)}
	}

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Run the reconciliation engine; an in-flight cycle finishes before
	// Run returns.
	engine := recon.NewEngine(log, &cfg, client, book, st, maintainer, notifier, db)
	engine.Run(ctx)

	log.Info("Reconciler has been shut down.")
}
