/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the billing balance engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Wire domain services around the ledger
  4. Configure HTTP router, start the background scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port              HTTP server port (default: 8080)
  -db                SQLite database path (default: billing.db)
                     Use ":memory:" for an in-memory database
  -referral-percent  Referral bonus as a fraction (default: 0.10)
  -referral-cap      Maximum single referral bonus (default: 500)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the background scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/billing.db"

  # Run with in-memory database
  ./server -db=":memory:"

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hostbill/ledger-core/api"
	"github.com/hostbill/ledger-core/gifts"
	"github.com/hostbill/ledger-core/ledger"
	"github.com/hostbill/ledger-core/rewards"
	"github.com/hostbill/ledger-core/store/sqlite"
	"github.com/hostbill/ledger-core/withdrawal"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "billing.db", "SQLite database path")
	referralPercent := flag.String("referral-percent", "0.10", "referral bonus fraction")
	referralCap := flag.String("referral-cap", "500", "maximum single referral bonus")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	percent, err := decimal.NewFromString(*referralPercent)
	if err != nil {
		log.Error("invalid -referral-percent", "error", err)
		os.Exit(1)
	}
	bonusCap, err := decimal.NewFromString(*referralCap)
	if err != nil {
		log.Error("invalid -referral-cap", "error", err)
		os.Exit(1)
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Wire domain services. The sqlite store backs every persistence
	// interface; the ledger service is the single write path for balances.
	notifier := &ledger.LogNotifier{Log: log}
	ledgerSvc := ledger.NewService(store,
		ledger.WithNotifier(notifier),
		ledger.WithLogger(log),
	)
	reconciler := &ledger.Reconciler{Store: store, Log: log}

	withdrawals := withdrawal.NewService(ledgerSvc, store, store,
		withdrawal.WithNotifier(notifier),
		withdrawal.WithLogger(log),
	)
	certificates := gifts.NewCertificateService(ledgerSvc, store, store, log)
	giftSvc := gifts.NewGiftService(ledgerSvc, store, store, notifier, log)
	referrals := rewards.NewReferralService(ledgerSvc,
		rewards.ReferralConfig{Percent: percent, Cap: bonusCap}, log)
	massBonus := rewards.NewMassBonusService(ledgerSvc, store, log)

	handler := &api.Handler{
		Ledger:       ledgerSvc,
		Withdrawals:  withdrawals,
		Certificates: certificates,
		Gifts:        giftSvc,
		Referrals:    referrals,
		MassBonus:    massBonus,
		Reconciler:   reconciler,
		Audit:        store,
		Log:          log,
	}

	router := api.NewRouter(handler)

	scheduler := api.NewScheduler(giftSvc, reconciler, log)
	scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	scheduler.Stop()

	log.Info("server stopped")
}
