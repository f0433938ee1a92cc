/*
scheduler.go - Background sweeps: gift expiry and ledger reconciliation

PURPOSE:
  Periodically refunds expired pending gifts and verifies that every
  stored balance still equals its ledger sum.

DESIGN:
  - Runs a background goroutine with configurable intervals
  - Every sweep is idempotent: expiry refunds carry deterministic keys,
    reconciliation is read-only
  - Safe to run alongside manual triggers through the admin API

CONFIGURATION:
  - SweepInterval: How often expired gifts are refunded (default: 10 min)
  - ReconcileInterval: How often balances are verified (default: 1 hour)

USAGE:
  s := NewScheduler(giftService, reconciler, logger)
  s.Start()
  // ... on shutdown
  s.Stop()

SEE ALSO:
  - gifts/gift.go: ExpireSweep
  - ledger/reconcile.go: Reconciler.Run
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hostbill/ledger-core/gifts"
	"github.com/hostbill/ledger-core/ledger"
)

// Scheduler drives the periodic gift-expiry sweep and the reconciliation
// run.
type Scheduler struct {
	Gifts             *gifts.GiftService
	Reconciler        *ledger.Reconciler
	Log               *slog.Logger
	SweepInterval     time.Duration
	ReconcileInterval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewScheduler creates a scheduler with default intervals.
func NewScheduler(g *gifts.GiftService, r *ledger.Reconciler, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		Gifts:             g,
		Reconciler:        r,
		Log:               log,
		SweepInterval:     10 * time.Minute,
		ReconcileInterval: 1 * time.Hour,
		stop:              make(chan struct{}),
	}
}

// Start begins the background loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.Log.Info("scheduler started",
		"sweep_interval", s.SweepInterval,
		"reconcile_interval", s.ReconcileInterval,
	)
}

// Stop stops the scheduler and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.Log.Info("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	sweep := time.NewTicker(s.SweepInterval)
	defer sweep.Stop()
	reconcile := time.NewTicker(s.ReconcileInterval)
	defer reconcile.Stop()

	// Run the sweep immediately: expired gifts from before a restart
	// should not wait a full interval for their refund.
	s.sweepGifts()

	for {
		select {
		case <-sweep.C:
			s.sweepGifts()
		case <-reconcile.C:
			s.reconcile()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) sweepGifts() {
	ctx := context.Background()
	n, err := s.Gifts.ExpireSweep(ctx)
	if err != nil {
		s.Log.Error("gift expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.Log.Info("expired gifts refunded", "count", n)
	}
}

func (s *Scheduler) reconcile() {
	ctx := context.Background()
	report, err := s.Reconciler.Run(ctx)
	if err != nil {
		s.Log.Error("reconciliation run failed", "error", err)
		return
	}
	if len(report.Violations) > 0 {
		s.Log.Error("reconciliation found violations",
			"checked", report.CheckedUsers,
			"violations", len(report.Violations),
		)
		return
	}
	s.Log.Info("reconciliation clean", "checked", report.CheckedUsers)
}

// RunNow triggers both sweeps immediately (for admin/testing).
func (s *Scheduler) RunNow() {
	s.sweepGifts()
	s.reconcile()
}
