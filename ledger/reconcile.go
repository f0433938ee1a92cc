/*
reconcile.go - Read-only integrity verification

PURPOSE:
  Verifies, per user, that the stored balance equals the sum of COMPLETED
  transaction amounts. Any drift is reported as an IntegrityViolation and
  NEVER auto-corrected: the only sanctioned repair is an explicit, audited
  adjustment transaction, which keeps the append-only trail intact.
*/
package ledger

import (
	"context"
	"log/slog"
	"time"
)

type Reconciler struct {
	Store Store
	Log   *slog.Logger
}

// Report summarizes one reconciliation run.
type Report struct {
	CheckedUsers int
	Violations   []IntegrityViolationError
	RanAt        time.Time
}

// Check verifies invariant balance == sum(completed amounts) for one user.
// Returns nil when the user reconciles cleanly.
func (r *Reconciler) Check(ctx context.Context, userID UserID) (*IntegrityViolationError, error) {
	user, err := r.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, err := r.Store.SumCompleted(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Balance.Equal(sum) {
		return nil, nil
	}
	return &IntegrityViolationError{UserID: userID, Stored: user.Balance, Computed: sum}, nil
}

// Run checks every user and collects violations. Violations are logged at
// error level for the operator channel; the run itself succeeds so that one
// drifted account doesn't hide the rest of the report.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	ids, err := r.Store.ListUserIDs(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{RanAt: time.Now().UTC()}
	for _, id := range ids {
		v, err := r.Check(ctx, id)
		if err != nil {
			return nil, err
		}
		report.CheckedUsers++
		if v != nil {
			r.Log.Error("ledger integrity violation",
				"user_id", v.UserID,
				"stored", v.Stored,
				"computed", v.Computed,
			)
			report.Violations = append(report.Violations, *v)
		}
	}
	return report, nil
}
