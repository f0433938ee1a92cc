/*
limits.go - Spending limit enforcement for purchase-type debits

PURPOSE:
  Pre-checks purchase and renewal debits against the user's configured
  daily/monthly caps. Runs inside the apply pipeline's storage transaction,
  before any write, so a rejected spend leaves no trace.

WINDOWS:
  "Daily" and "monthly" are local calendar windows, not rolling 24h/30d
  periods. A limit resets at local midnight / the first of the month.

ALERTS:
  When cumulative spend reaches AlertAt percent of a cap, a limit_alert
  event is emitted after commit. The alert never blocks or fails the spend.
*/
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

type LimitEnforcer struct {
	Notifier Notifier
	Log      *slog.Logger
}

// Check rejects the debit with LimitExceededError when an enabled cap would
// be crossed. debit is the positive magnitude of the requested spend.
func (e *LimitEnforcer) Check(ctx context.Context, st Store, userID UserID, debit decimal.Decimal) error {
	limit, err := st.GetSpendingLimit(ctx, userID)
	if err != nil {
		return err
	}
	if limit == nil || !limit.Enabled {
		return nil
	}

	now := time.Now()

	if limit.DailyLimit.IsPositive() {
		spent, err := st.SumSpentSince(ctx, userID, startOfDay(now))
		if err != nil {
			return err
		}
		if spent.Add(debit).GreaterThan(limit.DailyLimit) {
			return &LimitExceededError{
				UserID: userID, Window: "daily",
				Limit: limit.DailyLimit, Spent: spent, Requested: debit,
			}
		}
	}

	if limit.MonthlyLimit.IsPositive() {
		spent, err := st.SumSpentSince(ctx, userID, startOfMonth(now))
		if err != nil {
			return err
		}
		if spent.Add(debit).GreaterThan(limit.MonthlyLimit) {
			return &LimitExceededError{
				UserID: userID, Window: "monthly",
				Limit: limit.MonthlyLimit, Spent: spent, Requested: debit,
			}
		}
	}

	return nil
}

// Alert emits a limit_alert event when cumulative spend has reached AlertAt
// percent of an enabled cap. Called after commit.
func (e *LimitEnforcer) Alert(ctx context.Context, st Store, userID UserID) error {
	limit, err := st.GetSpendingLimit(ctx, userID)
	if err != nil {
		return err
	}
	if limit == nil || !limit.Enabled || limit.AlertAt <= 0 {
		return nil
	}

	now := time.Now()
	threshold := decimal.NewFromInt(int64(limit.AlertAt)).Div(decimal.NewFromInt(100))

	windows := []struct {
		name  string
		cap   decimal.Decimal
		since time.Time
	}{
		{"daily", limit.DailyLimit, startOfDay(now)},
		{"monthly", limit.MonthlyLimit, startOfMonth(now)},
	}

	for _, w := range windows {
		if !w.cap.IsPositive() {
			continue
		}
		spent, err := st.SumSpentSince(ctx, userID, w.since)
		if err != nil {
			return err
		}
		if spent.GreaterThanOrEqual(w.cap.Mul(threshold)) {
			e.Notifier.Notify(ctx, Event{
				Kind:   EventLimitAlert,
				UserID: userID,
				Amount: spent,
				Meta: map[string]string{
					"window": w.name,
					"limit":  w.cap.String(),
				},
				At: now,
			})
		}
	}

	return nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}
