/*
notify.go - Post-commit notification events

PURPOSE:
  The real-time delivery collaborator (websocket push, email) lives outside
  this core. The ledger only emits events after a successful commit through
  the Notifier interface. Emission is best-effort and never fails the
  operation that produced it.
*/
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventBalanceChanged      EventKind = "balance_changed"
	EventPaymentCompleted    EventKind = "payment_completed"
	EventLimitAlert          EventKind = "limit_alert"
	EventWithdrawalCompleted EventKind = "withdrawal_completed"
	EventGiftReceived        EventKind = "gift_received"
)

type Event struct {
	Kind    EventKind
	UserID  UserID
	Amount  decimal.Decimal
	Balance decimal.Decimal
	Meta    map[string]string
	At      time.Time
}

// Notifier delivers post-commit events. Implementations must not block on
// slow consumers; errors are logged, never propagated to the mutation.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// LogNotifier writes events to the structured log. Used as the default and
// in tests; production wires the real-time delivery collaborator instead.
type LogNotifier struct {
	Log *slog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, e Event) {
	n.Log.Info("ledger event",
		"kind", e.Kind,
		"user_id", e.UserID,
		"amount", e.Amount,
		"balance", e.Balance,
	)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}
