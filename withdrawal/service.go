package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hostbill/ledger-core/ledger"
)

// =============================================================================
// SERVICE - Request lifecycle with the availability gate
// =============================================================================

type Service struct {
	Ledger   *ledger.Service
	Store    Store
	Audit    ledger.AuditLog
	Notifier ledger.Notifier
	Log      *slog.Logger

	locks *ledger.Coordinator
}

func NewService(l *ledger.Service, store Store, audit ledger.AuditLog, opts ...ServiceOption) *Service {
	s := &Service{
		Ledger:   l,
		Store:    store,
		Audit:    audit,
		Notifier: ledger.NopNotifier{},
		Log:      slog.Default(),
		locks:    ledger.NewCoordinator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ServiceOption func(*Service)

func WithNotifier(n ledger.Notifier) ServiceOption { return func(s *Service) { s.Notifier = n } }
func WithLogger(l *slog.Logger) ServiceOption      { return func(s *Service) { s.Log = l } }

// =============================================================================
// CREATE - Availability check, no funds move
// =============================================================================

// Create records a new PENDING request if the user's available balance
// covers it. Available balance is balance minus the sum of active
// (pending/processing) request amounts, recomputed here under the user's
// serialization lock so two concurrent requests cannot both pass the gate.
func (s *Service) Create(ctx context.Context, userID ledger.UserID, amount decimal.Decimal, details Details) (*Request, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: withdrawal amount must be positive", ledger.ErrInvalidAmount)
	}
	if details == nil {
		return nil, fmt.Errorf("%w: payout details required", ledger.ErrInvalidAmount)
	}

	var req *Request
	err := s.Ledger.WithUser(ctx, userID, func() error {
		balance, err := s.Ledger.Balance(ctx, userID)
		if err != nil {
			return err
		}
		reserved, err := s.Store.SumActive(ctx, userID)
		if err != nil {
			return err
		}

		available := balance.Sub(reserved)
		if available.LessThan(amount) {
			return &ledger.InsufficientFundsError{
				UserID:    userID,
				Available: available,
				Requested: amount,
			}
		}

		now := time.Now().UTC()
		req = &Request{
			ID:        NewRequestID(),
			UserID:    userID,
			Amount:    amount,
			Details:   details,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return s.Store.SaveRequest(ctx, *req)
	})
	if err != nil {
		return nil, err
	}

	s.Log.Info("withdrawal requested",
		"request_id", req.ID, "user_id", userID, "amount", amount, "method", details.Method())
	return req, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// StartProcessing moves PENDING -> PROCESSING. No funds move. Calling it on
// a request already in PROCESSING is a no-op success.
func (s *Service) StartProcessing(ctx context.Context, id string, adminID string) (*Request, error) {
	var req *Request
	err := s.locks.WithLock(lockKey(id), func() error {
		var err error
		req, err = s.Store.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if req.Status == StatusProcessing {
			return nil
		}
		if req.Status != StatusPending {
			return transitionError(req.Status, StatusProcessing)
		}
		req.Status = StatusProcessing
		req.UpdatedAt = time.Now().UTC()
		return s.Store.SaveRequest(ctx, *req)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Complete applies the single WITHDRAWAL debit and marks the request
// COMPLETED. Repeating Complete on an already-completed request is a no-op
// success; the debit is additionally guarded by an idempotency key derived
// from the request id, so a crash between the debit and the status write is
// healed by retrying.
func (s *Service) Complete(ctx context.Context, id string, adminID, note string) (*Request, error) {
	var req *Request
	err := s.locks.WithLock(lockKey(id), func() error {
		var err error
		req, err = s.Store.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if req.Status == StatusCompleted {
			return nil
		}
		if req.Status == StatusRejected {
			return transitionError(req.Status, StatusCompleted)
		}

		_, err = s.Ledger.Apply(ctx, req.UserID, ledger.TxWithdrawal, req.Amount.Neg(), ledger.ApplyOptions{
			PaymentID:   "withdrawal:" + req.ID,
			Description: "withdrawal via " + string(req.Details.Method()),
			Metadata:    map[string]string{"withdrawal_id": req.ID},
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateOperation) {
			return err
		}

		now := time.Now().UTC()
		req.Status = StatusCompleted
		req.AdminNote = note
		req.ProcessedAt = &now
		req.UpdatedAt = now
		if err := s.Store.SaveRequest(ctx, *req); err != nil {
			return err
		}

		s.audit(ctx, ledger.AuditWithdrawalApproved, adminID, req, note)
		s.Notifier.Notify(ctx, ledger.Event{
			Kind:   ledger.EventWithdrawalCompleted,
			UserID: req.UserID,
			Amount: req.Amount.Neg(),
			Meta:   map[string]string{"withdrawal_id": req.ID},
			At:     now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Reject marks the request REJECTED. No debit was ever applied, so nothing
// is refunded: the reservation simply stops counting against availability.
// Repeating Reject on an already-rejected request is a no-op success.
func (s *Service) Reject(ctx context.Context, id string, adminID, note string) (*Request, error) {
	var req *Request
	err := s.locks.WithLock(lockKey(id), func() error {
		var err error
		req, err = s.Store.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if req.Status == StatusRejected {
			return nil
		}
		if req.Status == StatusCompleted {
			return transitionError(req.Status, StatusRejected)
		}

		now := time.Now().UTC()
		req.Status = StatusRejected
		req.AdminNote = note
		req.ProcessedAt = &now
		req.UpdatedAt = now
		if err := s.Store.SaveRequest(ctx, *req); err != nil {
			return err
		}

		s.audit(ctx, ledger.AuditWithdrawalRejected, adminID, req, note)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.Store.GetRequest(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID ledger.UserID) ([]Request, error) {
	return s.Store.ListByUser(ctx, userID)
}

func (s *Service) ListByStatus(ctx context.Context, status Status) ([]Request, error) {
	return s.Store.ListByStatus(ctx, status)
}

// Available returns the user's balance minus active reservations.
func (s *Service) Available(ctx context.Context, userID ledger.UserID) (decimal.Decimal, error) {
	balance, err := s.Ledger.Balance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	reserved, err := s.Store.SumActive(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return balance.Sub(reserved), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) audit(ctx context.Context, action ledger.AuditAction, actorID string, req *Request, note string) {
	if s.Audit == nil {
		return
	}
	err := s.Audit.Append(ctx, ledger.AuditEntry{
		ID:      "aud_" + req.ID + "_" + string(action),
		ActorID: actorID,
		Action:  action,
		Target:  req.ID,
		Details: map[string]any{
			"user_id": string(req.UserID),
			"amount":  req.Amount.String(),
			"note":    note,
		},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.Log.Warn("audit append failed", "request_id", req.ID, "error", err)
	}
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ledger.ErrInvalidStateTransition, from, to)
}

func lockKey(id string) string { return "wd:" + id }
