/*
ledger.go - The apply pipeline: the single write path for balances

PURPOSE:
  Service.Apply is the only way any feature moves money. It combines four
  guarantees in one call:

  1. ATOMICITY: the transaction insert and the balance update commit in one
     storage transaction (TxStore.WithTx). Partial application is
     structurally impossible.
  2. IDEMPOTENCY: an external payment id is checked and committed inside
     the same storage transaction, backed by a unique index. A replay
     returns the previously produced transaction, not a second credit.
  3. SERIALIZATION: mutations for one user run under that user's lock, so
     balanceBefore/balanceAfter form a single linear history. Different
     users proceed in full parallel.
  4. LIMITS: purchase-type debits are pre-checked against the user's
     daily/monthly caps and rejected before any write.

CANCELLATION:
  Once the storage commit begins it cannot be cancelled. A caller that
  times out must retry through the same idempotency key; the pipeline will
  hand back the committed result instead of applying twice.

SEE ALSO:
  - coordinator.go: Per-user lock registry
  - limits.go: Spending limit enforcement
  - reconcile.go: Read-only drift detection
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// conflictRetries bounds internal retries on ErrConcurrencyConflict before
// the error is surfaced to the caller.
const conflictRetries = 3

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store     TxStore
	locks     *Coordinator
	limits    *LimitEnforcer
	notifier  Notifier
	log       *slog.Logger
	maxAmount decimal.Decimal
}

type Option func(*Service)

// WithNotifier sets the post-commit event sink.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithMaxAmount sets the upper bound on a single transaction's magnitude.
func WithMaxAmount(max decimal.Decimal) Option { return func(s *Service) { s.maxAmount = max } }

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:     store,
		locks:     NewCoordinator(),
		notifier:  NopNotifier{},
		log:       slog.Default(),
		maxAmount: decimal.New(1_000_000, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limits = &LimitEnforcer{Notifier: s.notifier, Log: s.log}
	return s
}

// ApplyOptions carries the optional parts of a mutation.
type ApplyOptions struct {
	// PaymentID is the external idempotency key. When set, a replay returns
	// the prior transaction wrapped in DuplicateOperationError.
	PaymentID string

	Description string
	Metadata    map[string]string

	// AllowNegative permits the balance to go below zero. Used only by
	// audited admin adjustments.
	AllowNegative bool
}

// =============================================================================
// APPLY - Record one transaction and mutate the balance, atomically
// =============================================================================

// Apply records exactly one COMPLETED transaction and updates the user's
// balance in a single storage transaction. On an idempotency replay it
// returns the previously produced transaction together with a
// DuplicateOperationError, which callers may treat as success.
func (s *Service) Apply(ctx context.Context, userID UserID, txType TransactionType, amount decimal.Decimal, opts ApplyOptions) (*Transaction, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: amount must be non-zero", ErrInvalidAmount)
	}
	if amount.Abs().GreaterThan(s.maxAmount) {
		return nil, fmt.Errorf("%w: %s exceeds maximum %s", ErrInvalidAmount, amount, s.maxAmount)
	}

	unlock := s.locks.Lock(userLockKey(userID))
	defer unlock()

	var applied *Transaction
	var lastErr error

	for attempt := 0; attempt <= conflictRetries; attempt++ {
		applied, lastErr = s.applyOnce(ctx, userID, txType, amount, opts)
		if !IsRetryable(lastErr) {
			break
		}
		s.log.Warn("concurrency conflict, retrying",
			"user_id", userID, "attempt", attempt+1)
	}

	var dup *DuplicateOperationError
	if errors.As(lastErr, &dup) {
		return dup.Existing, dup
	}
	if lastErr != nil {
		return nil, lastErr
	}

	s.afterCommit(ctx, applied, opts)
	return applied, nil
}

// applyOnce runs one attempt of the read-validate-write cycle inside a
// single storage transaction.
func (s *Service) applyOnce(ctx context.Context, userID UserID, txType TransactionType, amount decimal.Decimal, opts ApplyOptions) (*Transaction, error) {
	var applied *Transaction

	err := s.store.WithTx(ctx, func(st Store) error {
		// Idempotency guard: the check shares the storage transaction with
		// the write it protects. A crash can never separate them.
		if opts.PaymentID != "" {
			existing, err := st.GetTransactionByPaymentID(ctx, opts.PaymentID)
			if err != nil {
				return err
			}
			if existing != nil {
				return &DuplicateOperationError{PaymentID: opts.PaymentID, Existing: existing}
			}
		}

		// Spending limits gate purchase-type debits before any write.
		if countsTowardSpending(txType) && amount.IsNegative() {
			if err := s.limits.Check(ctx, st, userID, amount.Neg()); err != nil {
				return err
			}
		}

		user, err := st.GetUser(ctx, userID)
		if err != nil {
			return err
		}

		after := user.Balance.Add(amount)
		if after.IsNegative() && !opts.AllowNegative {
			return &InsufficientFundsError{
				UserID:    userID,
				Available: user.Balance,
				Requested: amount.Neg(),
			}
		}

		tx := Transaction{
			ID:            NewTransactionID(),
			UserID:        userID,
			Type:          txType,
			Amount:        amount,
			BalanceBefore: user.Balance,
			BalanceAfter:  after,
			Status:        StatusCompleted,
			PaymentID:     opts.PaymentID,
			Description:   opts.Description,
			Metadata:      opts.Metadata,
			CreatedAt:     time.Now().UTC(),
		}

		if err := st.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		if err := st.SetBalance(ctx, userID, after); err != nil {
			return err
		}

		if txType == TxReferral && amount.IsPositive() {
			if err := st.SetReferralBalance(ctx, userID, user.ReferralBalance.Add(amount)); err != nil {
				return err
			}
		}

		applied = &tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// afterCommit emits post-commit events and the spending alert. Best-effort:
// a committed mutation is never failed retroactively.
func (s *Service) afterCommit(ctx context.Context, tx *Transaction, opts ApplyOptions) {
	s.log.Info("transaction applied",
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"type", tx.Type,
		"amount", tx.Amount,
		"balance", tx.BalanceAfter,
	)

	s.notifier.Notify(ctx, Event{
		Kind:    EventBalanceChanged,
		UserID:  tx.UserID,
		Amount:  tx.Amount,
		Balance: tx.BalanceAfter,
		At:      tx.CreatedAt,
	})

	if tx.Type == TxDeposit && opts.PaymentID != "" {
		s.notifier.Notify(ctx, Event{
			Kind:    EventPaymentCompleted,
			UserID:  tx.UserID,
			Amount:  tx.Amount,
			Balance: tx.BalanceAfter,
			Meta:    map[string]string{"payment_id": opts.PaymentID},
			At:      tx.CreatedAt,
		})
	}

	if countsTowardSpending(tx.Type) && tx.IsDebit() {
		if err := s.limits.Alert(ctx, s.store, tx.UserID); err != nil {
			s.log.Warn("limit alert check failed", "user_id", tx.UserID, "error", err)
		}
	}
}

// =============================================================================
// SERIALIZATION HOOK - For sibling packages
// =============================================================================

// WithUser serializes fn against every other mutation for the same user.
// The withdrawal package uses this for its availability gate at request
// creation. fn must NOT call Apply for the same user: Apply takes this
// lock itself and would deadlock.
func (s *Service) WithUser(_ context.Context, id UserID, fn func() error) error {
	return s.locks.WithLock(userLockKey(id), fn)
}

// =============================================================================
// READS - Lock-free, may observe slightly stale state by design
// =============================================================================

func (s *Service) User(ctx context.Context, id UserID) (*User, error) {
	return s.store.GetUser(ctx, id)
}

func (s *Service) Balance(ctx context.Context, id UserID) (decimal.Decimal, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return u.Balance, nil
}

// History returns a filtered, paginated slice of a user's transactions.
func (s *Service) History(ctx context.Context, id UserID, f HistoryFilter) (*HistoryPage, error) {
	return s.store.Transactions(ctx, id, f)
}

func (s *Service) Transaction(ctx context.Context, id TransactionID) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// =============================================================================
// ACCOUNT + LIMIT MANAGEMENT
// =============================================================================

func (s *Service) CreateUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	return s.store.CreateUser(ctx, u)
}

func (s *Service) SpendingLimit(ctx context.Context, id UserID) (*SpendingLimit, error) {
	return s.store.GetSpendingLimit(ctx, id)
}

func (s *Service) SaveSpendingLimit(ctx context.Context, l SpendingLimit) error {
	return s.store.SaveSpendingLimit(ctx, l)
}
