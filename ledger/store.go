/*
store.go - Persistence interfaces for users, transactions, and audit entries

PURPOSE:
  Defines the interface between the ledger engine and the database.
  Different implementations use SQLite or in-memory storage.

APPEND-ONLY CONTRACT:
  The transaction log is append-only:
  - AppendTransaction(): the ONLY transaction write
  - NO update or delete methods exist for transactions
  - Corrections go through explicit adjustment transactions

BALANCE WRITES:
  SetBalance exists on the Store interface because the storage layer has to
  persist the scalar, but nothing outside this package should ever hold a
  Store for mutation: domain packages depend on *Service, whose Apply
  pipeline is the single path that pairs a SetBalance with exactly one
  AppendTransaction inside one WithTx.

ATOMICITY:
  TxStore.WithTx ensures the idempotency check, the transaction insert, and
  the balance update commit together or not at all.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - ledger/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: The apply pipeline using these interfaces
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - User + transaction persistence
// =============================================================================

type Store interface {
	// GetUser returns a user or ErrUserNotFound.
	GetUser(ctx context.Context, id UserID) (*User, error)

	// CreateUser inserts a new user record.
	CreateUser(ctx context.Context, u User) error

	// SetBalance persists the denormalized balance scalar.
	// Called only from the apply pipeline, paired with AppendTransaction.
	SetBalance(ctx context.Context, id UserID, balance decimal.Decimal) error

	// SetReferralBalance persists the lifetime referral earnings counter.
	SetReferralBalance(ctx context.Context, id UserID, balance decimal.Decimal) error

	// AppendTransaction persists a transaction. Returns ErrDuplicateOperation
	// if the payment id is already present (unique index backstop).
	AppendTransaction(ctx context.Context, tx Transaction) error

	// GetTransaction returns a transaction by id, or ErrNotFound.
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// GetTransactionByPaymentID returns the completed transaction recorded
	// for an external idempotency key, or nil if the key is unused.
	GetTransactionByPaymentID(ctx context.Context, paymentID string) (*Transaction, error)

	// Transactions returns a filtered, paginated slice of a user's history,
	// newest first, plus the total match count.
	Transactions(ctx context.Context, userID UserID, f HistoryFilter) (*HistoryPage, error)

	// SumCompleted returns the sum of amounts over a user's COMPLETED
	// transactions. Used by the Reconciler.
	SumCompleted(ctx context.Context, userID UserID) (decimal.Decimal, error)

	// SumSpentSince returns the positive magnitude of completed purchase and
	// renewal debits created at or after the given instant. Used by the
	// spending limit enforcer.
	SumSpentSince(ctx context.Context, userID UserID, since time.Time) (decimal.Decimal, error)

	// GetSpendingLimit returns the user's limit config, or nil if none set.
	GetSpendingLimit(ctx context.Context, userID UserID) (*SpendingLimit, error)

	// SaveSpendingLimit upserts a limit config.
	SaveSpendingLimit(ctx context.Context, l SpendingLimit) error

	// ListUserIDs returns every user id. Used by the Reconciler.
	ListUserIDs(ctx context.Context) ([]UserID, error)
}

// =============================================================================
// TRANSACTIONAL STORE - Atomic multi-write unit
// =============================================================================

// TxStore wraps Store with transaction support. The apply pipeline runs its
// idempotency check, transaction insert, and balance update inside one
// WithTx so partial application is structurally impossible.
type TxStore interface {
	Store

	// WithTx executes fn within a storage transaction.
	// If fn returns an error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT LOG - Separate from the ledger, tracks who did what when
// =============================================================================

// AuditEntry records an admin-triggered action. Append-only.
type AuditEntry struct {
	ID        string
	ActorID   string
	Action    AuditAction
	Target    string // user id, request id, certificate code, ...
	Details   map[string]any
	CreatedAt time.Time
}

type AuditAction string

const (
	AuditWithdrawalApproved  AuditAction = "withdrawal_approved"
	AuditWithdrawalRejected  AuditAction = "withdrawal_rejected"
	AuditCertificateCreated  AuditAction = "certificate_created"
	AuditCertificateDisabled AuditAction = "certificate_disabled"
	AuditMassBonusSent       AuditAction = "mass_bonus_sent"
	AuditGiftCancelled       AuditAction = "gift_cancelled"
	AuditManualAdjustment    AuditAction = "manual_adjustment"
)

type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	ActorID *string
	Actions []AuditAction
	Target  *string
	From    *time.Time
	To      *time.Time
	Limit   int
}
