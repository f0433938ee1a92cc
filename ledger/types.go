/*
Package ledger provides the core balance ledger engine.

PURPOSE:
  This package contains the types and the apply pipeline that every
  money-moving feature of the platform (deposits, purchases, withdrawals,
  gift certificates, referral bonuses, mass bonus campaigns) is built on.
  The ledger is the sole writer of user balances: a balance change always
  happens together with exactly one Transaction record, inside one storage
  transaction.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: An immutable ledger entry recording a balance change
  - User: Account identity plus the denormalized balance scalar
  - SpendingLimit: Per-user daily/monthly debit caps
  - HistoryFilter/HistoryPage: Paginated, filterable transaction reads

DESIGN PRINCIPLES:
  1. Immutability: COMPLETED transactions are never modified or deleted
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Single writer: balance mutates only through Service.Apply
  4. Auditability: Every transaction carries before/after balances

USAGE:
  tx, err := svc.Apply(ctx, "usr-1", ledger.TxDeposit,
      decimal.NewFromInt(1000), ledger.ApplyOptions{PaymentID: "pay_1"})

SEE ALSO:
  - ledger.go: The apply pipeline (atomicity, idempotency, serialization)
  - errors.go: Error taxonomy
  - store.go: Persistence interfaces
*/
package ledger

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string

// NewTransactionID returns a lexicographically sortable unique id.
func NewTransactionID() TransactionID {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	return TransactionID("txn_" + id.String())
}

// =============================================================================
// TRANSACTION - Atomic change to a user's balance
// =============================================================================

type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"    // Payment-provider top-up
	TxWithdrawal TransactionType = "withdrawal" // Approved payout debit
	TxPurchase   TransactionType = "purchase"   // Service order debit
	TxRefund     TransactionType = "refund"     // Reversal of a purchase
	TxBonus      TransactionType = "bonus"      // Certificate redemption, gift claim, campaign credit
	TxReferral   TransactionType = "referral"   // Referral program credit
	TxPromocode  TransactionType = "promocode"  // Promotional code credit
	TxRenewal    TransactionType = "renewal"    // Recurring service debit
	TxAdjustment TransactionType = "adjustment" // Audited manual correction
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Transaction is an immutable ledger entry. Amount is signed: credits are
// positive, debits negative. BalanceAfter is always BalanceBefore + Amount.
type Transaction struct {
	ID            TransactionID
	UserID        UserID
	Type          TransactionType
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Status        TransactionStatus

	// PaymentID is the external idempotency key (e.g. payment provider id).
	// Unique across all COMPLETED transactions when set.
	PaymentID string

	Description string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// IsDebit reports whether the transaction removes funds.
func (t Transaction) IsDebit() bool { return t.Amount.IsNegative() }

// countsTowardSpending reports whether a transaction type is gated by
// spending limits. Only service spend counts; payouts and corrections don't.
func countsTowardSpending(tt TransactionType) bool {
	return tt == TxPurchase || tt == TxRenewal
}

// =============================================================================
// USER - Account with the denormalized balance scalar
// =============================================================================

// User.Balance is derived-but-stored: it must always equal the sum of the
// user's COMPLETED transaction amounts. ReferralBalance tracks lifetime
// referral earnings and is informational.
type User struct {
	ID              UserID
	Email           string
	Balance         decimal.Decimal
	ReferralBalance decimal.Decimal
	CreatedAt       time.Time
}

// =============================================================================
// SPENDING LIMIT - Per-user debit caps
// =============================================================================

type SpendingLimit struct {
	UserID       UserID
	DailyLimit   decimal.Decimal
	MonthlyLimit decimal.Decimal
	AlertAt      int // percent of a limit at which to emit an alert event
	Enabled      bool
}

// =============================================================================
// HISTORY - Paginated, filterable transaction reads
// =============================================================================

type HistoryFilter struct {
	Types    []TransactionType
	Statuses []TransactionStatus
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

type HistoryPage struct {
	Transactions []Transaction
	Total        int
}
