/*
Package withdrawal implements the payout request workflow.

PURPOSE:
  Users request payouts of their balance; admins move requests through a
  small state machine. Funds are never pre-debited: availability is a
  derived quantity (balance minus active request amounts) recomputed at
  creation time, and exactly one WITHDRAWAL debit is applied through the
  ledger when a request completes. Rejection therefore needs no
  compensating transaction.

STATES:
  PENDING -> PROCESSING -> {COMPLETED, REJECTED}

  COMPLETED and REJECTED are terminal. Re-invoking a transition on an
  already-terminal request is a no-op success, tolerating admin
  double-submission.

PAYOUT METHODS:
  Details is a tagged variant keyed by method (Card, YooMoney, Qiwi,
  Crypto) so new payout methods force every switch to be revisited.

SEE ALSO:
  - service.go: Transitions and the availability gate
  - ledger: The debit applied on completion
*/
package withdrawal

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/hostbill/ledger-core/ledger"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// =============================================================================
// PAYOUT METHOD DETAILS - Tagged variant
// =============================================================================

type Method string

const (
	MethodCard     Method = "card"
	MethodYooMoney Method = "yoomoney"
	MethodQiwi     Method = "qiwi"
	MethodCrypto   Method = "crypto"
)

// Details identifies where a payout goes. One concrete type per method.
type Details interface {
	Method() Method
}

type Card struct {
	CardNumber string `json:"card_number"`
}

func (Card) Method() Method { return MethodCard }

type YooMoney struct {
	Wallet string `json:"wallet"`
}

func (YooMoney) Method() Method { return MethodYooMoney }

type Qiwi struct {
	Phone string `json:"phone"`
}

func (Qiwi) Method() Method { return MethodQiwi }

type Crypto struct {
	Address  string `json:"address"`
	Currency string `json:"currency"`
}

func (Crypto) Method() Method { return MethodCrypto }

// EncodeDetails serializes a Details value for storage.
func EncodeDetails(d Details) (Method, string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", "", fmt.Errorf("encode payout details: %w", err)
	}
	return d.Method(), string(b), nil
}

// DecodeDetails restores a Details value from its stored form.
func DecodeDetails(m Method, raw string) (Details, error) {
	switch m {
	case MethodCard:
		var d Card
		err := json.Unmarshal([]byte(raw), &d)
		return d, err
	case MethodYooMoney:
		var d YooMoney
		err := json.Unmarshal([]byte(raw), &d)
		return d, err
	case MethodQiwi:
		var d Qiwi
		err := json.Unmarshal([]byte(raw), &d)
		return d, err
	case MethodCrypto:
		var d Crypto
		err := json.Unmarshal([]byte(raw), &d)
		return d, err
	default:
		return nil, fmt.Errorf("unknown payout method %q", m)
	}
}

// =============================================================================
// REQUEST
// =============================================================================

type Request struct {
	ID          string
	UserID      ledger.UserID
	Amount      decimal.Decimal
	Details     Details
	Status      Status
	AdminNote   string
	ProcessedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func NewRequestID() string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	return "wd_" + id.String()
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// SaveRequest upserts a request. Status only ever moves forward.
	SaveRequest(ctx context.Context, r Request) error

	// GetRequest returns a request or ledger.ErrNotFound.
	GetRequest(ctx context.Context, id string) (*Request, error)

	// ListByUser returns a user's requests, newest first.
	ListByUser(ctx context.Context, userID ledger.UserID) ([]Request, error)

	// ListByStatus returns requests in a given status, oldest first.
	ListByStatus(ctx context.Context, status Status) ([]Request, error)

	// SumActive returns the total amount of the user's PENDING and
	// PROCESSING requests. This is the reservation quantity.
	SumActive(ctx context.Context, userID ledger.UserID) (decimal.Decimal, error)
}
