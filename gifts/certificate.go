/*
Package gifts implements gift certificates and peer-to-peer balance gifts.

PURPOSE:
  Two issuers built on top of the ledger:

  - Gift certificates: a prepaid code with a face value and a remaining
    balance that only decreases, only through redemption. Concurrent
    redemptions of the same certificate are serialized so at most one
    succeeds once the remainder is exhausted.

  - Balance gifts: a sender's funds are debited immediately and held while
    the gift is PENDING; the recipient is credited exactly once on claim;
    cancellation or expiry refunds the sender exactly once.

CRASH SAFETY:
  Each money movement carries a deterministic idempotency key (derived from
  the certificate/gift id and the step), so retrying an interrupted
  operation converges instead of double-applying.

SEE ALSO:
  - certificate.go: Certificate lifecycle
  - gift.go: Balance gift lifecycle
  - code.go: Unguessable code generation with bounded retry
*/
package gifts

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/hostbill/ledger-core/ledger"
)

// =============================================================================
// CERTIFICATE
// =============================================================================

type Certificate struct {
	ID            string
	Code          string // unique, human-verifiable
	Amount        decimal.Decimal
	Balance       decimal.Decimal // remaining, monotonically non-increasing
	PurchasedByID ledger.UserID
	RedeemedByID  ledger.UserID // set when fully redeemed
	RedeemedAt    *time.Time    // set at most once, on full redemption
	ExpiresAt     *time.Time
	IsActive      bool
	CreatedAt     time.Time
}

func NewCertificateID() string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	return "gc_" + id.String()
}

type CertificateStore interface {
	// SaveCertificate upserts a certificate. Returns
	// ledger.ErrDuplicateOperation on a code collision (unique index).
	SaveCertificate(ctx context.Context, c Certificate) error

	// GetCertificateByCode returns a certificate or ledger.ErrNotFound.
	GetCertificateByCode(ctx context.Context, code string) (*Certificate, error)

	// ListCertificates returns certificates purchased by a user.
	ListCertificates(ctx context.Context, purchasedBy ledger.UserID) ([]Certificate, error)
}

// =============================================================================
// CERTIFICATE SERVICE
// =============================================================================

type CertificateService struct {
	Ledger *ledger.Service
	Store  CertificateStore
	Audit  ledger.AuditLog
	Log    *slog.Logger

	locks *ledger.Coordinator
}

func NewCertificateService(l *ledger.Service, store CertificateStore, audit ledger.AuditLog, log *slog.Logger) *CertificateService {
	if log == nil {
		log = slog.Default()
	}
	return &CertificateService{
		Ledger: l,
		Store:  store,
		Audit:  audit,
		Log:    log,
		locks:  ledger.NewCoordinator(),
	}
}

// Create issues a new certificate. No balance effect until redemption.
// Code generation retries a bounded number of times on collision before
// failing with CodeGenerationExhausted.
func (s *CertificateService) Create(ctx context.Context, purchasedBy ledger.UserID, amount decimal.Decimal, expiresAt *time.Time, actorID string) (*Certificate, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: certificate amount must be positive", ledger.ErrInvalidAmount)
	}

	cert := Certificate{
		ID:            NewCertificateID(),
		Amount:        amount,
		Balance:       amount,
		PurchasedByID: purchasedBy,
		ExpiresAt:     expiresAt,
		IsActive:      true,
		CreatedAt:     time.Now().UTC(),
	}

	var saved bool
	for attempt := 0; attempt < codeRetryLimit; attempt++ {
		cert.Code = GenerateCode()
		err := s.Store.SaveCertificate(ctx, cert)
		if err == nil {
			saved = true
			break
		}
		if !ledger.IsRetryable(err) && !isDuplicate(err) {
			return nil, err
		}
	}
	if !saved {
		return nil, fmt.Errorf("%w: after %d attempts", ledger.ErrCodeGenerationExhausted, codeRetryLimit)
	}

	s.auditCert(ctx, ledger.AuditCertificateCreated, actorID, &cert)
	s.Log.Info("certificate created", "certificate_id", cert.ID, "amount", amount)
	return &cert, nil
}

// Redeem credits min(requested, remaining) to the user as a BONUS
// transaction and decrements the certificate by the same amount.
// A zero requested amount means "redeem everything remaining".
// Attempts are serialized per certificate; once the remainder hits zero,
// further attempts fail with ExpiredOrInactive.
func (s *CertificateService) Redeem(ctx context.Context, code string, userID ledger.UserID, requested decimal.Decimal) (*ledger.Transaction, error) {
	if requested.IsNegative() {
		return nil, fmt.Errorf("%w: requested amount must not be negative", ledger.ErrInvalidAmount)
	}

	var tx *ledger.Transaction
	err := s.locks.WithLock("cert:"+code, func() error {
		cert, err := s.Store.GetCertificateByCode(ctx, code)
		if err != nil {
			return err
		}
		if !cert.IsActive || !cert.Balance.IsPositive() {
			return fmt.Errorf("%w: certificate %s", ledger.ErrExpiredOrInactive, code)
		}
		if cert.ExpiresAt != nil && time.Now().After(*cert.ExpiresAt) {
			return fmt.Errorf("%w: certificate %s expired", ledger.ErrExpiredOrInactive, code)
		}

		amount := cert.Balance
		if requested.IsPositive() && requested.LessThan(amount) {
			amount = requested
		}

		// The key encodes the remaining balance, so a crash between the
		// credit and the decrement converges on retry: the replayed credit
		// is a duplicate and the decrement then proceeds.
		key := fmt.Sprintf("cert:%s:redeem:%s", cert.ID, cert.Balance)
		tx, err = s.Ledger.Apply(ctx, userID, ledger.TxBonus, amount, ledger.ApplyOptions{
			PaymentID:   key,
			Description: "gift certificate " + cert.Code,
			Metadata:    map[string]string{"certificate_id": cert.ID},
		})
		if err != nil && !isDuplicate(err) {
			return err
		}

		cert.Balance = cert.Balance.Sub(amount)
		if cert.Balance.IsZero() {
			now := time.Now().UTC()
			cert.RedeemedByID = userID
			cert.RedeemedAt = &now
			cert.IsActive = false
		}
		return s.Store.SaveCertificate(ctx, *cert)
	})
	if err != nil {
		return nil, err
	}

	s.Log.Info("certificate redeemed", "code", code, "user_id", userID, "amount", tx.Amount)
	return tx, nil
}

// Deactivate disables a certificate. Idempotent.
func (s *CertificateService) Deactivate(ctx context.Context, code string, actorID string) error {
	return s.locks.WithLock("cert:"+code, func() error {
		cert, err := s.Store.GetCertificateByCode(ctx, code)
		if err != nil {
			return err
		}
		if !cert.IsActive {
			return nil
		}
		cert.IsActive = false
		if err := s.Store.SaveCertificate(ctx, *cert); err != nil {
			return err
		}
		s.auditCert(ctx, ledger.AuditCertificateDisabled, actorID, cert)
		return nil
	})
}

func (s *CertificateService) Get(ctx context.Context, code string) (*Certificate, error) {
	return s.Store.GetCertificateByCode(ctx, code)
}

func (s *CertificateService) auditCert(ctx context.Context, action ledger.AuditAction, actorID string, cert *Certificate) {
	if s.Audit == nil {
		return
	}
	err := s.Audit.Append(ctx, ledger.AuditEntry{
		ID:      "aud_" + cert.ID + "_" + string(action),
		ActorID: actorID,
		Action:  action,
		Target:  cert.ID,
		Details: map[string]any{
			"code":   cert.Code,
			"amount": cert.Amount.String(),
		},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.Log.Warn("audit append failed", "certificate_id", cert.ID, "error", err)
	}
}
