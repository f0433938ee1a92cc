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
// BALANCE GIFT
// =============================================================================

type GiftStatus string

const (
	GiftPending   GiftStatus = "pending"
	GiftClaimed   GiftStatus = "claimed"
	GiftExpired   GiftStatus = "expired"
	GiftCancelled GiftStatus = "cancelled"
)

// Gift is a peer-to-peer balance transfer held in escrow. While PENDING the
// amount has already been debited from the sender.
type Gift struct {
	ID             string
	SenderID       ledger.UserID
	RecipientEmail string
	Amount         decimal.Decimal
	Status         GiftStatus
	ClaimedByID    ledger.UserID
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewGiftID() string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	return "bg_" + id.String()
}

type GiftStore interface {
	// SaveGift upserts a gift. Status only ever moves forward.
	SaveGift(ctx context.Context, g Gift) error

	// GetGift returns a gift or ledger.ErrNotFound.
	GetGift(ctx context.Context, id string) (*Gift, error)

	// ListBySender returns a sender's gifts, newest first.
	ListBySender(ctx context.Context, senderID ledger.UserID) ([]Gift, error)

	// ListExpiredPending returns PENDING gifts whose expiry is before asOf.
	ListExpiredPending(ctx context.Context, asOf time.Time) ([]Gift, error)
}

// =============================================================================
// GIFT SERVICE
// =============================================================================

type GiftService struct {
	Ledger   *ledger.Service
	Store    GiftStore
	Audit    ledger.AuditLog
	Notifier ledger.Notifier
	Log      *slog.Logger

	locks *ledger.Coordinator
}

func NewGiftService(l *ledger.Service, store GiftStore, audit ledger.AuditLog, notifier ledger.Notifier, log *slog.Logger) *GiftService {
	if notifier == nil {
		notifier = ledger.NopNotifier{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &GiftService{
		Ledger:   l,
		Store:    store,
		Audit:    audit,
		Notifier: notifier,
		Log:      log,
		locks:    ledger.NewCoordinator(),
	}
}

// Send debits the sender immediately and records the gift as PENDING. The
// debit is keyed by the gift id. If the gift row cannot be written after
// the debit committed, the debit is compensated before the error returns,
// so a failed Send never holds funds.
func (s *GiftService) Send(ctx context.Context, senderID ledger.UserID, recipientEmail string, amount decimal.Decimal, ttl time.Duration) (*Gift, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: gift amount must be positive", ledger.ErrInvalidAmount)
	}
	if recipientEmail == "" {
		return nil, fmt.Errorf("%w: recipient email required", ledger.ErrInvalidAmount)
	}

	now := time.Now().UTC()
	gift := Gift{
		ID:             NewGiftID(),
		SenderID:       senderID,
		RecipientEmail: recipientEmail,
		Amount:         amount,
		Status:         GiftPending,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := s.Ledger.Apply(ctx, senderID, ledger.TxBonus, amount.Neg(), ledger.ApplyOptions{
		PaymentID:   "gift:" + gift.ID + ":send",
		Description: "balance gift to " + recipientEmail,
		Metadata:    map[string]string{"gift_id": gift.ID},
	})
	if err != nil && !isDuplicate(err) {
		return nil, err
	}

	if err := s.Store.SaveGift(ctx, gift); err != nil {
		// The debit is already committed and without a gift row neither
		// cancel nor the expiry sweep could ever refund it. Compensate
		// immediately, under the same key those paths would use, so the
		// sender's funds are never stranded and a caller retry (which
		// mints a fresh gift id) starts from a whole balance.
		if rerr := s.refund(ctx, &gift); rerr != nil {
			s.Log.Error("gift save and compensating refund both failed",
				"gift_id", gift.ID, "sender_id", senderID, "error", rerr)
		}
		return nil, err
	}

	s.Log.Info("gift sent", "gift_id", gift.ID, "sender_id", senderID, "amount", amount)
	return &gift, nil
}

// Claim credits the recipient exactly once and marks the gift CLAIMED.
func (s *GiftService) Claim(ctx context.Context, giftID string, recipientID ledger.UserID) (*Gift, error) {
	var gift *Gift
	err := s.locks.WithLock("gift:"+giftID, func() error {
		var err error
		gift, err = s.Store.GetGift(ctx, giftID)
		if err != nil {
			return err
		}
		switch gift.Status {
		case GiftPending:
		case GiftClaimed:
			return fmt.Errorf("%w: gift already claimed", ledger.ErrExpiredOrInactive)
		default:
			return fmt.Errorf("%w: gift is %s", ledger.ErrExpiredOrInactive, gift.Status)
		}
		if time.Now().After(gift.ExpiresAt) {
			return fmt.Errorf("%w: gift expired", ledger.ErrExpiredOrInactive)
		}

		_, err = s.Ledger.Apply(ctx, recipientID, ledger.TxBonus, gift.Amount, ledger.ApplyOptions{
			PaymentID:   "gift:" + gift.ID + ":claim",
			Description: "balance gift claimed",
			Metadata:    map[string]string{"gift_id": gift.ID},
		})
		if err != nil && !isDuplicate(err) {
			return err
		}

		gift.Status = GiftClaimed
		gift.ClaimedByID = recipientID
		gift.UpdatedAt = time.Now().UTC()
		if err := s.Store.SaveGift(ctx, *gift); err != nil {
			return err
		}

		s.Notifier.Notify(ctx, ledger.Event{
			Kind:   ledger.EventGiftReceived,
			UserID: recipientID,
			Amount: gift.Amount,
			Meta:   map[string]string{"gift_id": gift.ID},
			At:     gift.UpdatedAt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return gift, nil
}

// Cancel refunds the sender and marks the gift CANCELLED. Repeating Cancel
// on an already-cancelled (or expired) gift is a no-op, not a double
// refund: the refund shares its idempotency key with the expiry refund.
func (s *GiftService) Cancel(ctx context.Context, giftID string, actorID string) (*Gift, error) {
	var gift *Gift
	err := s.locks.WithLock("gift:"+giftID, func() error {
		var err error
		gift, err = s.Store.GetGift(ctx, giftID)
		if err != nil {
			return err
		}
		switch gift.Status {
		case GiftCancelled, GiftExpired:
			return nil // already refunded
		case GiftClaimed:
			return fmt.Errorf("%w: claimed gift cannot be cancelled", ledger.ErrInvalidStateTransition)
		}

		if err := s.refund(ctx, gift); err != nil {
			return err
		}
		gift.Status = GiftCancelled
		gift.UpdatedAt = time.Now().UTC()
		if err := s.Store.SaveGift(ctx, *gift); err != nil {
			return err
		}

		if s.Audit != nil && actorID != "" {
			if err := s.Audit.Append(ctx, ledger.AuditEntry{
				ID:      "aud_" + gift.ID + "_cancel",
				ActorID: actorID,
				Action:  ledger.AuditGiftCancelled,
				Target:  gift.ID,
				Details: map[string]any{
					"sender_id": string(gift.SenderID),
					"amount":    gift.Amount.String(),
				},
				CreatedAt: time.Now().UTC(),
			}); err != nil {
				s.Log.Warn("audit append failed", "gift_id", gift.ID, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return gift, nil
}

// ExpireSweep refunds every expired PENDING gift. Safe to run repeatedly;
// each refund fires at most once across sweep and cancel.
func (s *GiftService) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := s.Store.ListExpiredPending(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, g := range expired {
		err := s.locks.WithLock("gift:"+g.ID, func() error {
			gift, err := s.Store.GetGift(ctx, g.ID)
			if err != nil {
				return err
			}
			if gift.Status != GiftPending {
				return nil // raced with a claim or cancel
			}
			if err := s.refund(ctx, gift); err != nil {
				return err
			}
			gift.Status = GiftExpired
			gift.UpdatedAt = time.Now().UTC()
			return s.Store.SaveGift(ctx, *gift)
		})
		if err != nil {
			s.Log.Error("gift expiry failed", "gift_id", g.ID, "error", err)
			continue
		}
		swept++
	}
	return swept, nil
}

func (s *GiftService) Get(ctx context.Context, id string) (*Gift, error) {
	return s.Store.GetGift(ctx, id)
}

// refund returns the held amount to the sender. The key is shared between
// cancel and expiry so the refund happens exactly once no matter which path
// runs first, or how often either is retried.
func (s *GiftService) refund(ctx context.Context, gift *Gift) error {
	_, err := s.Ledger.Apply(ctx, gift.SenderID, ledger.TxRefund, gift.Amount, ledger.ApplyOptions{
		PaymentID:   "gift:" + gift.ID + ":refund",
		Description: "balance gift refund",
		Metadata:    map[string]string{"gift_id": gift.ID},
	})
	if err != nil && !isDuplicate(err) {
		return err
	}
	return nil
}
