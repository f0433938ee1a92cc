/*
Package rewards implements promotional credit issuers: referral bonuses and
mass bonus campaigns.

PURPOSE:
  Both issuers are thin policy layers over the ledger. They decide nothing
  about correctness themselves: every credit goes through the apply
  pipeline with its own idempotency key, so re-evaluating a trigger or
  retrying a campaign can never double-credit anyone.

SEE ALSO:
  - referral.go: At-most-once bonus per qualifying payment
  - massbonus.go: Bounded fan-out with per-item outcomes
*/
package rewards

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/hostbill/ledger-core/ledger"
)

// =============================================================================
// REFERRAL BONUS
// =============================================================================

// ReferralConfig carries the policy inputs. The pricing/eligibility policy
// layer decides WHO qualifies; this service only enforces ledger
// correctness for the resulting credit.
type ReferralConfig struct {
	Percent decimal.Decimal // e.g. 0.10 for 10%
	Cap     decimal.Decimal // maximum single bonus
}

type ReferralService struct {
	Ledger *ledger.Service
	Config ReferralConfig
	Log    *slog.Logger
}

func NewReferralService(l *ledger.Service, cfg ReferralConfig, log *slog.Logger) *ReferralService {
	if log == nil {
		log = slog.Default()
	}
	return &ReferralService{Ledger: l, Config: cfg, Log: log}
}

// OnQualifyingPayment credits the referrer min(cap, percent × amount) for a
// referred user's qualifying payment. The idempotency key is derived from
// the triggering transaction id, so re-evaluating the same trigger fires
// the bonus at most once.
func (s *ReferralService) OnQualifyingPayment(ctx context.Context, referrerID ledger.UserID, trigger *ledger.Transaction) (*ledger.Transaction, error) {
	if trigger == nil || !trigger.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: trigger must be a completed credit", ledger.ErrInvalidAmount)
	}

	bonus := trigger.Amount.Mul(s.Config.Percent)
	if s.Config.Cap.IsPositive() && bonus.GreaterThan(s.Config.Cap) {
		bonus = s.Config.Cap
	}
	if !bonus.IsPositive() {
		return nil, fmt.Errorf("%w: computed bonus is zero", ledger.ErrInvalidAmount)
	}

	tx, err := s.Ledger.Apply(ctx, referrerID, ledger.TxReferral, bonus, ledger.ApplyOptions{
		PaymentID:   "referral:" + string(trigger.ID),
		Description: "referral bonus",
		Metadata: map[string]string{
			"trigger_tx":    string(trigger.ID),
			"referred_user": string(trigger.UserID),
		},
	})
	if err != nil {
		var dup *ledger.DuplicateOperationError
		if asDuplicate(err, &dup) {
			return dup.Existing, nil // already fired for this trigger
		}
		return nil, err
	}

	s.Log.Info("referral bonus credited",
		"referrer_id", referrerID, "trigger_tx", trigger.ID, "amount", bonus)
	return tx, nil
}
