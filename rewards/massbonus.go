package rewards

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hostbill/ledger-core/ledger"
)

// =============================================================================
// MASS BONUS - Bounded fan-out, per-item outcomes
// =============================================================================

// A campaign is deliberately NOT atomic: one user's failure (a deleted
// account, say) must not roll back the others. Each credit carries its own
// idempotency key, so retrying a campaign only touches the items that
// failed.

type MassBonusService struct {
	Ledger  *ledger.Service
	Audit   ledger.AuditLog
	Log     *slog.Logger
	Workers int
}

func NewMassBonusService(l *ledger.Service, audit ledger.AuditLog, log *slog.Logger) *MassBonusService {
	if log == nil {
		log = slog.Default()
	}
	return &MassBonusService{Ledger: l, Audit: audit, Log: log, Workers: 8}
}

// ItemResult is the outcome of one user's credit. Duplicate marks an item
// already credited by a previous run of the same campaign.
type ItemResult struct {
	UserID    ledger.UserID
	TxID      ledger.TransactionID
	Duplicate bool
	Err       error
}

// Result aggregates a campaign run.
type Result struct {
	Success     int
	Failed      int
	TotalAmount decimal.Decimal // sum actually credited in this run
	Items       []ItemResult
}

// Grant credits amount to every user in the set, fanning out over a small
// worker pool. campaignID keys the idempotency of each item: rerunning the
// same campaign skips users already credited and retries only failures.
func (s *MassBonusService) Grant(ctx context.Context, campaignID string, userIDs []ledger.UserID, amount decimal.Decimal, description, actorID string) (*Result, error) {
	if !amount.IsPositive() {
		return nil, errors.New("mass bonus amount must be positive")
	}
	if campaignID == "" {
		return nil, errors.New("campaign id required")
	}

	jobs := make(chan ledger.UserID)
	results := make(chan ItemResult, len(userIDs))

	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(userIDs) {
		workers = len(userIDs)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for userID := range jobs {
				results <- s.grantOne(ctx, campaignID, userID, amount, description)
			}
		}()
	}

	for _, id := range userIDs {
		jobs <- id
	}
	close(jobs)
	wg.Wait()
	close(results)

	res := &Result{TotalAmount: decimal.Zero}
	for item := range results {
		res.Items = append(res.Items, item)
		if item.Err != nil {
			res.Failed++
			s.Log.Warn("mass bonus item failed",
				"campaign_id", campaignID, "user_id", item.UserID, "error", item.Err)
			continue
		}
		res.Success++
		if !item.Duplicate {
			res.TotalAmount = res.TotalAmount.Add(amount)
		}
	}

	if s.Audit != nil && actorID != "" {
		if err := s.Audit.Append(ctx, ledger.AuditEntry{
			ID:      "aud_campaign_" + campaignID,
			ActorID: actorID,
			Action:  ledger.AuditMassBonusSent,
			Target:  campaignID,
			Details: map[string]any{
				"amount":  amount.String(),
				"success": res.Success,
				"failed":  res.Failed,
			},
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			s.Log.Warn("audit append failed", "campaign_id", campaignID, "error", err)
		}
	}

	s.Log.Info("mass bonus campaign finished",
		"campaign_id", campaignID,
		"success", res.Success,
		"failed", res.Failed,
		"total", res.TotalAmount,
	)
	return res, nil
}

func (s *MassBonusService) grantOne(ctx context.Context, campaignID string, userID ledger.UserID, amount decimal.Decimal, description string) ItemResult {
	tx, err := s.Ledger.Apply(ctx, userID, ledger.TxBonus, amount, ledger.ApplyOptions{
		PaymentID:   "massbonus:" + campaignID + ":" + string(userID),
		Description: description,
		Metadata:    map[string]string{"campaign_id": campaignID},
	})
	if err != nil {
		var dup *ledger.DuplicateOperationError
		if asDuplicate(err, &dup) {
			// Credited in a previous run of the same campaign.
			return ItemResult{UserID: userID, TxID: dup.Existing.ID, Duplicate: true}
		}
		return ItemResult{UserID: userID, Err: err}
	}
	return ItemResult{UserID: userID, TxID: tx.ID}
}

func asDuplicate(err error, target **ledger.DuplicateOperationError) bool {
	return errors.As(err, target)
}
