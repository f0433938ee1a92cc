/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts travel as JSON numbers and are parsed into decimal.Decimal.
  Float64 never touches a balance.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hostbill/ledger-core/gifts"
	"github.com/hostbill/ledger-core/ledger"
	"github.com/hostbill/ledger-core/withdrawal"
)

// =============================================================================
// USERS + BALANCE
// =============================================================================

// CreateUserRequest is the request to register an account.
type CreateUserRequest struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// UserDTO represents an account in API responses.
type UserDTO struct {
	ID              string          `json:"id"`
	Email           string          `json:"email,omitempty"`
	Balance         decimal.Decimal `json:"balance"`
	ReferralBalance decimal.Decimal `json:"referral_balance"`
	CreatedAt       string          `json:"created_at,omitempty"`
}

func toUserDTO(u *ledger.User) UserDTO {
	return UserDTO{
		ID:              string(u.ID),
		Email:           u.Email,
		Balance:         u.Balance,
		ReferralBalance: u.ReferralBalance,
		CreatedAt:       u.CreatedAt.Format(time.RFC3339),
	}
}

// BalanceDTO is the compact balance view.
type BalanceDTO struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Available decimal.Decimal `json:"available"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionDTO represents one ledger entry.
type TransactionDTO struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Type          string            `json:"type"`
	Amount        decimal.Decimal   `json:"amount"`
	BalanceBefore decimal.Decimal   `json:"balance_before"`
	BalanceAfter  decimal.Decimal   `json:"balance_after"`
	Status        string            `json:"status"`
	PaymentID     string            `json:"payment_id,omitempty"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     string            `json:"created_at"`
}

func toTransactionDTO(tx *ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:            string(tx.ID),
		UserID:        string(tx.UserID),
		Type:          string(tx.Type),
		Amount:        tx.Amount,
		BalanceBefore: tx.BalanceBefore,
		BalanceAfter:  tx.BalanceAfter,
		Status:        string(tx.Status),
		PaymentID:     tx.PaymentID,
		Description:   tx.Description,
		Metadata:      tx.Metadata,
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339Nano),
	}
}

// HistoryDTO is a page of transaction history.
type HistoryDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	Total        int              `json:"total"`
	Limit        int              `json:"limit,omitempty"`
	Offset       int              `json:"offset,omitempty"`
}

// =============================================================================
// PAYMENTS + PURCHASES
// =============================================================================

// PaymentWebhookRequest is the payment provider's completion callback.
// payment_id is the idempotency key: redeliveries of the same id are
// acknowledged without a second credit.
type PaymentWebhookRequest struct {
	PaymentID  string          `json:"payment_id"`
	UserID     string          `json:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
	Status     string          `json:"status"`
	ReferrerID string          `json:"referrer_id,omitempty"`
}

// PurchaseRequest debits the balance for a service order.
type PurchaseRequest struct {
	OrderID     string          `json:"order_id"`
	Amount      decimal.Decimal `json:"amount"`
	Renewal     bool            `json:"renewal,omitempty"`
	Description string          `json:"description,omitempty"`
}

// =============================================================================
// SPENDING LIMITS
// =============================================================================

// SpendingLimitDTO doubles as the save request and the read response.
type SpendingLimitDTO struct {
	UserID       string          `json:"user_id,omitempty"`
	DailyLimit   decimal.Decimal `json:"daily_limit"`
	MonthlyLimit decimal.Decimal `json:"monthly_limit"`
	AlertAt      int             `json:"alert_at"`
	Enabled      bool            `json:"enabled"`
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

// CreateWithdrawalRequest opens a payout request. Exactly one details
// field must match the method.
type CreateWithdrawalRequest struct {
	Amount   decimal.Decimal      `json:"amount"`
	Method   string               `json:"method"`
	Card     *withdrawal.Card     `json:"card,omitempty"`
	YooMoney *withdrawal.YooMoney `json:"yoomoney,omitempty"`
	Qiwi     *withdrawal.Qiwi     `json:"qiwi,omitempty"`
	Crypto   *withdrawal.Crypto   `json:"crypto,omitempty"`
}

// WithdrawalDTO represents a payout request.
type WithdrawalDTO struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method"`
	Status      string          `json:"status"`
	AdminNote   string          `json:"admin_note,omitempty"`
	ProcessedAt string          `json:"processed_at,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

func toWithdrawalDTO(r *withdrawal.Request) WithdrawalDTO {
	dto := WithdrawalDTO{
		ID:        r.ID,
		UserID:    string(r.UserID),
		Amount:    r.Amount,
		Method:    string(r.Details.Method()),
		Status:    string(r.Status),
		AdminNote: r.AdminNote,
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
	}
	if r.ProcessedAt != nil {
		dto.ProcessedAt = r.ProcessedAt.Format(time.RFC3339)
	}
	return dto
}

// AdminDecisionRequest carries an admin's note for a transition.
type AdminDecisionRequest struct {
	AdminID string `json:"admin_id"`
	Note    string `json:"note,omitempty"`
}

// =============================================================================
// GIFT CERTIFICATES
// =============================================================================

// CreateCertificateRequest issues a certificate.
type CreateCertificateRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PurchasedBy string          `json:"purchased_by,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	AdminID     string          `json:"admin_id"`
}

// RedeemCertificateRequest redeems a code. A zero or absent amount
// redeems the full remaining balance.
type RedeemCertificateRequest struct {
	Code   string          `json:"code"`
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount,omitempty"`
}

// CertificateDTO represents a certificate.
type CertificateDTO struct {
	ID         string          `json:"id"`
	Code       string          `json:"code"`
	Amount     decimal.Decimal `json:"amount"`
	Balance    decimal.Decimal `json:"balance"`
	IsActive   bool            `json:"is_active"`
	RedeemedBy string          `json:"redeemed_by,omitempty"`
	ExpiresAt  string          `json:"expires_at,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

func toCertificateDTO(c *gifts.Certificate) CertificateDTO {
	dto := CertificateDTO{
		ID:         c.ID,
		Code:       c.Code,
		Amount:     c.Amount,
		Balance:    c.Balance,
		IsActive:   c.IsActive,
		RedeemedBy: string(c.RedeemedByID),
		CreatedAt:  c.CreatedAt.Format(time.RFC3339),
	}
	if c.ExpiresAt != nil {
		dto.ExpiresAt = c.ExpiresAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// BALANCE GIFTS
// =============================================================================

// SendGiftRequest escrows a balance gift for a recipient.
type SendGiftRequest struct {
	RecipientEmail string          `json:"recipient_email"`
	Amount         decimal.Decimal `json:"amount"`
	TTLHours       int             `json:"ttl_hours,omitempty"`
}

// ClaimGiftRequest claims a pending gift.
type ClaimGiftRequest struct {
	UserID string `json:"user_id"`
}

// GiftDTO represents a balance gift.
type GiftDTO struct {
	ID             string          `json:"id"`
	SenderID       string          `json:"sender_id"`
	RecipientEmail string          `json:"recipient_email"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	ExpiresAt      string          `json:"expires_at"`
	CreatedAt      string          `json:"created_at"`
}

func toGiftDTO(g *gifts.Gift) GiftDTO {
	return GiftDTO{
		ID:             g.ID,
		SenderID:       string(g.SenderID),
		RecipientEmail: g.RecipientEmail,
		Amount:         g.Amount,
		Status:         string(g.Status),
		ClaimedBy:      string(g.ClaimedByID),
		ExpiresAt:      g.ExpiresAt.Format(time.RFC3339),
		CreatedAt:      g.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// REWARDS + ADMIN
// =============================================================================

// MassBonusRequest credits a set of users in one campaign.
type MassBonusRequest struct {
	CampaignID  string          `json:"campaign_id"`
	UserIDs     []string        `json:"user_ids"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	AdminID     string          `json:"admin_id"`
}

// MassBonusResultDTO summarizes a campaign run.
type MassBonusResultDTO struct {
	Success     int             `json:"success"`
	Failed      int             `json:"failed"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// AdjustmentRequest is an audited manual balance correction. The amount is
// signed; negative adjustments may take the balance below zero.
type AdjustmentRequest struct {
	UserID  string          `json:"user_id"`
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason"`
	AdminID string          `json:"admin_id"`
}

// =============================================================================
// RECONCILIATION + AUDIT
// =============================================================================

// ViolationDTO describes a drift between a stored balance and the ledger.
type ViolationDTO struct {
	UserID   string          `json:"user_id"`
	Stored   decimal.Decimal `json:"stored"`
	Computed decimal.Decimal `json:"computed"`
}

// ReconciliationReportDTO summarizes a reconciliation run.
type ReconciliationReportDTO struct {
	CheckedUsers int            `json:"checked_users"`
	Violations   []ViolationDTO `json:"violations"`
	RanAt        string         `json:"ran_at"`
}

// AuditEntryDTO represents one audit log entry.
type AuditEntryDTO struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Target    string         `json:"target"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
