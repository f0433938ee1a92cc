/*
handlers.go - HTTP API handlers for the billing balance engine

PURPOSE:
  Exposes the balance engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Payments:
    POST   /api/webhooks/payment        Payment provider callback (idempotent)

  Users:
    POST   /api/users                   Register account
    GET    /api/users/{id}              Account details
    GET    /api/users/{id}/balance      Balance + available amount
    GET    /api/users/{id}/history      Filtered, paginated history
    POST   /api/users/{id}/purchases    Service purchase debit
    GET    /api/users/{id}/limit        Spending limit config
    PUT    /api/users/{id}/limit        Save spending limit config

  Withdrawals:
    POST   /api/users/{id}/withdrawals  Open payout request
    GET    /api/users/{id}/withdrawals  List user's requests
    GET    /api/withdrawals/{id}        Request details
    POST   /api/admin/withdrawals/{id}/process   PENDING -> PROCESSING
    POST   /api/admin/withdrawals/{id}/complete  Apply debit, COMPLETED
    POST   /api/admin/withdrawals/{id}/reject    REJECTED, no debit

  Certificates:
    POST   /api/admin/certificates      Issue certificate
    POST   /api/certificates/redeem     Redeem (full or partial)
    POST   /api/admin/certificates/{code}/deactivate

  Gifts:
    POST   /api/users/{id}/gifts        Send balance gift
    POST   /api/gifts/{id}/claim        Claim gift
    POST   /api/admin/gifts/{id}/cancel Cancel + refund sender
    POST   /api/admin/gifts/expire      Refund expired pending gifts

  Admin:
    POST   /api/admin/mass-bonus        Bulk bonus campaign
    POST   /api/admin/adjustments       Audited manual correction
    GET    /api/admin/audit             Audit trail
    POST   /api/admin/reconciliation/run Full integrity check

ERROR HANDLING:
  Domain errors map to HTTP status through one function:
  - 400: Validation errors, insufficient funds, limits, expired codes
  - 404: Unknown user/request/certificate/gift
  - 409: Idempotency hits, invalid lifecycle transitions
  - 500: Everything else

  EXCEPTION: the payment webhook answers a duplicate delivery with 200 and
  the original transaction. Providers retry until acknowledged; answering
  409 would retry forever.

SECURITY NOTE:
  No authentication middleware. The service is meant to sit behind the
  panel backend, which authenticates users and admins.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hostbill/ledger-core/gifts"
	"github.com/hostbill/ledger-core/ledger"
	"github.com/hostbill/ledger-core/rewards"
	"github.com/hostbill/ledger-core/withdrawal"
)

// defaultGiftTTL applies when a gift request doesn't set one.
const defaultGiftTTL = 72 * time.Hour

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger       *ledger.Service
	Withdrawals  *withdrawal.Service
	Certificates *gifts.CertificateService
	Gifts        *gifts.GiftService
	Referrals    *rewards.ReferralService
	MassBonus    *rewards.MassBonusService
	Reconciler   *ledger.Reconciler
	Audit        ledger.AuditLog
	Log          *slog.Logger
}

// =============================================================================
// PAYMENT WEBHOOK
// =============================================================================

// PaymentWebhook handles the provider's payment-completed callback.
// Redelivery of an already-processed payment_id returns 200 with the
// original transaction and no balance change.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req PaymentWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PaymentID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "payment_id and user_id are required", nil)
		return
	}
	// A webhook only ever credits. A negative amount here would be an
	// externally-triggered debit.
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive", nil)
		return
	}
	if req.Status != "" && req.Status != "succeeded" {
		// Not a completion event; acknowledge without side effects.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	tx, err := h.Ledger.Apply(r.Context(), ledger.UserID(req.UserID), ledger.TxDeposit, req.Amount, ledger.ApplyOptions{
		PaymentID:   req.PaymentID,
		Description: "balance top-up",
	})

	var dup *ledger.DuplicateOperationError
	if errors.As(err, &dup) {
		writeJSON(w, http.StatusOK, toTransactionDTO(dup.Existing))
		return
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	// First-time deposit may trigger a referral bonus for the referrer.
	// Best-effort: the deposit is already committed and stays committed.
	if req.ReferrerID != "" {
		if _, err := h.Referrals.OnQualifyingPayment(r.Context(), ledger.UserID(req.ReferrerID), tx); err != nil {
			h.Log.Warn("referral bonus failed",
				"referrer_id", req.ReferrerID, "trigger_tx", tx.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// CreateUser registers an account with a zero balance.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}

	u := ledger.User{ID: ledger.UserID(req.ID), Email: req.Email}
	if err := h.Ledger.CreateUser(r.Context(), u); err != nil {
		h.writeDomainError(w, err)
		return
	}

	user, err := h.Ledger.User(r.Context(), u.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(user))
}

// GetUser returns account details.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.Ledger.User(r.Context(), ledger.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(user))
}

// GetBalance returns the balance and the withdrawal-available amount.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	balance, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	available, err := h.Withdrawals.Available(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:    string(userID),
		Balance:   balance,
		Available: available,
	})
}

// GetHistory returns filtered, paginated transaction history, newest first.
// Query params: type (repeatable), status (repeatable), from, to (RFC3339),
// limit, offset.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	q := r.URL.Query()

	var f ledger.HistoryFilter
	for _, t := range q["type"] {
		f.Types = append(f.Types, ledger.TransactionType(t))
	}
	for _, st := range q["status"] {
		f.Statuses = append(f.Statuses, ledger.TransactionStatus(st))
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'from' timestamp (use RFC3339)", err)
			return
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'to' timestamp (use RFC3339)", err)
			return
		}
		f.To = &t
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	page, err := h.Ledger.History(r.Context(), userID, f)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]TransactionDTO, len(page.Transactions))
	for i := range page.Transactions {
		dtos[i] = toTransactionDTO(&page.Transactions[i])
	}
	writeJSON(w, http.StatusOK, HistoryDTO{
		Transactions: dtos,
		Total:        page.Total,
		Limit:        f.Limit,
		Offset:       f.Offset,
	})
}

// CreatePurchase debits the balance for a service order. order_id doubles
// as the idempotency key, so a double-submitted order charges once.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	// order_id is the idempotency key. Without this check, every purchase
	// submitted without one would share the key "order:" and all but the
	// first would be swallowed as duplicates, charging nothing.
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required", nil)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive", nil)
		return
	}

	txType := ledger.TxPurchase
	if req.Renewal {
		txType = ledger.TxRenewal
	}

	tx, err := h.Ledger.Apply(r.Context(), userID, txType, req.Amount.Neg(), ledger.ApplyOptions{
		PaymentID:   "order:" + req.OrderID,
		Description: req.Description,
		Metadata:    map[string]string{"order_id": req.OrderID},
	})

	var dup *ledger.DuplicateOperationError
	if errors.As(err, &dup) {
		writeJSON(w, http.StatusOK, toTransactionDTO(dup.Existing))
		return
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// GetSpendingLimit returns the user's limit config.
func (h *Handler) GetSpendingLimit(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	limit, err := h.Ledger.SpendingLimit(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if limit == nil {
		writeJSON(w, http.StatusOK, SpendingLimitDTO{UserID: string(userID)})
		return
	}
	writeJSON(w, http.StatusOK, SpendingLimitDTO{
		UserID:       string(limit.UserID),
		DailyLimit:   limit.DailyLimit,
		MonthlyLimit: limit.MonthlyLimit,
		AlertAt:      limit.AlertAt,
		Enabled:      limit.Enabled,
	})
}

// SaveSpendingLimit upserts the user's limit config.
func (h *Handler) SaveSpendingLimit(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var req SpendingLimitDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.DailyLimit.IsNegative() || req.MonthlyLimit.IsNegative() {
		writeError(w, http.StatusBadRequest, "limits must not be negative", nil)
		return
	}

	err := h.Ledger.SaveSpendingLimit(r.Context(), ledger.SpendingLimit{
		UserID:       userID,
		DailyLimit:   req.DailyLimit,
		MonthlyLimit: req.MonthlyLimit,
		AlertAt:      req.AlertAt,
		Enabled:      req.Enabled,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// =============================================================================
// WITHDRAWAL HANDLERS
// =============================================================================

// CreateWithdrawal opens a payout request against the available balance.
func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var req CreateWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	details, err := payoutDetails(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	created, err := h.Withdrawals.Create(r.Context(), userID, req.Amount, details)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(created))
}

// ListWithdrawals returns a user's payout requests, newest first.
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Withdrawals.ListByUser(r.Context(), ledger.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalDTOs(reqs))
}

// GetWithdrawal returns one payout request.
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	req, err := h.Withdrawals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(req))
}

// ListPendingWithdrawals returns the admin queue, oldest first.
func (h *Handler) ListPendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	status := withdrawal.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = withdrawal.StatusPending
	}
	reqs, err := h.Withdrawals.ListByStatus(r.Context(), status)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalDTOs(reqs))
}

// ProcessWithdrawal moves a request to PROCESSING.
func (h *Handler) ProcessWithdrawal(w http.ResponseWriter, r *http.Request) {
	decision, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	req, err := h.Withdrawals.StartProcessing(r.Context(), chi.URLParam(r, "id"), decision.AdminID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(req))
}

// CompleteWithdrawal applies the debit and marks the request COMPLETED.
func (h *Handler) CompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	decision, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	req, err := h.Withdrawals.Complete(r.Context(), chi.URLParam(r, "id"), decision.AdminID, decision.Note)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(req))
}

// RejectWithdrawal marks the request REJECTED. No funds move.
func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	decision, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	req, err := h.Withdrawals.Reject(r.Context(), chi.URLParam(r, "id"), decision.AdminID, decision.Note)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(req))
}

// =============================================================================
// CERTIFICATE HANDLERS
// =============================================================================

// CreateCertificate issues a new certificate (admin).
func (h *Handler) CreateCertificate(w http.ResponseWriter, r *http.Request) {
	var req CreateCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cert, err := h.Certificates.Create(r.Context(),
		ledger.UserID(req.PurchasedBy), req.Amount, req.ExpiresAt, req.AdminID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCertificateDTO(cert))
}

// RedeemCertificate credits the caller from a certificate code.
func (h *Handler) RedeemCertificate(w http.ResponseWriter, r *http.Request) {
	var req RedeemCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Code == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "code and user_id are required", nil)
		return
	}

	tx, err := h.Certificates.Redeem(r.Context(), req.Code, ledger.UserID(req.UserID), req.Amount)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// GetCertificate returns certificate status by code.
func (h *Handler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := h.Certificates.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCertificateDTO(cert))
}

// DeactivateCertificate disables a certificate (admin).
func (h *Handler) DeactivateCertificate(w http.ResponseWriter, r *http.Request) {
	decision, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	if err := h.Certificates.Deactivate(r.Context(), chi.URLParam(r, "code"), decision.AdminID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// =============================================================================
// GIFT HANDLERS
// =============================================================================

// SendGift escrows a balance gift for a recipient email.
func (h *Handler) SendGift(w http.ResponseWriter, r *http.Request) {
	senderID := ledger.UserID(chi.URLParam(r, "id"))

	var req SendGiftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ttl := defaultGiftTTL
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}

	gift, err := h.Gifts.Send(r.Context(), senderID, req.RecipientEmail, req.Amount, ttl)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGiftDTO(gift))
}

// ClaimGift credits the recipient from a pending gift.
func (h *Handler) ClaimGift(w http.ResponseWriter, r *http.Request) {
	var req ClaimGiftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	gift, err := h.Gifts.Claim(r.Context(), chi.URLParam(r, "id"), ledger.UserID(req.UserID))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toGiftDTO(gift))
}

// ExpireGifts refunds every expired pending gift on demand (admin). The
// scheduler runs the same sweep periodically; both paths share the refund
// idempotency keys, so overlapping runs are safe.
func (h *Handler) ExpireGifts(w http.ResponseWriter, r *http.Request) {
	swept, err := h.Gifts.ExpireSweep(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": swept})
}

// CancelGift refunds the sender and cancels the gift (admin).
func (h *Handler) CancelGift(w http.ResponseWriter, r *http.Request) {
	decision, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	gift, err := h.Gifts.Cancel(r.Context(), chi.URLParam(r, "id"), decision.AdminID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toGiftDTO(gift))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateMassBonus runs a bulk bonus campaign.
func (h *Handler) CreateMassBonus(w http.ResponseWriter, r *http.Request) {
	var req MassBonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ids := make([]ledger.UserID, len(req.UserIDs))
	for i, id := range req.UserIDs {
		ids[i] = ledger.UserID(id)
	}

	result, err := h.MassBonus.Grant(r.Context(), req.CampaignID, ids, req.Amount, req.Description, req.AdminID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MassBonusResultDTO{
		Success:     result.Success,
		Failed:      result.Failed,
		TotalAmount: result.TotalAmount,
	})
}

// CreateAdjustment applies an audited manual balance correction. The only
// sanctioned repair for reconciliation drift.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Reason == "" || req.AdminID == "" {
		writeError(w, http.StatusBadRequest, "reason and admin_id are required", nil)
		return
	}

	tx, err := h.Ledger.Apply(r.Context(), ledger.UserID(req.UserID), ledger.TxAdjustment, req.Amount, ledger.ApplyOptions{
		Description:   "manual adjustment: " + req.Reason,
		Metadata:      map[string]string{"admin_id": req.AdminID},
		AllowNegative: true,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if h.Audit != nil {
		if err := h.Audit.Append(r.Context(), ledger.AuditEntry{
			ID:      "aud_" + string(tx.ID) + "_adjust",
			ActorID: req.AdminID,
			Action:  ledger.AuditManualAdjustment,
			Target:  req.UserID,
			Details: map[string]any{
				"amount": req.Amount.String(),
				"reason": req.Reason,
				"tx_id":  string(tx.ID),
			},
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			h.Log.Warn("audit append failed", "tx_id", tx.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// GetAuditLog returns the admin action trail.
func (h *Handler) GetAuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f ledger.AuditFilter
	if v := q.Get("actor_id"); v != "" {
		f.ActorID = &v
	}
	if v := q.Get("target"); v != "" {
		f.Target = &v
	}
	for _, a := range q["action"] {
		f.Actions = append(f.Actions, ledger.AuditAction(a))
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))

	entries, err := h.Audit.Query(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:        e.ID,
			ActorID:   e.ActorID,
			Action:    string(e.Action),
			Target:    e.Target,
			Details:   e.Details,
			CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunReconciliation checks every account's stored balance against its
// ledger sum. Violations are reported, never auto-corrected.
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.Run(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dto := ReconciliationReportDTO{
		CheckedUsers: report.CheckedUsers,
		Violations:   []ViolationDTO{},
		RanAt:        report.RanAt.Format(time.RFC3339),
	}
	for _, v := range report.Violations {
		dto.Violations = append(dto.Violations, ViolationDTO{
			UserID:   string(v.UserID),
			Stored:   v.Stored,
			Computed: v.Computed,
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

// Health is the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func payoutDetails(req CreateWithdrawalRequest) (withdrawal.Details, error) {
	switch withdrawal.Method(req.Method) {
	case withdrawal.MethodCard:
		if req.Card == nil {
			return nil, errors.New("card details required for method 'card'")
		}
		return *req.Card, nil
	case withdrawal.MethodYooMoney:
		if req.YooMoney == nil {
			return nil, errors.New("yoomoney details required for method 'yoomoney'")
		}
		return *req.YooMoney, nil
	case withdrawal.MethodQiwi:
		if req.Qiwi == nil {
			return nil, errors.New("qiwi details required for method 'qiwi'")
		}
		return *req.Qiwi, nil
	case withdrawal.MethodCrypto:
		if req.Crypto == nil {
			return nil, errors.New("crypto details required for method 'crypto'")
		}
		return *req.Crypto, nil
	default:
		return nil, errors.New("unknown payout method")
	}
}

func withdrawalDTOs(reqs []withdrawal.Request) []WithdrawalDTO {
	dtos := make([]WithdrawalDTO, len(reqs))
	for i := range reqs {
		dtos[i] = toWithdrawalDTO(&reqs[i])
	}
	return dtos
}

func decodeDecision(w http.ResponseWriter, r *http.Request) (AdminDecisionRequest, bool) {
	var decision AdminDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return decision, false
	}
	if decision.AdminID == "" {
		writeError(w, http.StatusBadRequest, "admin_id is required", nil)
		return decision, false
	}
	return decision, true
}

// writeDomainError maps the error taxonomy to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, ledger.ErrDuplicateOperation),
		errors.Is(err, ledger.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, "Conflict", err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	default:
		h.Log.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: errorCode(err)}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ledger.ErrDuplicateOperation):
		return "duplicate_operation"
	case errors.Is(err, ledger.ErrInvalidStateTransition):
		return "invalid_state_transition"
	case errors.Is(err, ledger.ErrExpiredOrInactive):
		return "expired_or_inactive"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case ledger.IsNotFound(err):
		return "not_found"
	default:
		return "internal"
	}
}
