package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbill/ledger-core/api"
	"github.com/hostbill/ledger-core/gifts"
	"github.com/hostbill/ledger-core/ledger"
	"github.com/hostbill/ledger-core/rewards"
	"github.com/hostbill/ledger-core/store/sqlite"
	"github.com/hostbill/ledger-core/withdrawal"
)

// =============================================================================
// TEST SETUP - Full wiring over an in-memory store
// =============================================================================

type testEnv struct {
	t      *testing.T
	srv    *httptest.Server
	ledger *ledger.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledgerSvc := ledger.NewService(store, ledger.WithLogger(log))

	h := &api.Handler{
		Ledger:       ledgerSvc,
		Withdrawals:  withdrawal.NewService(ledgerSvc, store, store, withdrawal.WithLogger(log)),
		Certificates: gifts.NewCertificateService(ledgerSvc, store, store, log),
		Gifts:        gifts.NewGiftService(ledgerSvc, store, store, nil, log),
		Referrals: rewards.NewReferralService(ledgerSvc, rewards.ReferralConfig{
			Percent: decimal.NewFromFloat(0.10),
			Cap:     decimal.New(500, 0),
		}, log),
		MassBonus:  rewards.NewMassBonusService(ledgerSvc, store, log),
		Reconciler: &ledger.Reconciler{Store: store, Log: log},
		Audit:      store,
		Log:        log,
	}

	srv := httptest.NewServer(api.NewRouter(h))
	t.Cleanup(srv.Close)
	return &testEnv{t: t, srv: srv, ledger: ledgerSvc}
}

// do sends a JSON request and decodes the response body into out (if non-nil).
func (e *testEnv) do(method, path string, body, out any) int {
	e.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.srv.Client().Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) createUser(id string) {
	e.t.Helper()
	status := e.do("POST", "/api/users", api.CreateUserRequest{ID: id}, nil)
	require.Equal(e.t, http.StatusCreated, status)
}

func (e *testEnv) deposit(userID, paymentID string, amount int64) api.TransactionDTO {
	e.t.Helper()
	var tx api.TransactionDTO
	status := e.do("POST", "/api/webhooks/payment", api.PaymentWebhookRequest{
		PaymentID: paymentID,
		UserID:    userID,
		Amount:    decimal.New(amount, 0),
		Status:    "succeeded",
	}, &tx)
	require.Equal(e.t, http.StatusOK, status)
	return tx
}

func (e *testEnv) balance(userID string) api.BalanceDTO {
	e.t.Helper()
	var b api.BalanceDTO
	status := e.do("GET", "/api/users/"+userID+"/balance", nil, &b)
	require.Equal(e.t, http.StatusOK, status)
	return b
}

// =============================================================================
// PAYMENT WEBHOOK
// =============================================================================

func TestPaymentWebhook_DepositAndRedelivery(t *testing.T) {
	// GIVEN: A user with 500 on balance
	// WHEN: The provider delivers a 1000 payment, then redelivers it
	// THEN: The balance moves once; the redelivery gets 200 and the original tx

	e := newTestEnv(t)
	e.createUser("user-1")
	e.deposit("user-1", "pay_0", 500)

	first := e.deposit("user-1", "pay_1", 1000)
	assert.True(t, e.balance("user-1").Balance.Equal(decimal.New(1500, 0)))

	replay := e.deposit("user-1", "pay_1", 1000)
	assert.Equal(t, first.ID, replay.ID, "redelivery returns the original transaction")
	assert.True(t, e.balance("user-1").Balance.Equal(decimal.New(1500, 0)),
		"redelivery must not move the balance")
}

func TestPaymentWebhook_NonSucceededStatusIgnored(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("user-1")

	var body map[string]string
	status := e.do("POST", "/api/webhooks/payment", api.PaymentWebhookRequest{
		PaymentID: "pay_1",
		UserID:    "user-1",
		Amount:    decimal.New(1000, 0),
		Status:    "pending",
	}, &body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ignored", body["status"])
	assert.True(t, e.balance("user-1").Balance.IsZero())
}

func TestPaymentWebhook_RejectsNonPositiveAmount(t *testing.T) {
	// A webhook only credits; a negative amount would be an
	// externally-triggered debit.

	e := newTestEnv(t)
	e.createUser("user-1")
	e.deposit("user-1", "pay_0", 500)

	var errResp api.ErrorResponse
	status := e.do("POST", "/api/webhooks/payment", api.PaymentWebhookRequest{
		PaymentID: "pay_1",
		UserID:    "user-1",
		Amount:    decimal.New(-200, 0),
		Status:    "succeeded",
	}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.True(t, e.balance("user-1").Balance.Equal(decimal.New(500, 0)))

	status = e.do("POST", "/api/webhooks/payment", api.PaymentWebhookRequest{
		PaymentID: "pay_2",
		UserID:    "user-1",
		Amount:    decimal.Zero,
		Status:    "succeeded",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPaymentWebhook_UnknownUser(t *testing.T) {
	e := newTestEnv(t)

	var errResp api.ErrorResponse
	status := e.do("POST", "/api/webhooks/payment", api.PaymentWebhookRequest{
		PaymentID: "pay_1",
		UserID:    "ghost",
		Amount:    decimal.New(1000, 0),
	}, &errResp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", errResp.Code)
}

func TestPaymentWebhook_ReferralBonusFiresOnce(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("referrer")
	e.createUser("referred")

	status := e.do("POST", "/api/webhooks/payment", api.PaymentWebhookRequest{
		PaymentID:  "pay_1",
		UserID:     "referred",
		Amount:     decimal.New(1000, 0),
		Status:     "succeeded",
		ReferrerID: "referrer",
	}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, e.balance("referrer").Balance.Equal(decimal.New(100, 0)),
		"referrer earns 10%% of the qualifying payment")

	// Redelivery: neither the deposit nor the referral bonus repeats.
	e.do("POST", "/api/webhooks/payment", api.PaymentWebhookRequest{
		PaymentID:  "pay_1",
		UserID:     "referred",
		Amount:     decimal.New(1000, 0),
		Status:     "succeeded",
		ReferrerID: "referrer",
	}, nil)
	assert.True(t, e.balance("referrer").Balance.Equal(decimal.New(100, 0)))
	assert.True(t, e.balance("referred").Balance.Equal(decimal.New(1000, 0)))
}

// =============================================================================
// USERS
// =============================================================================

func TestCreateUser_AndGet(t *testing.T) {
	e := newTestEnv(t)

	var created api.UserDTO
	status := e.do("POST", "/api/users", api.CreateUserRequest{
		ID:    "user-1",
		Email: "one@example.com",
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "user-1", created.ID)
	assert.True(t, created.Balance.IsZero())

	var fetched api.UserDTO
	status = e.do("GET", "/api/users/user-1", nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "one@example.com", fetched.Email)
}

func TestGetUser_NotFound(t *testing.T) {
	e := newTestEnv(t)

	var errResp api.ErrorResponse
	status := e.do("GET", "/api/users/ghost", nil, &errResp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", errResp.Code)
}

// =============================================================================
// PURCHASES
// =============================================================================

func TestCreatePurchase_DebitsAndDeduplicates(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("user-1")
	e.deposit("user-1", "pay_1", 1000)

	var tx api.TransactionDTO
	status := e.do("POST", "/api/users/user-1/purchases", api.PurchaseRequest{
		OrderID: "ord_1",
		Amount:  decimal.New(300, 0),
	}, &tx)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, tx.Amount.Equal(decimal.New(-300, 0)))
	assert.True(t, e.balance("user-1").Balance.Equal(decimal.New(700, 0)))

	// A double-submitted order charges once.
	var replay api.TransactionDTO
	status = e.do("POST", "/api/users/user-1/purchases", api.PurchaseRequest{
		OrderID: "ord_1",
		Amount:  decimal.New(300, 0),
	}, &replay)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, tx.ID, replay.ID)
	assert.True(t, e.balance("user-1").Balance.Equal(decimal.New(700, 0)))
}

func TestCreatePurchase_RequiresOrderID(t *testing.T) {
	// GIVEN: Purchases submitted without an order id
	// WHEN: Two distinct 100 purchases arrive
	// THEN: Both are rejected; without this gate they would share one
	//       idempotency key and the second would charge nothing

	e := newTestEnv(t)
	e.createUser("user-1")
	e.deposit("user-1", "pay_1", 1000)

	for i := 0; i < 2; i++ {
		status := e.do("POST", "/api/users/user-1/purchases", api.PurchaseRequest{
			Amount: decimal.New(100, 0),
		}, nil)
		assert.Equal(t, http.StatusBadRequest, status)
	}
	assert.True(t, e.balance("user-1").Balance.Equal(decimal.New(1000, 0)),
		"no debit may happen without an order id")
}

func TestCreatePurchase_InsufficientFunds(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("user-1")
	e.deposit("user-1", "pay_1", 100)

	var errResp api.ErrorResponse
	status := e.do("POST", "/api/users/user-1/purchases", api.PurchaseRequest{
		OrderID: "ord_1",
		Amount:  decimal.New(300, 0),
	}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "insufficient_funds", errResp.Code)
	assert.True(t, e.balance("user-1").Balance.Equal(decimal.New(100, 0)))
}

func TestCreatePurchase_SpendingLimitBlocks(t *testing.T) {
	// GIVEN: Daily limit 1000, 900 already spent today
	// WHEN: A 200 purchase arrives
	// THEN: 400 limit_exceeded and the balance is untouched

	e := newTestEnv(t)
	e.createUser("user-1")
	e.deposit("user-1", "pay_1", 5000)

	status := e.do("PUT", "/api/users/user-1/limit", api.SpendingLimitDTO{
		DailyLimit: decimal.New(1000, 0),
		Enabled:    true,
	}, nil)
	require.Equal(t, http.StatusOK, status)

	status = e.do("POST", "/api/users/user-1/purchases", api.PurchaseRequest{
		OrderID: "ord_1",
		Amount:  decimal.New(900, 0),
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	var errResp api.ErrorResponse
	status = e.do("POST", "/api/users/user-1/purchases", api.PurchaseRequest{
		OrderID: "ord_2",
		Amount:  decimal.New(200, 0),
	}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "limit_exceeded", errResp.Code)
	assert.True(t, e.balance("user-1").Balance.Equal(decimal.New(4100, 0)))
}

func TestSpendingLimit_RoundTrip(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("user-1")

	status := e.do("PUT", "/api/users/user-1/limit", api.SpendingLimitDTO{
		DailyLimit:   decimal.New(1000, 0),
		MonthlyLimit: decimal.New(20000, 0),
		AlertAt:      80,
		Enabled:      true,
	}, nil)
	require.Equal(t, http.StatusOK, status)

	var limit api.SpendingLimitDTO
	status = e.do("GET", "/api/users/user-1/limit", nil, &limit)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, limit.DailyLimit.Equal(decimal.New(1000, 0)))
	assert.True(t, limit.MonthlyLimit.Equal(decimal.New(20000, 0)))
	assert.Equal(t, 80, limit.AlertAt)
	assert.True(t, limit.Enabled)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestGetHistory_FilterAndPagination(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("user-1")
	for i := 0; i < 5; i++ {
		e.deposit("user-1", fmt.Sprintf("pay_%d", i), 100)
	}
	status := e.do("POST", "/api/users/user-1/purchases", api.PurchaseRequest{
		OrderID: "ord_1",
		Amount:  decimal.New(50, 0),
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	var page api.HistoryDTO
	status = e.do("GET", "/api/users/user-1/history?type=deposit&limit=2&offset=1", nil, &page)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 5, page.Total, "total counts all matches, not the page")
	assert.Len(t, page.Transactions, 2)
	for _, tx := range page.Transactions {
		assert.Equal(t, "deposit", tx.Type)
	}
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

func TestWithdrawal_FullLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("user-1")
	e.deposit("user-1", "pay_1", 1000)

	var created api.WithdrawalDTO
	status := e.do("POST", "/api/users/user-1/withdrawals", api.CreateWithdrawalRequest{
		Amount: decimal.New(400, 0),
		Method: "card",
		Card:   &withdrawal.Card{CardNumber: "4111111111111111"},
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "pending", created.Status)

	// The pending request reserves funds but moves none.
	b := e.balance("user-1")
	assert.True(t, b.Balance.Equal(decimal.New(1000, 0)))
	assert.True(t, b.Available.Equal(decimal.New(600, 0)))

	var processing api.WithdrawalDTO
	status = e.do("POST", "/api/admin/withdrawals/"+created.ID+"/process",
		api.AdminDecisionRequest{AdminID: "admin-1"}, &processing)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "processing", processing.Status)

	var done api.WithdrawalDTO
	status = e.do("POST", "/api/admin/withdrawals/"+created.ID+"/complete",
		api.AdminDecisionRequest{AdminID: "admin-1", Note: "paid"}, &done)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", done.Status)
	assert.True(t, e.balance("user-1").Balance.Equal(decimal.New(600, 0)))

	// A completed request cannot be rejected.
	var errResp api.ErrorResponse
	status = e.do("POST", "/api/admin/withdrawals/"+created.ID+"/reject",
		api.AdminDecisionRequest{AdminID: "admin-1"}, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_state_transition", errResp.Code)
}

func TestWithdrawal_RejectReleasesReservation(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("user-1")
	e.deposit("user-1", "pay_1", 1000)

	var created api.WithdrawalDTO
	status := e.do("POST", "/api/users/user-1/withdrawals", api.CreateWithdrawalRequest{
		Amount: decimal.New(400, 0),
		Method: "qiwi",
		Qiwi:   &withdrawal.Qiwi{Phone: "+79001234567"},
	}, &created)
	require.Equal(t, http.StatusCreated, status)

	status = e.do("POST", "/api/admin/withdrawals/"+created.ID+"/reject",
		api.AdminDecisionRequest{AdminID: "admin-1", Note: "suspicious"}, nil)
	require.Equal(t, http.StatusOK, status)

	b := e.balance("user-1")
	assert.True(t, b.Balance.Equal(decimal.New(1000, 0)))
	assert.True(t, b.Available.Equal(decimal.New(1000, 0)))
}

func TestCreateWithdrawal_MismatchedDetails(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("user-1")
	e.deposit("user-1", "pay_1", 1000)

	status := e.do("POST", "/api/users/user-1/withdrawals", api.CreateWithdrawalRequest{
		Amount: decimal.New(400, 0),
		Method: "card", // no card details attached
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

// =============================================================================
// CERTIFICATES + GIFTS
// =============================================================================

func TestCertificate_IssueAndRedeemOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("user-1")

	var cert api.CertificateDTO
	status := e.do("POST", "/api/admin/certificates", api.CreateCertificateRequest{
		Amount:  decimal.New(250, 0),
		AdminID: "admin-1",
	}, &cert)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, cert.Code)

	var tx api.TransactionDTO
	status = e.do("POST", "/api/certificates/redeem", api.RedeemCertificateRequest{
		Code:   cert.Code,
		UserID: "user-1",
	}, &tx)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, e.balance("user-1").Balance.Equal(decimal.New(250, 0)))

	// A spent certificate reads as inactive and cannot be redeemed again.
	var spent api.CertificateDTO
	status = e.do("GET", "/api/certificates/"+cert.Code, nil, &spent)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, spent.IsActive)

	var errResp api.ErrorResponse
	status = e.do("POST", "/api/certificates/redeem", api.RedeemCertificateRequest{
		Code:   cert.Code,
		UserID: "user-1",
	}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "expired_or_inactive", errResp.Code)
}

func TestGift_SendAndClaimOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("sender")
	e.createUser("recipient")
	e.deposit("sender", "pay_1", 500)

	var gift api.GiftDTO
	status := e.do("POST", "/api/users/sender/gifts", api.SendGiftRequest{
		RecipientEmail: "friend@example.com",
		Amount:         decimal.New(200, 0),
	}, &gift)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "pending", gift.Status)
	assert.True(t, e.balance("sender").Balance.Equal(decimal.New(300, 0)))

	var claimed api.GiftDTO
	status = e.do("POST", "/api/gifts/"+gift.ID+"/claim", api.ClaimGiftRequest{
		UserID: "recipient",
	}, &claimed)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "claimed", claimed.Status)
	assert.True(t, e.balance("recipient").Balance.Equal(decimal.New(200, 0)))
}

func TestGift_ExpireSweepEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("sender")
	e.deposit("sender", "pay_1", 500)

	status := e.do("POST", "/api/users/sender/gifts", api.SendGiftRequest{
		RecipientEmail: "friend@example.com",
		Amount:         decimal.New(200, 0),
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	// Nothing has expired yet; the sweep is a safe no-op.
	var result map[string]int
	status = e.do("POST", "/api/admin/gifts/expire", nil, &result)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, result["expired"])
	assert.True(t, e.balance("sender").Balance.Equal(decimal.New(300, 0)))
}

// =============================================================================
// ADMIN
// =============================================================================

func TestMassBonus_OverHTTP(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("a")
	e.createUser("b")

	var result api.MassBonusResultDTO
	status := e.do("POST", "/api/admin/mass-bonus", api.MassBonusRequest{
		CampaignID: "camp-1",
		UserIDs:    []string{"a", "b", "ghost"},
		Amount:     decimal.New(100, 0),
		AdminID:    "admin-1",
	}, &result)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, result.Success)
	assert.Equal(t, 1, result.Failed)
	assert.True(t, result.TotalAmount.Equal(decimal.New(200, 0)))
}

func TestAdjustment_WritesAuditTrail(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("user-1")

	var tx api.TransactionDTO
	status := e.do("POST", "/api/admin/adjustments", api.AdjustmentRequest{
		UserID:  "user-1",
		Amount:  decimal.New(-50, 0),
		Reason:  "support credit reversal",
		AdminID: "admin-1",
	}, &tx)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, e.balance("user-1").Balance.Equal(decimal.New(-50, 0)),
		"adjustments may take the balance below zero")

	var entries []api.AuditEntryDTO
	status = e.do("GET", "/api/admin/audit?actor_id=admin-1", nil, &entries)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, entries, 1)
	assert.Equal(t, "manual_adjustment", entries[0].Action)
	assert.Equal(t, "user-1", entries[0].Target)
}

func TestAdjustment_RequiresReason(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("user-1")

	status := e.do("POST", "/api/admin/adjustments", api.AdjustmentRequest{
		UserID:  "user-1",
		Amount:  decimal.New(-50, 0),
		AdminID: "admin-1",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestReconciliation_CleanRun(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("user-1")
	e.deposit("user-1", "pay_1", 500)

	var report api.ReconciliationReportDTO
	status := e.do("POST", "/api/admin/reconciliation/run", nil, &report)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, report.CheckedUsers)
	assert.Empty(t, report.Violations)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	var body map[string]string
	status := e.do("GET", "/api/health", nil, &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}
