package gifts_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbill/ledger-core/gifts"
	"github.com/hostbill/ledger-core/ledger"
	"github.com/hostbill/ledger-core/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestGifts(t *testing.T) (*gifts.GiftService, *ledger.Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledgerSvc := ledger.NewService(store)
	svc := gifts.NewGiftService(ledgerSvc, store, store, nil, nil)
	return svc, ledgerSvc, store
}

func fundedSender(t *testing.T, l *ledger.Service, id string, amount int64) ledger.UserID {
	t.Helper()
	ctx := context.Background()
	userID := ledger.UserID(id)
	require.NoError(t, l.CreateUser(ctx, ledger.User{ID: userID}))
	if amount > 0 {
		_, err := l.Apply(ctx, userID, ledger.TxDeposit, decimal.New(amount, 0), ledger.ApplyOptions{})
		require.NoError(t, err)
	}
	return userID
}

func requireBalance(t *testing.T, l *ledger.Service, userID ledger.UserID, want int64) {
	t.Helper()
	balance, err := l.Balance(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.New(want, 0)),
		"balance of %s: want %d, got %s", userID, want, balance)
}

// =============================================================================
// SEND
// =============================================================================

func TestSend_DebitsSenderImmediately(t *testing.T) {
	svc, l, _ := newTestGifts(t)
	sender := fundedSender(t, l, "sender", 500)

	gift, err := svc.Send(context.Background(), sender, "friend@example.com", decimal.New(200, 0), 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, gifts.GiftPending, gift.Status)
	assert.Equal(t, "friend@example.com", gift.RecipientEmail)

	// The hold is a real debit, not a reservation.
	requireBalance(t, l, sender, 300)
}

func TestSend_InsufficientFunds(t *testing.T) {
	svc, l, _ := newTestGifts(t)
	sender := fundedSender(t, l, "sender", 100)

	_, err := svc.Send(context.Background(), sender, "friend@example.com", decimal.New(200, 0), 72*time.Hour)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	requireBalance(t, l, sender, 100)
}

func TestSend_RejectsInvalidInput(t *testing.T) {
	svc, l, _ := newTestGifts(t)
	sender := fundedSender(t, l, "sender", 500)
	ctx := context.Background()

	_, err := svc.Send(ctx, sender, "friend@example.com", decimal.Zero, 72*time.Hour)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = svc.Send(ctx, sender, "", decimal.New(100, 0), 72*time.Hour)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

// flakyGiftStore fails SaveGift on demand while delegating everything else
// to the real store.
type flakyGiftStore struct {
	gifts.GiftStore
	failSave bool
}

func (f *flakyGiftStore) SaveGift(ctx context.Context, g gifts.Gift) error {
	if f.failSave {
		return errors.New("disk full")
	}
	return f.GiftStore.SaveGift(ctx, g)
}

func TestSend_StoreFailureRefundsTheDebit(t *testing.T) {
	// GIVEN: A store that cannot persist the gift row
	// WHEN: Send debits the sender and then fails to record the gift
	// THEN: The debit is compensated; repeated failed sends never drain
	//       the sender, and a recovered store debits exactly once

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledgerSvc := ledger.NewService(store)
	flaky := &flakyGiftStore{GiftStore: store, failSave: true}
	svc := gifts.NewGiftService(ledgerSvc, flaky, store, nil, nil)

	sender := fundedSender(t, ledgerSvc, "sender", 500)
	ctx := context.Background()

	_, err = svc.Send(ctx, sender, "friend@example.com", decimal.New(200, 0), 72*time.Hour)
	require.Error(t, err)
	requireBalance(t, ledgerSvc, sender, 500)

	// A retry mints a fresh gift id; a second failure still loses nothing.
	_, err = svc.Send(ctx, sender, "friend@example.com", decimal.New(200, 0), 72*time.Hour)
	require.Error(t, err)
	requireBalance(t, ledgerSvc, sender, 500)

	// Once the store recovers the same send goes through cleanly.
	flaky.failSave = false
	gift, err := svc.Send(ctx, sender, "friend@example.com", decimal.New(200, 0), 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, gifts.GiftPending, gift.Status)
	requireBalance(t, ledgerSvc, sender, 300)
}

// =============================================================================
// CLAIM
// =============================================================================

func TestClaim_CreditsRecipientOnce(t *testing.T) {
	svc, l, _ := newTestGifts(t)
	sender := fundedSender(t, l, "sender", 500)
	recipient := fundedSender(t, l, "recipient", 0)
	ctx := context.Background()

	gift, err := svc.Send(ctx, sender, "friend@example.com", decimal.New(200, 0), 72*time.Hour)
	require.NoError(t, err)

	claimed, err := svc.Claim(ctx, gift.ID, recipient)
	require.NoError(t, err)
	assert.Equal(t, gifts.GiftClaimed, claimed.Status)
	assert.Equal(t, recipient, claimed.ClaimedByID)
	requireBalance(t, l, recipient, 200)

	// A second claim attempt is rejected, not double-credited.
	_, err = svc.Claim(ctx, gift.ID, recipient)
	assert.ErrorIs(t, err, ledger.ErrExpiredOrInactive)
	requireBalance(t, l, recipient, 200)
}

func TestClaim_ConcurrentClaims_ExactlyOneWins(t *testing.T) {
	svc, l, _ := newTestGifts(t)
	sender := fundedSender(t, l, "sender", 500)
	alice := fundedSender(t, l, "alice", 0)
	bob := fundedSender(t, l, "bob", 0)
	ctx := context.Background()

	gift, err := svc.Send(ctx, sender, "friend@example.com", decimal.New(200, 0), 72*time.Hour)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	claimants := []ledger.UserID{alice, bob}
	for i := range claimants {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Claim(ctx, gift.ID, claimants[i])
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ledger.ErrExpiredOrInactive)
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	aliceBalance, err := l.Balance(ctx, alice)
	require.NoError(t, err)
	bobBalance, err := l.Balance(ctx, bob)
	require.NoError(t, err)
	assert.True(t, aliceBalance.Add(bobBalance).Equal(decimal.New(200, 0)),
		"the gift is credited exactly once")
}

func TestClaim_ExpiredGift(t *testing.T) {
	svc, l, _ := newTestGifts(t)
	sender := fundedSender(t, l, "sender", 500)
	recipient := fundedSender(t, l, "recipient", 0)
	ctx := context.Background()

	gift, err := svc.Send(ctx, sender, "friend@example.com", decimal.New(200, 0), -time.Hour)
	require.NoError(t, err)

	_, err = svc.Claim(ctx, gift.ID, recipient)
	assert.ErrorIs(t, err, ledger.ErrExpiredOrInactive)
	requireBalance(t, l, recipient, 0)
}

func TestClaim_UnknownGift(t *testing.T) {
	svc, l, _ := newTestGifts(t)
	recipient := fundedSender(t, l, "recipient", 0)

	_, err := svc.Claim(context.Background(), "bg_missing", recipient)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_RefundsSenderOnce(t *testing.T) {
	svc, l, _ := newTestGifts(t)
	sender := fundedSender(t, l, "sender", 500)
	ctx := context.Background()

	gift, err := svc.Send(ctx, sender, "friend@example.com", decimal.New(200, 0), 72*time.Hour)
	require.NoError(t, err)
	requireBalance(t, l, sender, 300)

	cancelled, err := svc.Cancel(ctx, gift.ID, "sender")
	require.NoError(t, err)
	assert.Equal(t, gifts.GiftCancelled, cancelled.Status)
	requireBalance(t, l, sender, 500)

	// Repeating the cancel is a no-op, never a second refund.
	again, err := svc.Cancel(ctx, gift.ID, "sender")
	require.NoError(t, err)
	assert.Equal(t, gifts.GiftCancelled, again.Status)
	requireBalance(t, l, sender, 500)
}

func TestCancel_ClaimedGiftIsFinal(t *testing.T) {
	svc, l, _ := newTestGifts(t)
	sender := fundedSender(t, l, "sender", 500)
	recipient := fundedSender(t, l, "recipient", 0)
	ctx := context.Background()

	gift, err := svc.Send(ctx, sender, "friend@example.com", decimal.New(200, 0), 72*time.Hour)
	require.NoError(t, err)
	_, err = svc.Claim(ctx, gift.ID, recipient)
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, gift.ID, "sender")
	assert.ErrorIs(t, err, ledger.ErrInvalidStateTransition)
	requireBalance(t, l, sender, 300)
	requireBalance(t, l, recipient, 200)
}

// =============================================================================
// EXPIRY SWEEP
// =============================================================================

func TestExpireSweep_RefundsExpiredPending(t *testing.T) {
	svc, l, _ := newTestGifts(t)
	sender := fundedSender(t, l, "sender", 500)
	ctx := context.Background()

	expired, err := svc.Send(ctx, sender, "a@example.com", decimal.New(100, 0), -time.Hour)
	require.NoError(t, err)
	alive, err := svc.Send(ctx, sender, "b@example.com", decimal.New(100, 0), 72*time.Hour)
	require.NoError(t, err)
	requireBalance(t, l, sender, 300)

	swept, err := svc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	requireBalance(t, l, sender, 400)

	g, err := svc.Get(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, gifts.GiftExpired, g.Status)

	g, err = svc.Get(ctx, alive.ID)
	require.NoError(t, err)
	assert.Equal(t, gifts.GiftPending, g.Status)

	// The sweep is re-runnable without a second refund.
	swept, err = svc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
	requireBalance(t, l, sender, 400)
}

func TestExpireSweep_CancelAfterExpiryDoesNotDoubleRefund(t *testing.T) {
	// The expiry refund and the cancel refund share one idempotency key.

	svc, l, _ := newTestGifts(t)
	sender := fundedSender(t, l, "sender", 500)
	ctx := context.Background()

	gift, err := svc.Send(ctx, sender, "a@example.com", decimal.New(100, 0), -time.Hour)
	require.NoError(t, err)

	_, err = svc.ExpireSweep(ctx)
	require.NoError(t, err)
	requireBalance(t, l, sender, 500)

	_, err = svc.Cancel(ctx, gift.ID, "sender")
	require.NoError(t, err)
	requireBalance(t, l, sender, 500)
}
