package rewards_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbill/ledger-core/ledger"
	"github.com/hostbill/ledger-core/rewards"
	"github.com/hostbill/ledger-core/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*ledger.Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return ledger.NewService(store), store
}

func newUser(t *testing.T, l *ledger.Service, id string) ledger.UserID {
	t.Helper()
	userID := ledger.UserID(id)
	require.NoError(t, l.CreateUser(context.Background(), ledger.User{ID: userID}))
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
// REFERRAL BONUS
// =============================================================================

func TestReferral_PercentOfTrigger(t *testing.T) {
	l, _ := newTestLedger(t)
	referrer := newUser(t, l, "referrer")
	referred := newUser(t, l, "referred")
	ctx := context.Background()

	trigger, err := l.Apply(ctx, referred, ledger.TxDeposit, decimal.New(1000, 0), ledger.ApplyOptions{
		PaymentID: "pay_1",
	})
	require.NoError(t, err)

	svc := rewards.NewReferralService(l, rewards.ReferralConfig{
		Percent: decimal.NewFromFloat(0.10),
		Cap:     decimal.New(500, 0),
	}, nil)

	tx, err := svc.OnQualifyingPayment(ctx, referrer, trigger)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxReferral, tx.Type)
	assert.True(t, tx.Amount.Equal(decimal.New(100, 0)))
	requireBalance(t, l, referrer, 100)
}

func TestReferral_CapBoundsTheBonus(t *testing.T) {
	l, _ := newTestLedger(t)
	referrer := newUser(t, l, "referrer")
	referred := newUser(t, l, "referred")
	ctx := context.Background()

	trigger, err := l.Apply(ctx, referred, ledger.TxDeposit, decimal.New(100000, 0), ledger.ApplyOptions{
		PaymentID: "pay_1",
	})
	require.NoError(t, err)

	svc := rewards.NewReferralService(l, rewards.ReferralConfig{
		Percent: decimal.NewFromFloat(0.10),
		Cap:     decimal.New(500, 0),
	}, nil)

	tx, err := svc.OnQualifyingPayment(ctx, referrer, trigger)
	require.NoError(t, err)
	assert.True(t, tx.Amount.Equal(decimal.New(500, 0)), "10%% of 100000 is clamped to the cap")
}

func TestReferral_AtMostOncePerTrigger(t *testing.T) {
	// Re-evaluating the same qualifying payment must not pay twice.

	l, _ := newTestLedger(t)
	referrer := newUser(t, l, "referrer")
	referred := newUser(t, l, "referred")
	ctx := context.Background()

	trigger, err := l.Apply(ctx, referred, ledger.TxDeposit, decimal.New(1000, 0), ledger.ApplyOptions{
		PaymentID: "pay_1",
	})
	require.NoError(t, err)

	svc := rewards.NewReferralService(l, rewards.ReferralConfig{
		Percent: decimal.NewFromFloat(0.10),
	}, nil)

	first, err := svc.OnQualifyingPayment(ctx, referrer, trigger)
	require.NoError(t, err)
	second, err := svc.OnQualifyingPayment(ctx, referrer, trigger)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "replay returns the original credit")
	requireBalance(t, l, referrer, 100)
}

func TestReferral_RejectsNonCreditTrigger(t *testing.T) {
	l, _ := newTestLedger(t)
	referrer := newUser(t, l, "referrer")

	svc := rewards.NewReferralService(l, rewards.ReferralConfig{
		Percent: decimal.NewFromFloat(0.10),
	}, nil)

	_, err := svc.OnQualifyingPayment(context.Background(), referrer, nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	debit := &ledger.Transaction{Amount: decimal.New(-100, 0)}
	_, err = svc.OnQualifyingPayment(context.Background(), referrer, debit)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

// =============================================================================
// MASS BONUS
// =============================================================================

func TestMassBonus_PartialFailureDoesNotRollBack(t *testing.T) {
	// GIVEN: Three targets, one of which does not exist
	// WHEN: The campaign runs
	// THEN: Two are credited, one fails, nothing is rolled back

	l, _ := newTestLedger(t)
	a := newUser(t, l, "a")
	b := newUser(t, l, "b")
	ctx := context.Background()

	svc := rewards.NewMassBonusService(l, nil, nil)
	res, err := svc.Grant(ctx, "camp-1", []ledger.UserID{a, b, "ghost"}, decimal.New(100, 0), "promo", "admin-1")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, res.TotalAmount.Equal(decimal.New(200, 0)))
	require.Len(t, res.Items, 3)

	requireBalance(t, l, a, 100)
	requireBalance(t, l, b, 100)

	for _, item := range res.Items {
		if item.UserID == "ghost" {
			assert.ErrorIs(t, item.Err, ledger.ErrUserNotFound)
		} else {
			assert.NoError(t, item.Err)
			assert.NotEmpty(t, item.TxID)
		}
	}
}

func TestMassBonus_RerunSkipsAlreadyCredited(t *testing.T) {
	l, _ := newTestLedger(t)
	a := newUser(t, l, "a")
	b := newUser(t, l, "b")
	ctx := context.Background()

	svc := rewards.NewMassBonusService(l, nil, nil)
	_, err := svc.Grant(ctx, "camp-1", []ledger.UserID{a, b}, decimal.New(100, 0), "promo", "admin-1")
	require.NoError(t, err)

	// The retry converges: nobody is credited twice.
	res, err := svc.Grant(ctx, "camp-1", []ledger.UserID{a, b}, decimal.New(100, 0), "promo", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 0, res.Failed)
	assert.True(t, res.TotalAmount.IsZero(), "nothing newly credited on the rerun")

	requireBalance(t, l, a, 100)
	requireBalance(t, l, b, 100)
}

func TestMassBonus_DistinctCampaignsStack(t *testing.T) {
	l, _ := newTestLedger(t)
	a := newUser(t, l, "a")
	ctx := context.Background()

	svc := rewards.NewMassBonusService(l, nil, nil)
	_, err := svc.Grant(ctx, "camp-1", []ledger.UserID{a}, decimal.New(100, 0), "promo", "admin-1")
	require.NoError(t, err)
	_, err = svc.Grant(ctx, "camp-2", []ledger.UserID{a}, decimal.New(50, 0), "promo", "admin-1")
	require.NoError(t, err)

	requireBalance(t, l, a, 150)
}

func TestMassBonus_RejectsInvalidInput(t *testing.T) {
	l, _ := newTestLedger(t)
	svc := rewards.NewMassBonusService(l, nil, nil)
	ctx := context.Background()

	_, err := svc.Grant(ctx, "camp-1", []ledger.UserID{"a"}, decimal.Zero, "promo", "admin-1")
	assert.Error(t, err)

	_, err = svc.Grant(ctx, "", []ledger.UserID{"a"}, decimal.New(100, 0), "promo", "admin-1")
	assert.Error(t, err)
}

func TestMassBonus_WritesAuditEntry(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	l := ledger.NewService(store)
	a := newUser(t, l, "a")
	ctx := context.Background()

	svc := rewards.NewMassBonusService(l, store, nil)
	_, err = svc.Grant(ctx, "camp-1", []ledger.UserID{a}, decimal.New(100, 0), "promo", "admin-1")
	require.NoError(t, err)

	actor := "admin-1"
	entries, err := store.Query(ctx, ledger.AuditFilter{ActorID: &actor})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.AuditMassBonusSent, entries[0].Action)
	assert.Equal(t, "camp-1", entries[0].Target)
}
