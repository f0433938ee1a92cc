package ledger_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbill/ledger-core/ledger"
	"github.com/hostbill/ledger-core/ledger/store"
)

func newTestReconciler(t *testing.T) (*ledger.Service, *store.TxMemory, *ledger.Reconciler) {
	t.Helper()
	st := store.NewTxMemory()
	svc := ledger.NewService(st)
	return svc, st, &ledger.Reconciler{Store: st, Log: slog.Default()}
}

func TestReconciler_CleanAccount(t *testing.T) {
	svc, _, rec := newTestReconciler(t)
	userID := createUser(t, svc, "user-1")
	ctx := context.Background()

	deposit(t, svc, userID, 500, "pay_1")
	_, err := svc.Apply(ctx, userID, ledger.TxPurchase, decimal.New(-200, 0), ledger.ApplyOptions{})
	require.NoError(t, err)

	violation, err := rec.Check(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, violation)
}

func TestReconciler_DetectsDrift(t *testing.T) {
	// GIVEN: A balance tampered with outside the apply pipeline
	// WHEN: Reconciliation runs
	// THEN: The drift is reported with stored and computed values

	svc, st, rec := newTestReconciler(t)
	userID := createUser(t, svc, "user-1")
	ctx := context.Background()

	deposit(t, svc, userID, 500, "pay_1")

	// Simulate corruption: a direct balance write with no ledger entry.
	require.NoError(t, st.SetBalance(ctx, userID, decimal.New(9999, 0)))

	violation, err := rec.Check(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, violation)
	assert.True(t, violation.Stored.Equal(decimal.New(9999, 0)))
	assert.True(t, violation.Computed.Equal(decimal.New(500, 0)))
	assert.ErrorIs(t, violation, ledger.ErrIntegrityViolation)
}

func TestReconciler_RunCoversAllUsersAndNeverRepairs(t *testing.T) {
	svc, st, rec := newTestReconciler(t)
	ctx := context.Background()

	clean := createUser(t, svc, "clean")
	drifted := createUser(t, svc, "drifted")
	deposit(t, svc, clean, 100, "pay_1")
	deposit(t, svc, drifted, 100, "pay_2")
	require.NoError(t, st.SetBalance(ctx, drifted, decimal.New(1, 0)))

	report, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.CheckedUsers)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, drifted, report.Violations[0].UserID)

	// The drifted balance must be left exactly as found.
	u, err := st.GetUser(ctx, drifted)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(decimal.New(1, 0)))
}
