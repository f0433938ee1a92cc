// Package store provides ledger.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hostbill/ledger-core/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	users        map[ledger.UserID]ledger.User
	transactions map[ledger.UserID][]ledger.Transaction
	byID         map[ledger.TransactionID]ledger.Transaction
	byPayment    map[string]ledger.TransactionID
	limits       map[ledger.UserID]ledger.SpendingLimit
	audit        []ledger.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		users:        make(map[ledger.UserID]ledger.User),
		transactions: make(map[ledger.UserID][]ledger.Transaction),
		byID:         make(map[ledger.TransactionID]ledger.Transaction),
		byPayment:    make(map[string]ledger.TransactionID),
		limits:       make(map[ledger.UserID]ledger.SpendingLimit),
	}
}

// =============================================================================
// USERS
// =============================================================================

func (m *Memory) GetUser(_ context.Context, id ledger.UserID) (*ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getUserLocked(id)
}

func (m *Memory) getUserLocked(id ledger.UserID) (*ledger.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ledger.ErrUserNotFound
	}
	cp := u
	return &cp, nil
}

func (m *Memory) CreateUser(_ context.Context, u ledger.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *Memory) SetBalance(_ context.Context, id ledger.UserID, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setBalanceLocked(id, balance)
}

func (m *Memory) setBalanceLocked(id ledger.UserID, balance decimal.Decimal) error {
	u, ok := m.users[id]
	if !ok {
		return ledger.ErrUserNotFound
	}
	u.Balance = balance
	m.users[id] = u
	return nil
}

func (m *Memory) SetReferralBalance(_ context.Context, id ledger.UserID, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ledger.ErrUserNotFound
	}
	u.ReferralBalance = balance
	m.users[id] = u
	return nil
}

func (m *Memory) ListUserIDs(_ context.Context) ([]ledger.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]ledger.UserID, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// =============================================================================
// TRANSACTIONS - Append-only
// =============================================================================

func (m *Memory) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) appendLocked(tx ledger.Transaction) error {
	if tx.PaymentID != "" {
		if existingID, ok := m.byPayment[tx.PaymentID]; ok {
			existing := m.byID[existingID]
			return &ledger.DuplicateOperationError{PaymentID: tx.PaymentID, Existing: &existing}
		}
	}
	m.transactions[tx.UserID] = append(m.transactions[tx.UserID], tx)
	m.byID[tx.ID] = tx
	if tx.PaymentID != "" {
		m.byPayment[tx.PaymentID] = tx.ID
	}
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.byID[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := tx
	return &cp, nil
}

func (m *Memory) GetTransactionByPaymentID(_ context.Context, paymentID string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getByPaymentLocked(paymentID)
}

func (m *Memory) getByPaymentLocked(paymentID string) (*ledger.Transaction, error) {
	id, ok := m.byPayment[paymentID]
	if !ok {
		return nil, nil
	}
	tx := m.byID[id]
	return &tx, nil
}

func (m *Memory) Transactions(_ context.Context, userID ledger.UserID, f ledger.HistoryFilter) (*ledger.HistoryPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []ledger.Transaction
	for _, tx := range m.transactions[userID] {
		if matchesFilter(tx, f) {
			matched = append(matched, tx)
		}
	}
	// Newest first
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := &ledger.HistoryPage{Total: len(matched)}
	start := f.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	page.Transactions = append(page.Transactions, matched[start:end]...)
	return page, nil
}

func matchesFilter(tx ledger.Transaction, f ledger.HistoryFilter) bool {
	if len(f.Types) > 0 && !containsType(f.Types, tx.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, tx.Status) {
		return false
	}
	if f.From != nil && tx.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

func containsType(ts []ledger.TransactionType, t ledger.TransactionType) bool {
	for _, v := range ts {
		if v == t {
			return true
		}
	}
	return false
}

func containsStatus(ss []ledger.TransactionStatus, s ledger.TransactionStatus) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// AGGREGATES
// =============================================================================

func (m *Memory) SumCompleted(_ context.Context, userID ledger.UserID) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := decimal.Zero
	for _, tx := range m.transactions[userID] {
		if tx.Status == ledger.StatusCompleted {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum, nil
}

func (m *Memory) SumSpentSince(_ context.Context, userID ledger.UserID, since time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumSpentLocked(userID, since), nil
}

func (m *Memory) sumSpentLocked(userID ledger.UserID, since time.Time) decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range m.transactions[userID] {
		if tx.Status != ledger.StatusCompleted || !tx.Amount.IsNegative() {
			continue
		}
		if tx.Type != ledger.TxPurchase && tx.Type != ledger.TxRenewal {
			continue
		}
		if tx.CreatedAt.Before(since) {
			continue
		}
		sum = sum.Add(tx.Amount.Neg())
	}
	return sum
}

// =============================================================================
// SPENDING LIMITS
// =============================================================================

func (m *Memory) GetSpendingLimit(_ context.Context, userID ledger.UserID) (*ledger.SpendingLimit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.limits[userID]
	if !ok {
		return nil, nil
	}
	cp := l
	return &cp, nil
}

func (m *Memory) SaveSpendingLimit(_ context.Context, l ledger.SpendingLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[l.UserID] = l
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) Append(_ context.Context, entry ledger.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) Query(_ context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.AuditEntry
	for _, e := range m.audit {
		if f.ActorID != nil && e.ActorID != *f.ActorID {
			continue
		}
		if f.Target != nil && e.Target != *f.Target {
			continue
		}
		if len(f.Actions) > 0 {
			found := false
			for _, a := range f.Actions {
				if e.Action == a {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction, simulated with a snapshot and
// rollback on error.
func (tm *TxMemory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	users        map[ledger.UserID]ledger.User
	transactions map[ledger.UserID][]ledger.Transaction
	byID         map[ledger.TransactionID]ledger.Transaction
	byPayment    map[string]ledger.TransactionID
	limits       map[ledger.UserID]ledger.SpendingLimit
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		users:        make(map[ledger.UserID]ledger.User, len(tm.users)),
		transactions: make(map[ledger.UserID][]ledger.Transaction, len(tm.transactions)),
		byID:         make(map[ledger.TransactionID]ledger.Transaction, len(tm.byID)),
		byPayment:    make(map[string]ledger.TransactionID, len(tm.byPayment)),
		limits:       make(map[ledger.UserID]ledger.SpendingLimit, len(tm.limits)),
	}
	for k, v := range tm.users {
		s.users[k] = v
	}
	for k, v := range tm.transactions {
		s.transactions[k] = append([]ledger.Transaction{}, v...)
	}
	for k, v := range tm.byID {
		s.byID[k] = v
	}
	for k, v := range tm.byPayment {
		s.byPayment[k] = v
	}
	for k, v := range tm.limits {
		s.limits[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.users = s.users
	tm.transactions = s.transactions
	tm.byID = s.byID
	tm.byPayment = s.byPayment
	tm.limits = s.limits
}

// txMemoryView operates on the parent's state while the parent lock is held.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) GetUser(_ context.Context, id ledger.UserID) (*ledger.User, error) {
	return tv.parent.getUserLocked(id)
}

func (tv *txMemoryView) CreateUser(_ context.Context, u ledger.User) error {
	tv.parent.users[u.ID] = u
	return nil
}

func (tv *txMemoryView) SetBalance(_ context.Context, id ledger.UserID, balance decimal.Decimal) error {
	return tv.parent.setBalanceLocked(id, balance)
}

func (tv *txMemoryView) SetReferralBalance(_ context.Context, id ledger.UserID, balance decimal.Decimal) error {
	u, ok := tv.parent.users[id]
	if !ok {
		return ledger.ErrUserNotFound
	}
	u.ReferralBalance = balance
	tv.parent.users[id] = u
	return nil
}

func (tv *txMemoryView) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	return tv.parent.appendLocked(tx)
}

func (tv *txMemoryView) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	tx, ok := tv.parent.byID[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := tx
	return &cp, nil
}

func (tv *txMemoryView) GetTransactionByPaymentID(_ context.Context, paymentID string) (*ledger.Transaction, error) {
	return tv.parent.getByPaymentLocked(paymentID)
}

func (tv *txMemoryView) Transactions(_ context.Context, userID ledger.UserID, f ledger.HistoryFilter) (*ledger.HistoryPage, error) {
	var matched []ledger.Transaction
	for _, tx := range tv.parent.transactions[userID] {
		if matchesFilter(tx, f) {
			matched = append(matched, tx)
		}
	}
	return &ledger.HistoryPage{Transactions: matched, Total: len(matched)}, nil
}

func (tv *txMemoryView) SumCompleted(_ context.Context, userID ledger.UserID) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, tx := range tv.parent.transactions[userID] {
		if tx.Status == ledger.StatusCompleted {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum, nil
}

func (tv *txMemoryView) SumSpentSince(_ context.Context, userID ledger.UserID, since time.Time) (decimal.Decimal, error) {
	return tv.parent.sumSpentLocked(userID, since), nil
}

func (tv *txMemoryView) GetSpendingLimit(_ context.Context, userID ledger.UserID) (*ledger.SpendingLimit, error) {
	l, ok := tv.parent.limits[userID]
	if !ok {
		return nil, nil
	}
	cp := l
	return &cp, nil
}

func (tv *txMemoryView) SaveSpendingLimit(_ context.Context, l ledger.SpendingLimit) error {
	tv.parent.limits[l.UserID] = l
	return nil
}

func (tv *txMemoryView) ListUserIDs(_ context.Context) ([]ledger.UserID, error) {
	ids := make([]ledger.UserID, 0, len(tv.parent.users))
	for id := range tv.parent.users {
		ids = append(ids, id)
	}
	return ids, nil
}

// Compile-time interface checks.
var (
	_ ledger.TxStore  = (*TxMemory)(nil)
	_ ledger.Store    = (*txMemoryView)(nil)
	_ ledger.AuditLog = (*Memory)(nil)
)
