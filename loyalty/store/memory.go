// Package store provides an in-memory Store implementation for tests and
// local development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu            sync.RWMutex
	accounts      map[loyalty.AccountID]loyalty.Account
	grants        map[loyalty.AccountID][]loyalty.Grant
	entries       map[loyalty.AccountID][]loyalty.Entry
	redemptions   map[loyalty.AccountID][]loyalty.Redemption
	prizes        map[loyalty.PrizeID]loyalty.Prize
	memberCounter int64
}

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[loyalty.AccountID]loyalty.Account),
		grants:      make(map[loyalty.AccountID][]loyalty.Grant),
		entries:     make(map[loyalty.AccountID][]loyalty.Entry),
		redemptions: make(map[loyalty.AccountID][]loyalty.Redemption),
		prizes:      make(map[loyalty.PrizeID]loyalty.Prize),
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, account loyalty.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAccountLocked(account)
}

func (m *Memory) createAccountLocked(account loyalty.Account) error {
	if _, ok := m.accounts[account.ID]; ok {
		return loyalty.ErrAccountExists
	}
	if account.Awarded == nil {
		account.Awarded = make(map[loyalty.Reason]bool)
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	m.accounts[account.ID] = account
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id loyalty.AccountID) (loyalty.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountLocked(id)
}

func (m *Memory) getAccountLocked(id loyalty.AccountID) (loyalty.Account, error) {
	account, ok := m.accounts[id]
	if !ok {
		return loyalty.Account{}, loyalty.ErrAccountNotFound
	}
	// Copy the flag map so callers can't mutate stored state.
	awarded := make(map[loyalty.Reason]bool, len(account.Awarded))
	for k, v := range account.Awarded {
		awarded[k] = v
	}
	account.Awarded = awarded
	return account, nil
}

func (m *Memory) UpdateAccount(_ context.Context, id loyalty.AccountID, update loyalty.AccountUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateAccountLocked(id, update)
}

func (m *Memory) updateAccountLocked(id loyalty.AccountID, update loyalty.AccountUpdate) error {
	account, ok := m.accounts[id]
	if !ok {
		return loyalty.ErrAccountNotFound
	}
	if update.BalanceDelta != nil {
		account.Balance += *update.BalanceDelta
	}
	if update.SetAwarded != nil {
		awarded := make(map[loyalty.Reason]bool, len(account.Awarded)+1)
		for k, v := range account.Awarded {
			awarded[k] = v
		}
		awarded[*update.SetAwarded] = true
		account.Awarded = awarded
	}
	if update.SetMemberNumber != nil {
		account.MemberNumber = *update.SetMemberNumber
	}
	m.accounts[id] = account
	return nil
}

// =============================================================================
// GRANTS
// =============================================================================

func (m *Memory) AppendGrant(_ context.Context, grant loyalty.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendGrantLocked(grant)
}

func (m *Memory) appendGrantLocked(grant loyalty.Grant) error {
	if _, ok := m.accounts[grant.AccountID]; !ok {
		return loyalty.ErrAccountNotFound
	}
	grants := m.grants[grant.AccountID]

	// Insert sorted by acquisition time so reads stay oldest-first.
	i := sort.Search(len(grants), func(i int) bool {
		return grants[i].AcquiredAt.After(grant.AcquiredAt)
	})
	grants = append(grants, loyalty.Grant{})
	copy(grants[i+1:], grants[i:])
	grants[i] = grant
	m.grants[grant.AccountID] = grants
	return nil
}

func (m *Memory) Grants(_ context.Context, accountID loyalty.AccountID) ([]loyalty.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grantsLocked(accountID, false), nil
}

func (m *Memory) ActiveGrants(_ context.Context, accountID loyalty.AccountID) ([]loyalty.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grantsLocked(accountID, true), nil
}

func (m *Memory) grantsLocked(accountID loyalty.AccountID, activeOnly bool) []loyalty.Grant {
	var result []loyalty.Grant
	for _, g := range m.grants[accountID] {
		if activeOnly && (g.Status != loyalty.GrantActive || g.Remaining == 0) {
			continue
		}
		result = append(result, g)
	}
	return result
}

func (m *Memory) ApplyConsumption(_ context.Context, accountID loyalty.AccountID, plan loyalty.ConsumptionPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyConsumptionLocked(accountID, plan)
}

func (m *Memory) applyConsumptionLocked(accountID loyalty.AccountID, plan loyalty.ConsumptionPlan) error {
	grants := m.grants[accountID]
	for _, c := range plan {
		i := indexOfGrant(grants, c.GrantID)
		if i < 0 {
			return loyalty.ErrConcurrentModification
		}
		g := grants[i]
		if g.Version != c.Version || g.Remaining < c.Spend {
			return loyalty.ErrConcurrentModification
		}
		g.Remaining -= c.Spend
		g.Version++
		grants[i] = g
	}
	return nil
}

func (m *Memory) MarkExpired(_ context.Context, accountID loyalty.AccountID, expiries []loyalty.GrantExpiry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markExpiredLocked(accountID, expiries)
}

func (m *Memory) markExpiredLocked(accountID loyalty.AccountID, expiries []loyalty.GrantExpiry) error {
	grants := m.grants[accountID]
	for _, ex := range expiries {
		i := indexOfGrant(grants, ex.GrantID)
		if i < 0 {
			return loyalty.ErrConcurrentModification
		}
		g := grants[i]
		if g.Version != ex.Version || g.Status != loyalty.GrantActive {
			return loyalty.ErrConcurrentModification
		}
		g.Remaining = 0
		g.Status = loyalty.GrantExpired
		g.ExpiredAmount = ex.Lost
		g.Version++
		grants[i] = g
	}
	return nil
}

func indexOfGrant(grants []loyalty.Grant, id loyalty.GrantID) int {
	for i, g := range grants {
		if g.ID == id {
			return i
		}
	}
	return -1
}

// =============================================================================
// HISTORY
// =============================================================================

func (m *Memory) AppendEntry(_ context.Context, entry loyalty.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEntryLocked(entry)
}

func (m *Memory) appendEntryLocked(entry loyalty.Entry) error {
	m.entries[entry.AccountID] = append(m.entries[entry.AccountID], entry)
	return nil
}

func (m *Memory) History(_ context.Context, accountID loyalty.AccountID) ([]loyalty.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return historyNewestFirst(m.entries[accountID]), nil
}

// historyNewestFirst reverses insertion order before the timestamp sort so
// that entries written in the same clock instant still come back newest
// first. Appends happen in event order, which is finer than the clock.
func historyNewestFirst(entries []loyalty.Entry) []loyalty.Entry {
	result := make([]loyalty.Entry, len(entries))
	for i, e := range entries {
		result[len(entries)-1-i] = e
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// =============================================================================
// PRIZES
// =============================================================================

func (m *Memory) GetPrize(_ context.Context, id loyalty.PrizeID) (loyalty.Prize, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPrizeLocked(id)
}

func (m *Memory) getPrizeLocked(id loyalty.PrizeID) (loyalty.Prize, error) {
	prize, ok := m.prizes[id]
	if !ok {
		return loyalty.Prize{}, loyalty.ErrPrizeNotFound
	}
	return prize, nil
}

func (m *Memory) ListPrizes(_ context.Context) ([]loyalty.Prize, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]loyalty.Prize, 0, len(m.prizes))
	for _, p := range m.prizes {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *Memory) SavePrize(_ context.Context, prize loyalty.Prize) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savePrizeLocked(prize)
}

func (m *Memory) savePrizeLocked(prize loyalty.Prize) error {
	m.prizes[prize.ID] = prize
	return nil
}

func (m *Memory) UpdatePrize(_ context.Context, id loyalty.PrizeID, update loyalty.PrizeUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatePrizeLocked(id, update)
}

func (m *Memory) updatePrizeLocked(id loyalty.PrizeID, update loyalty.PrizeUpdate) error {
	prize, ok := m.prizes[id]
	if !ok {
		return loyalty.ErrPrizeNotFound
	}
	if update.Name != nil {
		prize.Name = *update.Name
	}
	if update.Cost != nil {
		prize.Cost = *update.Cost
	}
	if update.Stock != nil {
		prize.Stock = *update.Stock
	}
	if update.Active != nil {
		prize.Active = *update.Active
	}
	prize.UpdatedAt = time.Now().UTC()
	m.prizes[id] = prize
	return nil
}

func (m *Memory) DecrementStock(_ context.Context, id loyalty.PrizeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decrementStockLocked(id)
}

func (m *Memory) decrementStockLocked(id loyalty.PrizeID) error {
	prize, ok := m.prizes[id]
	if !ok {
		return loyalty.ErrPrizeNotFound
	}
	if prize.Stock <= 0 {
		return loyalty.ErrOutOfStock
	}
	prize.Stock--
	m.prizes[id] = prize
	return nil
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

func (m *Memory) AppendRedemption(_ context.Context, redemption loyalty.Redemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendRedemptionLocked(redemption)
}

func (m *Memory) appendRedemptionLocked(redemption loyalty.Redemption) error {
	m.redemptions[redemption.AccountID] = append(m.redemptions[redemption.AccountID], redemption)
	return nil
}

func (m *Memory) Redemptions(_ context.Context, accountID loyalty.AccountID) ([]loyalty.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return redemptionsNewestFirst(m.redemptions[accountID]), nil
}

// redemptionsNewestFirst mirrors historyNewestFirst for redemption records.
func redemptionsNewestFirst(redemptions []loyalty.Redemption) []loyalty.Redemption {
	result := make([]loyalty.Redemption, len(redemptions))
	for i, r := range redemptions {
		result[len(redemptions)-1-i] = r
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// =============================================================================
// COUNTERS
// =============================================================================

func (m *Memory) NextMemberNumber(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberCounter++
	return m.memberCounter, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support, simulated with a full
// snapshot restored on error.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

func (tm *TxMemory) WithTx(_ context.Context, fn func(loyalty.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts      map[loyalty.AccountID]loyalty.Account
	grants        map[loyalty.AccountID][]loyalty.Grant
	entries       map[loyalty.AccountID][]loyalty.Entry
	redemptions   map[loyalty.AccountID][]loyalty.Redemption
	prizes        map[loyalty.PrizeID]loyalty.Prize
	memberCounter int64
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		accounts:      make(map[loyalty.AccountID]loyalty.Account, len(tm.accounts)),
		grants:        make(map[loyalty.AccountID][]loyalty.Grant, len(tm.grants)),
		entries:       make(map[loyalty.AccountID][]loyalty.Entry, len(tm.entries)),
		redemptions:   make(map[loyalty.AccountID][]loyalty.Redemption, len(tm.redemptions)),
		prizes:        make(map[loyalty.PrizeID]loyalty.Prize, len(tm.prizes)),
		memberCounter: tm.memberCounter,
	}
	for k, v := range tm.accounts {
		s.accounts[k] = v
	}
	for k, v := range tm.grants {
		s.grants[k] = append([]loyalty.Grant{}, v...)
	}
	for k, v := range tm.entries {
		s.entries[k] = append([]loyalty.Entry{}, v...)
	}
	for k, v := range tm.redemptions {
		s.redemptions[k] = append([]loyalty.Redemption{}, v...)
	}
	for k, v := range tm.prizes {
		s.prizes[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.accounts = s.accounts
	tm.grants = s.grants
	tm.entries = s.entries
	tm.redemptions = s.redemptions
	tm.prizes = s.prizes
	tm.memberCounter = s.memberCounter
}

// txMemoryView runs against the parent while the parent's lock is held by
// WithTx, so it calls the *Locked methods directly.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) CreateAccount(_ context.Context, account loyalty.Account) error {
	return tv.parent.createAccountLocked(account)
}

func (tv *txMemoryView) GetAccount(_ context.Context, id loyalty.AccountID) (loyalty.Account, error) {
	return tv.parent.getAccountLocked(id)
}

func (tv *txMemoryView) UpdateAccount(_ context.Context, id loyalty.AccountID, update loyalty.AccountUpdate) error {
	return tv.parent.updateAccountLocked(id, update)
}

func (tv *txMemoryView) AppendGrant(_ context.Context, grant loyalty.Grant) error {
	return tv.parent.appendGrantLocked(grant)
}

func (tv *txMemoryView) Grants(_ context.Context, accountID loyalty.AccountID) ([]loyalty.Grant, error) {
	return tv.parent.grantsLocked(accountID, false), nil
}

func (tv *txMemoryView) ActiveGrants(_ context.Context, accountID loyalty.AccountID) ([]loyalty.Grant, error) {
	return tv.parent.grantsLocked(accountID, true), nil
}

func (tv *txMemoryView) ApplyConsumption(_ context.Context, accountID loyalty.AccountID, plan loyalty.ConsumptionPlan) error {
	return tv.parent.applyConsumptionLocked(accountID, plan)
}

func (tv *txMemoryView) MarkExpired(_ context.Context, accountID loyalty.AccountID, expiries []loyalty.GrantExpiry) error {
	return tv.parent.markExpiredLocked(accountID, expiries)
}

func (tv *txMemoryView) AppendEntry(_ context.Context, entry loyalty.Entry) error {
	return tv.parent.appendEntryLocked(entry)
}

func (tv *txMemoryView) History(_ context.Context, accountID loyalty.AccountID) ([]loyalty.Entry, error) {
	return historyNewestFirst(tv.parent.entries[accountID]), nil
}

func (tv *txMemoryView) GetPrize(_ context.Context, id loyalty.PrizeID) (loyalty.Prize, error) {
	return tv.parent.getPrizeLocked(id)
}

func (tv *txMemoryView) ListPrizes(_ context.Context) ([]loyalty.Prize, error) {
	result := make([]loyalty.Prize, 0, len(tv.parent.prizes))
	for _, p := range tv.parent.prizes {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (tv *txMemoryView) SavePrize(_ context.Context, prize loyalty.Prize) error {
	return tv.parent.savePrizeLocked(prize)
}

func (tv *txMemoryView) UpdatePrize(_ context.Context, id loyalty.PrizeID, update loyalty.PrizeUpdate) error {
	return tv.parent.updatePrizeLocked(id, update)
}

func (tv *txMemoryView) DecrementStock(_ context.Context, id loyalty.PrizeID) error {
	return tv.parent.decrementStockLocked(id)
}

func (tv *txMemoryView) AppendRedemption(_ context.Context, redemption loyalty.Redemption) error {
	return tv.parent.appendRedemptionLocked(redemption)
}

func (tv *txMemoryView) Redemptions(_ context.Context, accountID loyalty.AccountID) ([]loyalty.Redemption, error) {
	return redemptionsNewestFirst(tv.parent.redemptions[accountID]), nil
}

func (tv *txMemoryView) NextMemberNumber(_ context.Context) (int64, error) {
	tv.parent.memberCounter++
	return tv.parent.memberCounter, nil
}

// Compile-time interface checks.
var (
	_ loyalty.Store   = (*Memory)(nil)
	_ loyalty.TxStore = (*TxMemory)(nil)
	_ loyalty.Store   = (*txMemoryView)(nil)
)
