package lock

import (
	"fmt"
	"sync"
	"time"

	"coredb/pkg/concurrency/transaction"
	"coredb/pkg/primitives"
)

// DefaultDetectionInterval is how often the deadlock detector runs unless
// configured otherwise.
const DefaultDetectionInterval = 50 * time.Millisecond

// Manager grants hierarchical locks to transactions. Tables take any of
// the five modes; rows take only S and X and require a covering table
// lock. Each resource has a FIFO request queue; waiters park on the
// queue's condition variable and are woken by releases, grants, and the
// deadlock detector.
type Manager struct {
	tableMapMu  sync.Mutex
	tableQueues map[primitives.TableID]*requestQueue

	rowMapMu  sync.Mutex
	rowQueues map[primitives.RID]*requestQueue

	graph    *waitsForGraph
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a lock manager whose deadlock detector, once
// started, runs every interval.
func NewManager(interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultDetectionInterval
	}
	return &Manager{
		tableQueues: make(map[primitives.TableID]*requestQueue),
		rowQueues:   make(map[primitives.RID]*requestQueue),
		graph:       newWaitsForGraph(),
		interval:    interval,
		stopCh:      make(chan struct{}),
	}
}

// LockTable acquires (or upgrades to) the given mode on a table. The call
// blocks until the lock is granted or the transaction is aborted; every
// failure path returns a *transaction.AbortError after marking the
// transaction ABORTED.
func (m *Manager) LockTable(t *transaction.Transaction, mode Mode, oid primitives.TableID) error {
	if err := m.checkIsolation(t, mode); err != nil {
		return err
	}

	q := m.tableQueue(oid)
	q.mu.Lock()

	if existing := q.findByTxn(t.ID()); existing != nil {
		if existing.mode == mode {
			q.mu.Unlock()
			return nil
		}
		req, err := m.beginUpgrade(q, t, existing, mode)
		if err != nil {
			q.mu.Unlock()
			return err
		}
		return m.wait(q, req)
	}

	req := &request{txn: t, mode: mode, oid: oid, onTable: true}
	q.insertWaiter(req)
	return m.wait(q, req)
}

// UnlockTable releases the table lock held by the transaction, applying
// the isolation level's state transition. All row locks on the table
// must have been released first.
func (m *Manager) UnlockTable(t *transaction.Transaction, oid primitives.TableID) error {
	q := m.lookupTableQueue(oid)
	if q == nil {
		return transaction.NewAbortError(t, transaction.AttemptedUnlockButNoLockHeld)
	}

	q.mu.Lock()
	req := q.findByTxn(t.ID())
	if req == nil || !req.granted {
		q.mu.Unlock()
		return transaction.NewAbortError(t, transaction.AttemptedUnlockButNoLockHeld)
	}

	t.Latch()
	holdsRows := t.HoldsRowLocksOn(oid)
	t.Unlatch()
	if holdsRows {
		q.mu.Unlock()
		return transaction.NewAbortError(t, transaction.TableUnlockedBeforeUnlockingRows)
	}

	m.transitionOnUnlock(t, req.mode)
	q.remove(req)
	m.dropTableLock(t, req.mode, oid)
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

// LockRow acquires (or upgrades to) S or X on a row. The transaction
// must already hold a covering lock on the row's table.
func (m *Manager) LockRow(t *transaction.Transaction, mode Mode, oid primitives.TableID, rid primitives.RID) error {
	if mode != Shared && mode != Exclusive {
		return transaction.NewAbortError(t, transaction.AttemptedIntentionLockOnRow)
	}
	if err := m.checkIsolation(t, mode); err != nil {
		return err
	}
	if !m.holdsCoveringTableLock(t, mode, oid) {
		return transaction.NewAbortError(t, transaction.TableLockNotPresent)
	}

	q := m.rowQueue(rid)
	q.mu.Lock()

	if existing := q.findByTxn(t.ID()); existing != nil {
		if existing.mode == mode {
			q.mu.Unlock()
			return nil
		}
		req, err := m.beginUpgrade(q, t, existing, mode)
		if err != nil {
			q.mu.Unlock()
			return err
		}
		return m.wait(q, req)
	}

	req := &request{txn: t, mode: mode, oid: oid, rid: rid}
	q.insertWaiter(req)
	return m.wait(q, req)
}

// UnlockRow releases a row lock, applying the isolation level's state
// transition.
func (m *Manager) UnlockRow(t *transaction.Transaction, oid primitives.TableID, rid primitives.RID) error {
	q := m.lookupRowQueue(rid)
	if q == nil {
		return transaction.NewAbortError(t, transaction.AttemptedUnlockButNoLockHeld)
	}

	q.mu.Lock()
	req := q.findByTxn(t.ID())
	if req == nil || !req.granted {
		q.mu.Unlock()
		return transaction.NewAbortError(t, transaction.AttemptedUnlockButNoLockHeld)
	}

	m.transitionOnUnlock(t, req.mode)
	q.remove(req)
	m.dropRowLock(t, req.mode, oid, rid)
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

// ReleaseAll removes every request — granted or waiting — the
// transaction has in any queue and clears its lock sets. Called by the
// transaction manager on commit and abort; no state transition applies.
func (m *Manager) ReleaseAll(t *transaction.Transaction) {
	id := t.ID()

	for _, q := range m.allQueues() {
		q.mu.Lock()
		if q.removeTxn(id) {
			q.cond.Broadcast()
		}
		q.mu.Unlock()
	}

	t.Latch()
	clear(t.SharedTableLocks())
	clear(t.ExclusiveTableLocks())
	clear(t.IntentionSharedTableLocks())
	clear(t.IntentionExclusiveTableLocks())
	clear(t.SharedIntentionExclusiveTableLocks())
	clear(t.SharedRowLocks())
	clear(t.ExclusiveRowLocks())
	t.Unlatch()
}

// beginUpgrade validates and stages a lock upgrade: the old granted
// request is removed and a new waiting request is positioned ahead of
// every non-upgrading waiter. Caller holds q.mu; on error the caller
// unlocks.
func (m *Manager) beginUpgrade(q *requestQueue, t *transaction.Transaction, existing *request, mode Mode) (*request, error) {
	if q.upgrading != primitives.InvalidTxnID {
		return nil, transaction.NewAbortError(t, transaction.UpgradeConflict)
	}
	if !CanUpgrade(existing.mode, mode) {
		return nil, transaction.NewAbortError(t, transaction.IncompatibleUpgrade)
	}

	q.remove(existing)
	if existing.onTable {
		m.dropTableLock(t, existing.mode, existing.oid)
	} else {
		m.dropRowLock(t, existing.mode, existing.oid, existing.rid)
	}

	req := &request{txn: t, mode: mode, oid: existing.oid, rid: existing.rid, onTable: existing.onTable}
	q.insertUpgrader(req)
	q.upgrading = t.ID()
	return req, nil
}

// wait blocks until req is grantable or its transaction is aborted.
// Entered with q.mu held; returns with it released.
func (m *Manager) wait(q *requestQueue, req *request) error {
	for !q.grantable(req) {
		if req.txn.State() == transaction.Aborted {
			return m.abandonWait(q, req)
		}
		q.cond.Wait()
	}
	if req.txn.State() == transaction.Aborted {
		return m.abandonWait(q, req)
	}

	req.granted = true
	if q.upgrading == req.txn.ID() {
		q.upgrading = primitives.InvalidTxnID
	}
	if req.onTable {
		m.addTableLock(req.txn, req.mode, req.oid)
	} else {
		m.addRowLock(req.txn, req.mode, req.oid, req.rid)
	}
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

// abandonWait unwinds an aborted waiter: its request leaves the queue,
// the upgrade marker is cleared if it was theirs, and the next eligible
// waiter is signaled. Caller holds q.mu; released on return.
func (m *Manager) abandonWait(q *requestQueue, req *request) error {
	q.remove(req)
	if q.upgrading == req.txn.ID() {
		q.upgrading = primitives.InvalidTxnID
	}
	q.cond.Broadcast()
	q.mu.Unlock()
	return &transaction.AbortError{TxnID: req.txn.ID(), Reason: transaction.Deadlock}
}

// checkIsolation enforces the per-isolation-level locking rules at every
// lock call.
func (m *Manager) checkIsolation(t *transaction.Transaction, mode Mode) error {
	state := t.State()

	switch t.Isolation() {
	case transaction.RepeatableRead:
		if state == transaction.Shrinking {
			return transaction.NewAbortError(t, transaction.LockOnShrinking)
		}
	case transaction.ReadCommitted:
		if state == transaction.Shrinking && mode != IntentionShared && mode != Shared {
			return transaction.NewAbortError(t, transaction.LockOnShrinking)
		}
	case transaction.ReadUncommitted:
		if mode == Shared || mode == IntentionShared || mode == SharedIntentionExclusive {
			return transaction.NewAbortError(t, transaction.LockSharedOnReadUncommitted)
		}
		if state == transaction.Shrinking {
			return transaction.NewAbortError(t, transaction.LockOnShrinking)
		}
	}
	return nil
}

// transitionOnUnlock applies the two-phase-locking state change for
// releasing a lock of the given mode.
func (m *Manager) transitionOnUnlock(t *transaction.Transaction, mode Mode) {
	if t.State() != transaction.Growing {
		return
	}

	switch t.Isolation() {
	case transaction.RepeatableRead:
		if mode == Shared || mode == Exclusive {
			t.SetState(transaction.Shrinking)
		}
	case transaction.ReadCommitted, transaction.ReadUncommitted:
		if mode == Exclusive {
			t.SetState(transaction.Shrinking)
		}
	}
}

// holdsCoveringTableLock checks the multilevel requirement: row X needs
// IX, SIX or X on the table; row S accepts any table lock.
func (m *Manager) holdsCoveringTableLock(t *transaction.Transaction, mode Mode, oid primitives.TableID) bool {
	t.Latch()
	defer t.Unlatch()

	contains := func(set map[primitives.TableID]struct{}) bool {
		_, ok := set[oid]
		return ok
	}

	if mode == Exclusive {
		return contains(t.IntentionExclusiveTableLocks()) ||
			contains(t.SharedIntentionExclusiveTableLocks()) ||
			contains(t.ExclusiveTableLocks())
	}
	return contains(t.IntentionSharedTableLocks()) ||
		contains(t.IntentionExclusiveTableLocks()) ||
		contains(t.SharedTableLocks()) ||
		contains(t.SharedIntentionExclusiveTableLocks()) ||
		contains(t.ExclusiveTableLocks())
}

func (m *Manager) addTableLock(t *transaction.Transaction, mode Mode, oid primitives.TableID) {
	t.Latch()
	defer t.Unlatch()
	m.tableLockSet(t, mode)[oid] = struct{}{}
}

func (m *Manager) dropTableLock(t *transaction.Transaction, mode Mode, oid primitives.TableID) {
	t.Latch()
	defer t.Unlatch()
	delete(m.tableLockSet(t, mode), oid)
}

func (m *Manager) addRowLock(t *transaction.Transaction, mode Mode, oid primitives.TableID, rid primitives.RID) {
	t.Latch()
	defer t.Unlatch()

	sets := m.rowLockSets(t, mode)
	if sets[oid] == nil {
		sets[oid] = make(transaction.RIDSet)
	}
	sets[oid][rid] = struct{}{}
}

func (m *Manager) dropRowLock(t *transaction.Transaction, mode Mode, oid primitives.TableID, rid primitives.RID) {
	t.Latch()
	defer t.Unlatch()

	if rids, ok := m.rowLockSets(t, mode)[oid]; ok {
		delete(rids, rid)
	}
}

func (m *Manager) tableLockSet(t *transaction.Transaction, mode Mode) map[primitives.TableID]struct{} {
	switch mode {
	case IntentionShared:
		return t.IntentionSharedTableLocks()
	case IntentionExclusive:
		return t.IntentionExclusiveTableLocks()
	case Shared:
		return t.SharedTableLocks()
	case SharedIntentionExclusive:
		return t.SharedIntentionExclusiveTableLocks()
	case Exclusive:
		return t.ExclusiveTableLocks()
	default:
		panic(fmt.Sprintf("no table lock set for mode %v", mode))
	}
}

func (m *Manager) rowLockSets(t *transaction.Transaction, mode Mode) map[primitives.TableID]transaction.RIDSet {
	if mode == Exclusive {
		return t.ExclusiveRowLocks()
	}
	return t.SharedRowLocks()
}

func (m *Manager) tableQueue(oid primitives.TableID) *requestQueue {
	m.tableMapMu.Lock()
	defer m.tableMapMu.Unlock()

	q, ok := m.tableQueues[oid]
	if !ok {
		q = newRequestQueue()
		m.tableQueues[oid] = q
	}
	return q
}

func (m *Manager) lookupTableQueue(oid primitives.TableID) *requestQueue {
	m.tableMapMu.Lock()
	defer m.tableMapMu.Unlock()
	return m.tableQueues[oid]
}

func (m *Manager) rowQueue(rid primitives.RID) *requestQueue {
	m.rowMapMu.Lock()
	defer m.rowMapMu.Unlock()

	q, ok := m.rowQueues[rid]
	if !ok {
		q = newRequestQueue()
		m.rowQueues[rid] = q
	}
	return q
}

func (m *Manager) lookupRowQueue(rid primitives.RID) *requestQueue {
	m.rowMapMu.Lock()
	defer m.rowMapMu.Unlock()
	return m.rowQueues[rid]
}

func (m *Manager) allQueues() []*requestQueue {
	m.tableMapMu.Lock()
	queues := make([]*requestQueue, 0, len(m.tableQueues))
	for _, q := range m.tableQueues {
		queues = append(queues, q)
	}
	m.tableMapMu.Unlock()

	m.rowMapMu.Lock()
	for _, q := range m.rowQueues {
		queues = append(queues, q)
	}
	m.rowMapMu.Unlock()
	return queues
}

// QueueInfo is one resource's lock state, for inspection tooling.
type QueueInfo struct {
	Resource string
	Granted  []string
	Waiting  []string
}

// Snapshot reports every queue's holders and waiters.
func (m *Manager) Snapshot() []QueueInfo {
	var infos []QueueInfo

	m.tableMapMu.Lock()
	tables := make(map[primitives.TableID]*requestQueue, len(m.tableQueues))
	for oid, q := range m.tableQueues {
		tables[oid] = q
	}
	m.tableMapMu.Unlock()

	for oid, q := range tables {
		infos = append(infos, m.describeQueue(fmt.Sprintf("table %d", oid), q))
	}

	m.rowMapMu.Lock()
	rows := make(map[primitives.RID]*requestQueue, len(m.rowQueues))
	for rid, q := range m.rowQueues {
		rows[rid] = q
	}
	m.rowMapMu.Unlock()

	for rid, q := range rows {
		infos = append(infos, m.describeQueue(rid.String(), q))
	}
	return infos
}

func (m *Manager) describeQueue(resource string, q *requestQueue) QueueInfo {
	granted, waiting := q.snapshot()
	info := QueueInfo{Resource: resource}
	for _, t := range granted {
		info.Granted = append(info.Granted, fmt.Sprintf("txn %d", t.ID()))
	}
	for _, t := range waiting {
		info.Waiting = append(info.Waiting, fmt.Sprintf("txn %d", t.ID()))
	}
	return info
}

// broadcastAll wakes every waiter so it can re-check its transaction
// state. Used by the deadlock detector after flagging victims.
func (m *Manager) broadcastAll() {
	for _, q := range m.allQueues() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}
