package lock

import (
	"errors"
	"testing"
	"time"

	"coredb/pkg/concurrency/transaction"
	"coredb/pkg/primitives"
)

func newTxn(id int64, iso transaction.IsolationLevel) *transaction.Transaction {
	return transaction.New(primitives.TransactionID(id), iso)
}

func lockTableAsync(m *Manager, t *transaction.Transaction, mode Mode, oid primitives.TableID) chan error {
	ch := make(chan error, 1)
	go func() { ch <- m.LockTable(t, mode, oid) }()
	return ch
}

func mustBlock(t *testing.T, ch chan error, what string) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("%s completed early with %v, expected to block", what, err)
	case <-time.After(50 * time.Millisecond):
	}
}

func mustGrant(t *testing.T, ch chan error, what string) {
	t.Helper()
	select {
	case err := <-ch:
		if err != nil {
			t.Fatalf("%s failed: %v", what, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("%s still blocked, expected grant", what)
	}
}

func mustAbort(t *testing.T, ch chan error, reason transaction.AbortReason, what string) {
	t.Helper()
	select {
	case err := <-ch:
		assertAbort(t, err, reason)
	case <-time.After(2 * time.Second):
		t.Fatalf("%s still blocked, expected abort", what)
	}
}

func assertAbort(t *testing.T, err error, reason transaction.AbortReason) {
	t.Helper()
	var abort *transaction.AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("error %v is not an AbortError", err)
	}
	if abort.Reason != reason {
		t.Fatalf("abort reason = %v, want %v", abort.Reason, reason)
	}
}

func TestSharedLocksCoexist(t *testing.T) {
	m := NewManager(time.Millisecond)
	t1 := newTxn(1, transaction.RepeatableRead)
	t2 := newTxn(2, transaction.RepeatableRead)

	if err := m.LockTable(t1, Shared, 1); err != nil {
		t.Fatalf("t1 S failed: %v", err)
	}
	if err := m.LockTable(t2, Shared, 1); err != nil {
		t.Fatalf("t2 S failed: %v", err)
	}

	t1.Latch()
	if _, ok := t1.SharedTableLocks()[1]; !ok {
		t.Error("t1's S lock not recorded in its lock set")
	}
	t1.Unlatch()
}

func TestLockTableIdempotent(t *testing.T) {
	m := NewManager(time.Millisecond)
	t1 := newTxn(1, transaction.RepeatableRead)

	if err := m.LockTable(t1, Exclusive, 1); err != nil {
		t.Fatalf("first X failed: %v", err)
	}
	if err := m.LockTable(t1, Exclusive, 1); err != nil {
		t.Fatalf("repeated X failed: %v", err)
	}
}

func TestExclusiveBlocksUntilRelease(t *testing.T) {
	m := NewManager(time.Millisecond)
	t1 := newTxn(1, transaction.RepeatableRead)
	t2 := newTxn(2, transaction.RepeatableRead)

	if err := m.LockTable(t1, Exclusive, 1); err != nil {
		t.Fatalf("t1 X failed: %v", err)
	}

	ch := lockTableAsync(m, t2, Shared, 1)
	mustBlock(t, ch, "t2 S behind X")

	if err := m.UnlockTable(t1, 1); err != nil {
		t.Fatalf("t1 unlock failed: %v", err)
	}
	mustGrant(t, ch, "t2 S after release")
}

func TestFIFOBlocksCompatibleBehindIncompatible(t *testing.T) {
	m := NewManager(time.Millisecond)
	t1 := newTxn(1, transaction.RepeatableRead)
	t2 := newTxn(2, transaction.RepeatableRead)
	t3 := newTxn(3, transaction.RepeatableRead)

	if err := m.LockTable(t1, Shared, 1); err != nil {
		t.Fatalf("t1 S failed: %v", err)
	}

	chX := lockTableAsync(m, t2, Exclusive, 1)
	mustBlock(t, chX, "t2 X behind S")

	// t3's S is compatible with t1's S but queued behind t2's X: FIFO
	// keeps it waiting.
	chS := lockTableAsync(m, t3, Shared, 1)
	mustBlock(t, chS, "t3 S behind waiting X")

	if err := m.UnlockTable(t1, 1); err != nil {
		t.Fatalf("t1 unlock failed: %v", err)
	}
	mustGrant(t, chX, "t2 X after t1 release")
	mustBlock(t, chS, "t3 S while t2 holds X")

	if err := m.UnlockTable(t2, 1); err != nil {
		t.Fatalf("t2 unlock failed: %v", err)
	}
	mustGrant(t, chS, "t3 S after t2 release")
}

func TestUpgradeJumpsWaiters(t *testing.T) {
	m := NewManager(time.Millisecond)
	t1 := newTxn(1, transaction.RepeatableRead)
	t2 := newTxn(2, transaction.RepeatableRead)

	if err := m.LockTable(t1, Shared, 1); err != nil {
		t.Fatalf("t1 S failed: %v", err)
	}

	ch2 := lockTableAsync(m, t2, Exclusive, 1)
	mustBlock(t, ch2, "t2 X behind S")

	// t1's upgrade is repositioned ahead of t2 and granted immediately.
	if err := m.LockTable(t1, Exclusive, 1); err != nil {
		t.Fatalf("t1 upgrade failed: %v", err)
	}
	mustBlock(t, ch2, "t2 X behind upgraded X")

	if err := m.UnlockTable(t1, 1); err != nil {
		t.Fatalf("t1 unlock failed: %v", err)
	}
	mustGrant(t, ch2, "t2 X after upgrade released")
}

func TestSecondUpgraderAborts(t *testing.T) {
	m := NewManager(time.Millisecond)
	t1 := newTxn(1, transaction.RepeatableRead)
	t2 := newTxn(2, transaction.RepeatableRead)

	if err := m.LockTable(t1, Shared, 1); err != nil {
		t.Fatalf("t1 S failed: %v", err)
	}
	if err := m.LockTable(t2, Shared, 1); err != nil {
		t.Fatalf("t2 S failed: %v", err)
	}

	// t1's upgrade waits on t2's S.
	ch1 := lockTableAsync(m, t1, Exclusive, 1)
	mustBlock(t, ch1, "t1 upgrade behind t2 S")

	// A concurrent second upgrade aborts with UPGRADE_CONFLICT.
	err := m.LockTable(t2, Exclusive, 1)
	assertAbort(t, err, transaction.UpgradeConflict)

	// The aborted t2 releases everything, unblocking t1.
	m.ReleaseAll(t2)
	mustGrant(t, ch1, "t1 upgrade after t2 release")
}

func TestIncompatibleUpgradeAborts(t *testing.T) {
	m := NewManager(time.Millisecond)
	t1 := newTxn(1, transaction.RepeatableRead)

	if err := m.LockTable(t1, Exclusive, 1); err != nil {
		t.Fatalf("t1 X failed: %v", err)
	}
	err := m.LockTable(t1, Shared, 1)
	assertAbort(t, err, transaction.IncompatibleUpgrade)
}

func TestReadUncommittedRejectsSharedModes(t *testing.T) {
	m := NewManager(time.Millisecond)

	for _, mode := range []Mode{Shared, IntentionShared, SharedIntentionExclusive} {
		txn := newTxn(1, transaction.ReadUncommitted)
		err := m.LockTable(txn, mode, 1)
		assertAbort(t, err, transaction.LockSharedOnReadUncommitted)
	}

	txn := newTxn(2, transaction.ReadUncommitted)
	if err := m.LockTable(txn, Exclusive, 1); err != nil {
		t.Fatalf("X under READ_UNCOMMITTED failed: %v", err)
	}
}

func TestRepeatableReadShrinking(t *testing.T) {
	m := NewManager(time.Millisecond)
	txn := newTxn(1, transaction.RepeatableRead)

	if err := m.LockTable(txn, Shared, 1); err != nil {
		t.Fatalf("S failed: %v", err)
	}
	if err := m.UnlockTable(txn, 1); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if txn.State() != transaction.Shrinking {
		t.Fatalf("state = %v, want SHRINKING after S unlock", txn.State())
	}

	err := m.LockTable(txn, Shared, 2)
	assertAbort(t, err, transaction.LockOnShrinking)
}

func TestReadCommittedShrinkingAllowsSharedModes(t *testing.T) {
	m := NewManager(time.Millisecond)
	txn := newTxn(1, transaction.ReadCommitted)

	if err := m.LockTable(txn, Exclusive, 1); err != nil {
		t.Fatalf("X failed: %v", err)
	}
	if err := m.UnlockTable(txn, 1); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if txn.State() != transaction.Shrinking {
		t.Fatalf("state = %v, want SHRINKING after X unlock", txn.State())
	}

	// IS and S stay legal while shrinking under READ_COMMITTED.
	if err := m.LockTable(txn, IntentionShared, 2); err != nil {
		t.Fatalf("IS while shrinking failed: %v", err)
	}
	if err := m.LockTable(txn, Shared, 3); err != nil {
		t.Fatalf("S while shrinking failed: %v", err)
	}

	err := m.LockTable(txn, Exclusive, 4)
	assertAbort(t, err, transaction.LockOnShrinking)
}

func TestReadCommittedSharedUnlockKeepsGrowing(t *testing.T) {
	m := NewManager(time.Millisecond)
	txn := newTxn(1, transaction.ReadCommitted)

	if err := m.LockTable(txn, Shared, 1); err != nil {
		t.Fatalf("S failed: %v", err)
	}
	if err := m.UnlockTable(txn, 1); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if txn.State() != transaction.Growing {
		t.Fatalf("state = %v, want GROWING after S unlock", txn.State())
	}
}

func TestRowLockRules(t *testing.T) {
	m := NewManager(time.Millisecond)
	rid := primitives.NewRID(10, 2)

	// Intention modes on rows are an error.
	txn := newTxn(1, transaction.RepeatableRead)
	err := m.LockRow(txn, IntentionExclusive, 1, rid)
	assertAbort(t, err, transaction.AttemptedIntentionLockOnRow)

	// Row X without any covering table lock.
	txn = newTxn(2, transaction.RepeatableRead)
	err = m.LockRow(txn, Exclusive, 1, rid)
	assertAbort(t, err, transaction.TableLockNotPresent)

	// Row X under table IS is insufficient.
	txn = newTxn(3, transaction.RepeatableRead)
	if err := m.LockTable(txn, IntentionShared, 1); err != nil {
		t.Fatalf("IS failed: %v", err)
	}
	err = m.LockRow(txn, Exclusive, 1, rid)
	assertAbort(t, err, transaction.TableLockNotPresent)

	// Row S under table IS works; row X under table IX works.
	txn = newTxn(4, transaction.RepeatableRead)
	if err := m.LockTable(txn, IntentionShared, 1); err != nil {
		t.Fatalf("IS failed: %v", err)
	}
	if err := m.LockRow(txn, Shared, 1, rid); err != nil {
		t.Fatalf("row S under IS failed: %v", err)
	}

	txn5 := newTxn(5, transaction.RepeatableRead)
	if err := m.LockTable(txn5, IntentionExclusive, 2); err != nil {
		t.Fatalf("IX failed: %v", err)
	}
	if err := m.LockRow(txn5, Exclusive, 2, primitives.NewRID(20, 0)); err != nil {
		t.Fatalf("row X under IX failed: %v", err)
	}
}

func TestUnlockTableWithRowLocksAborts(t *testing.T) {
	m := NewManager(time.Millisecond)
	txn := newTxn(1, transaction.RepeatableRead)
	rid := primitives.NewRID(5, 1)

	if err := m.LockTable(txn, IntentionExclusive, 1); err != nil {
		t.Fatalf("IX failed: %v", err)
	}
	if err := m.LockRow(txn, Exclusive, 1, rid); err != nil {
		t.Fatalf("row X failed: %v", err)
	}

	err := m.UnlockTable(txn, 1)
	assertAbort(t, err, transaction.TableUnlockedBeforeUnlockingRows)
}

func TestRowUnlockThenTableUnlock(t *testing.T) {
	m := NewManager(time.Millisecond)
	txn := newTxn(1, transaction.RepeatableRead)
	rid := primitives.NewRID(5, 1)

	if err := m.LockTable(txn, IntentionExclusive, 1); err != nil {
		t.Fatalf("IX failed: %v", err)
	}
	if err := m.LockRow(txn, Exclusive, 1, rid); err != nil {
		t.Fatalf("row X failed: %v", err)
	}
	if err := m.UnlockRow(txn, 1, rid); err != nil {
		t.Fatalf("row unlock failed: %v", err)
	}
	if txn.State() != transaction.Shrinking {
		t.Fatalf("state = %v, want SHRINKING after row X unlock", txn.State())
	}
	if err := m.UnlockTable(txn, 1); err != nil {
		t.Fatalf("table unlock failed: %v", err)
	}
}

func TestUnlockWithoutLockAborts(t *testing.T) {
	m := NewManager(time.Millisecond)
	txn := newTxn(1, transaction.RepeatableRead)

	err := m.UnlockTable(txn, 9)
	assertAbort(t, err, transaction.AttemptedUnlockButNoLockHeld)
}

func TestReleaseAllWakesWaiters(t *testing.T) {
	m := NewManager(time.Millisecond)
	t1 := newTxn(1, transaction.RepeatableRead)
	t2 := newTxn(2, transaction.RepeatableRead)

	if err := m.LockTable(t1, Exclusive, 1); err != nil {
		t.Fatalf("t1 X failed: %v", err)
	}

	ch := lockTableAsync(m, t2, Exclusive, 1)
	mustBlock(t, ch, "t2 X behind t1 X")

	m.ReleaseAll(t1)
	mustGrant(t, ch, "t2 X after ReleaseAll")
}

func TestDeadlockDetectionBreaksCycles(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	m.StartDetection()
	defer m.StopDetection()

	txns := make([]*transaction.Transaction, 4)
	for i := range txns {
		txns[i] = newTxn(int64(i+1), transaction.RepeatableRead)
		if err := m.LockTable(txns[i], Exclusive, primitives.TableID(i)); err != nil {
			t.Fatalf("t%d X on table %d failed: %v", i, i, err)
		}
	}

	// Two disjoint cycles: t0 <-> t1 and t2 <-> t3.
	ch01 := lockTableAsync(m, txns[0], Exclusive, 1)
	ch23 := lockTableAsync(m, txns[2], Exclusive, 3)
	time.Sleep(20 * time.Millisecond) // let the older txns queue first
	ch10 := lockTableAsync(m, txns[1], Exclusive, 0)
	ch32 := lockTableAsync(m, txns[3], Exclusive, 2)

	// The youngest member of each cycle aborts within two intervals.
	mustAbort(t, ch10, transaction.Deadlock, "t1")
	mustAbort(t, ch32, transaction.Deadlock, "t3")

	// Once the victims release their locks, the survivors proceed.
	m.ReleaseAll(txns[1])
	m.ReleaseAll(txns[3])
	mustGrant(t, ch01, "t0 after victim release")
	mustGrant(t, ch23, "t2 after victim release")

	if txns[0].State() == transaction.Aborted || txns[2].State() == transaction.Aborted {
		t.Error("survivor transaction was aborted")
	}
}
