package transaction

import (
	"strings"
	"testing"

	"coredb/pkg/primitives"
)

func TestNewTransactionDefaults(t *testing.T) {
	txn := New(7, RepeatableRead)

	if txn.ID() != 7 {
		t.Errorf("ID = %d, want 7", txn.ID())
	}
	if txn.Isolation() != RepeatableRead {
		t.Errorf("Isolation = %v, want REPEATABLE_READ", txn.Isolation())
	}
	if txn.State() != Growing {
		t.Errorf("State = %v, want GROWING", txn.State())
	}
}

func TestStateTransitions(t *testing.T) {
	txn := New(1, ReadCommitted)

	txn.SetState(Shrinking)
	if txn.State() != Shrinking {
		t.Errorf("State = %v, want SHRINKING", txn.State())
	}

	txn.SetState(Committed)
	if txn.State() != Committed {
		t.Errorf("State = %v, want COMMITTED", txn.State())
	}
}

func TestHoldsRowLocksOn(t *testing.T) {
	txn := New(1, RepeatableRead)

	txn.Latch()
	if txn.HoldsRowLocksOn(3) {
		t.Error("fresh transaction reports row locks")
	}
	txn.SharedRowLocks()[3] = RIDSet{primitives.NewRID(1, 0): {}}
	if !txn.HoldsRowLocksOn(3) {
		t.Error("shared row lock not reported")
	}
	if txn.HoldsRowLocksOn(4) {
		t.Error("row lock reported for wrong table")
	}
	txn.Unlatch()
}

func TestAbortErrorMarksAborted(t *testing.T) {
	txn := New(42, RepeatableRead)

	err := NewAbortError(txn, LockOnShrinking)
	if txn.State() != Aborted {
		t.Fatalf("State = %v, want ABORTED", txn.State())
	}
	if err.TxnID != 42 || err.Reason != LockOnShrinking {
		t.Errorf("unexpected abort error: %+v", err)
	}
	if !strings.Contains(err.Error(), "LOCK_ON_SHRINKING") {
		t.Errorf("error string %q does not name the reason", err.Error())
	}
}

type fakeReleaser struct {
	released []primitives.TransactionID
}

func (f *fakeReleaser) ReleaseAll(t *Transaction) {
	f.released = append(f.released, t.ID())
}

func TestManagerLifecycle(t *testing.T) {
	rel := &fakeReleaser{}
	mgr := NewManager(rel)

	t1 := mgr.Begin(ReadCommitted)
	t2 := mgr.Begin(RepeatableRead)
	if t2.ID() <= t1.ID() {
		t.Fatalf("ids not monotonic: %d then %d", t1.ID(), t2.ID())
	}

	if got, ok := mgr.Get(t1.ID()); !ok || got != t1 {
		t.Error("Get did not return the live transaction")
	}

	mgr.Commit(t1)
	if t1.State() != Committed {
		t.Errorf("State = %v, want COMMITTED", t1.State())
	}
	if _, ok := mgr.Get(t1.ID()); ok {
		t.Error("committed transaction still registered")
	}

	mgr.Abort(t2)
	if t2.State() != Aborted {
		t.Errorf("State = %v, want ABORTED", t2.State())
	}

	if len(rel.released) != 2 {
		t.Errorf("locks released for %d transactions, want 2", len(rel.released))
	}
}
