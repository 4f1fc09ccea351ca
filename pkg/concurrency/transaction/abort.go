package transaction

import (
	"fmt"

	"coredb/pkg/primitives"
)

// AbortReason categorizes why the lock manager aborted a transaction.
type AbortReason int

const (
	LockOnShrinking AbortReason = iota
	UpgradeConflict
	IncompatibleUpgrade
	AttemptedIntentionLockOnRow
	TableLockNotPresent
	AttemptedUnlockButNoLockHeld
	TableUnlockedBeforeUnlockingRows
	LockSharedOnReadUncommitted
	Deadlock
)

func (r AbortReason) String() string {
	switch r {
	case LockOnShrinking:
		return "LOCK_ON_SHRINKING"
	case UpgradeConflict:
		return "UPGRADE_CONFLICT"
	case IncompatibleUpgrade:
		return "INCOMPATIBLE_UPGRADE"
	case AttemptedIntentionLockOnRow:
		return "ATTEMPTED_INTENTION_LOCK_ON_ROW"
	case TableLockNotPresent:
		return "TABLE_LOCK_NOT_PRESENT"
	case AttemptedUnlockButNoLockHeld:
		return "ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD"
	case TableUnlockedBeforeUnlockingRows:
		return "TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS"
	case LockSharedOnReadUncommitted:
		return "LOCK_SHARED_ON_READ_UNCOMMITTED"
	case Deadlock:
		return "DEADLOCK"
	default:
		return fmt.Sprintf("AbortReason(%d)", int(r))
	}
}

// AbortError is the Go rendering of the abort exception: every lock
// operation that aborts its caller returns one, after the transaction's
// state has already been set to ABORTED. Executors propagate it as a
// query-level failure.
type AbortError struct {
	TxnID  primitives.TransactionID
	Reason AbortReason
}

// NewAbortError marks the transaction ABORTED and builds the error that
// carries the reason to the caller.
func NewAbortError(t *Transaction, reason AbortReason) *AbortError {
	t.SetState(Aborted)
	return &AbortError{TxnID: t.ID(), Reason: reason}
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("transaction %d aborted: %s", e.TxnID, e.Reason)
}
