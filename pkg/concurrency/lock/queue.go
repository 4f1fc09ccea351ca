package lock

import (
	"sync"

	"coredb/pkg/concurrency/transaction"
	"coredb/pkg/primitives"
)

// request is one entry in a resource's FIFO queue.
type request struct {
	txn     *transaction.Transaction
	mode    Mode
	oid     primitives.TableID
	rid     primitives.RID
	onTable bool
	granted bool
}

// requestQueue serializes lock traffic on one resource (a table oid or a
// row rid). The granted prefix is always pairwise compatible; waiters
// park on the condition variable and re-check on every wakeup. At most
// one transaction may be upgrading at a time.
type requestQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  []*request
	upgrading primitives.TransactionID
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{upgrading: primitives.InvalidTxnID}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// findByTxn returns the queue entry of the given transaction, or nil.
// Caller holds q.mu.
func (q *requestQueue) findByTxn(id primitives.TransactionID) *request {
	for _, r := range q.requests {
		if r.txn.ID() == id {
			return r
		}
	}
	return nil
}

// grantable reports whether req could be granted now: every request ahead
// of it in the queue, granted or waiting, must be compatible. FIFO order
// is what keeps an incompatible earlier waiter blocking a later one.
// Caller holds q.mu.
func (q *requestQueue) grantable(req *request) bool {
	for _, r := range q.requests {
		if r == req {
			return true
		}
		if !Compatible(r.mode, req.mode) {
			return false
		}
	}
	return true
}

// insertWaiter appends a waiting request at the queue tail.
// Caller holds q.mu.
func (q *requestQueue) insertWaiter(req *request) {
	q.requests = append(q.requests, req)
}

// insertUpgrader positions an upgrading request ahead of every other
// waiter but behind the granted prefix. Caller holds q.mu.
func (q *requestQueue) insertUpgrader(req *request) {
	pos := 0
	for pos < len(q.requests) && q.requests[pos].granted {
		pos++
	}
	q.requests = append(q.requests, nil)
	copy(q.requests[pos+1:], q.requests[pos:])
	q.requests[pos] = req
}

// remove deletes req from the queue, preserving order. Caller holds q.mu.
func (q *requestQueue) remove(req *request) {
	for i, r := range q.requests {
		if r == req {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

// removeTxn deletes every request of the given transaction, clearing the
// upgrade marker if it was theirs. Returns true if anything was removed.
// Caller holds q.mu.
func (q *requestQueue) removeTxn(id primitives.TransactionID) bool {
	removed := false
	kept := q.requests[:0]
	for _, r := range q.requests {
		if r.txn.ID() == id {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	q.requests = kept
	if q.upgrading == id {
		q.upgrading = primitives.InvalidTxnID
	}
	return removed
}

// snapshot copies the queue's (waiter, holder) structure for the deadlock
// detector: the transactions of granted requests and of waiting
// requests, in queue order.
func (q *requestQueue) snapshot() (granted, waiting []*transaction.Transaction) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, r := range q.requests {
		if r.granted {
			granted = append(granted, r.txn)
		} else {
			waiting = append(waiting, r.txn)
		}
	}
	return granted, waiting
}
