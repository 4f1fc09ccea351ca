package lock

import (
	"time"

	"coredb/pkg/concurrency/transaction"
	"coredb/pkg/logging"
	"coredb/pkg/primitives"
)

// StartDetection launches the background deadlock detector. Each pass
// rebuilds the waits-for graph from the request queues, aborts the
// youngest transaction of every cycle, and wakes the victims so they
// unwind out of their waits.
func (m *Manager) StartDetection() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.RunCycleDetection()
			}
		}
	}()
}

// StopDetection shuts the detector down and waits for it to exit. Safe
// to call more than once.
func (m *Manager) StopDetection() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// RunCycleDetection performs one detection pass. Exported so tests can
// drive the detector without timing dependence.
func (m *Manager) RunCycleDetection() {
	m.graph.clear()
	participants := make(map[primitives.TransactionID]*transaction.Transaction)

	for _, q := range m.allQueues() {
		granted, waiting := q.snapshot()
		for _, waiter := range waiting {
			if waiter.State() == transaction.Aborted {
				continue
			}
			for _, holder := range granted {
				if holder.State() == transaction.Aborted {
					continue
				}
				m.graph.addEdge(waiter.ID(), holder.ID())
				participants[waiter.ID()] = waiter
				participants[holder.ID()] = holder
			}
		}
	}

	for {
		victimID, found := m.graph.hasCycle()
		if !found {
			break
		}

		if victim, ok := participants[victimID]; ok {
			victim.SetState(transaction.Aborted)
			logging.Info("deadlock detected, aborting victim", "txn", victimID)
		}
		m.graph.removeTxn(victimID)
		m.broadcastAll()
	}

	m.graph.clear()
}

// AddEdge inserts a waits-for edge directly. Exposed for tests.
func (m *Manager) AddEdge(waiter, holder primitives.TransactionID) {
	m.graph.addEdge(waiter, holder)
}

// RemoveEdge deletes a waits-for edge directly. Exposed for tests.
func (m *Manager) RemoveEdge(waiter, holder primitives.TransactionID) {
	m.graph.removeEdge(waiter, holder)
}

// HasCycle reports whether the current graph has a cycle and, if so, the
// youngest transaction on it.
func (m *Manager) HasCycle() (primitives.TransactionID, bool) {
	return m.graph.hasCycle()
}

// GetEdgeList returns the current waits-for edges sorted by
// (waiter, holder).
func (m *Manager) GetEdgeList() []Edge {
	return m.graph.edgeList()
}
