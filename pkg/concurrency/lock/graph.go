package lock

import (
	"slices"
	"sync"

	"coredb/pkg/primitives"
)

// Edge is a directed waits-for edge: the waiter is blocked on a lock the
// holder has been granted.
type Edge struct {
	Waiter primitives.TransactionID
	Holder primitives.TransactionID
}

// waitsForGraph is the deadlock detector's view of who waits on whom. It
// is rebuilt from the request queues on every detection pass and mutated
// only under its own mutex.
type waitsForGraph struct {
	mu    sync.Mutex
	edges map[primitives.TransactionID]map[primitives.TransactionID]struct{}
}

func newWaitsForGraph() *waitsForGraph {
	return &waitsForGraph{
		edges: make(map[primitives.TransactionID]map[primitives.TransactionID]struct{}),
	}
}

func (g *waitsForGraph) addEdge(waiter, holder primitives.TransactionID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.edges[waiter] == nil {
		g.edges[waiter] = make(map[primitives.TransactionID]struct{})
	}
	g.edges[waiter][holder] = struct{}{}
}

func (g *waitsForGraph) removeEdge(waiter, holder primitives.TransactionID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if holders, ok := g.edges[waiter]; ok {
		delete(holders, holder)
		if len(holders) == 0 {
			delete(g.edges, waiter)
		}
	}
}

// removeTxn erases every edge touching the transaction, in either role.
func (g *waitsForGraph) removeTxn(id primitives.TransactionID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.edges, id)
	for waiter, holders := range g.edges {
		delete(holders, id)
		if len(holders) == 0 {
			delete(g.edges, waiter)
		}
	}
}

func (g *waitsForGraph) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = make(map[primitives.TransactionID]map[primitives.TransactionID]struct{})
}

// edgeList returns every edge sorted by (waiter, holder), for tests and
// inspection.
func (g *waitsForGraph) edgeList() []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()

	var list []Edge
	for waiter, holders := range g.edges {
		for holder := range holders {
			list = append(list, Edge{Waiter: waiter, Holder: holder})
		}
	}
	slices.SortFunc(list, func(a, b Edge) int {
		if a.Waiter != b.Waiter {
			return int(a.Waiter - b.Waiter)
		}
		return int(a.Holder - b.Holder)
	})
	return list
}

// hasCycle runs a deterministic depth-first search (sources and
// neighbors in ascending id order) and, if a cycle exists, returns the
// youngest transaction on it — the one with the largest id.
func (g *waitsForGraph) hasCycle() (primitives.TransactionID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sources := make([]primitives.TransactionID, 0, len(g.edges))
	for waiter := range g.edges {
		sources = append(sources, waiter)
	}
	slices.Sort(sources)

	visited := make(map[primitives.TransactionID]bool)
	for _, src := range sources {
		if visited[src] {
			continue
		}
		onPath := make(map[primitives.TransactionID]bool)
		var path []primitives.TransactionID
		if victim, found := g.dfs(src, visited, onPath, &path); found {
			return victim, true
		}
	}
	return primitives.InvalidTxnID, false
}

func (g *waitsForGraph) dfs(cur primitives.TransactionID, visited, onPath map[primitives.TransactionID]bool, path *[]primitives.TransactionID) (primitives.TransactionID, bool) {
	visited[cur] = true
	onPath[cur] = true
	*path = append(*path, cur)

	neighbors := make([]primitives.TransactionID, 0, len(g.edges[cur]))
	for holder := range g.edges[cur] {
		neighbors = append(neighbors, holder)
	}
	slices.Sort(neighbors)

	for _, next := range neighbors {
		if onPath[next] {
			// Back edge: the cycle is the path suffix starting at next.
			victim := next
			for i := len(*path) - 1; i >= 0 && (*path)[i] != next; i-- {
				if (*path)[i] > victim {
					victim = (*path)[i]
				}
			}
			return victim, true
		}
		if !visited[next] {
			if victim, found := g.dfs(next, visited, onPath, path); found {
				return victim, true
			}
		}
	}

	onPath[cur] = false
	*path = (*path)[:len(*path)-1]
	return primitives.InvalidTxnID, false
}
