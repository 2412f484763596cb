package dispatcher

import "sync"

// groupSemaphores tracks active runs per manifest group in-process. A
// weighted semaphore cannot be reset to an externally observed count, and
// the counters must follow CountActiveJobsByGroup after a crash, so this
// is a plain counter map.
type groupSemaphores struct {
	mu     sync.Mutex
	active map[int64]int
}

func newGroupSemaphores() *groupSemaphores {
	return &groupSemaphores{active: make(map[int64]int)}
}

// tryAcquire reserves a slot in the group. A nil max means the group is
// uncapped and always admits.
func (g *groupSemaphores) tryAcquire(groupID int64, max *int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if max != nil && g.active[groupID] >= *max {
		return false
	}
	g.active[groupID]++
	return true
}

func (g *groupSemaphores) release(groupID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[groupID] > 0 {
		g.active[groupID]--
	}
	if g.active[groupID] == 0 {
		delete(g.active, groupID)
	}
}

// reconcile replaces the counters with the store's view of active runs,
// repairing drift from crashes between claim and terminal event.
func (g *groupSemaphores) reconcile(counts map[int64]int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = make(map[int64]int, len(counts))
	for id, n := range counts {
		if n > 0 {
			g.active[id] = n
		}
	}
}

func (g *groupSemaphores) count(groupID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[groupID]
}
