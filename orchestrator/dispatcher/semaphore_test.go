package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSemaphoreCapAdmission(t *testing.T) {
	g := newGroupSemaphores()
	max := 2

	assert.True(t, g.tryAcquire(1, &max))
	assert.True(t, g.tryAcquire(1, &max))
	assert.False(t, g.tryAcquire(1, &max))

	g.release(1)
	assert.True(t, g.tryAcquire(1, &max))
}

func TestSemaphoreUncappedGroupAlwaysAdmits(t *testing.T) {
	g := newGroupSemaphores()
	for i := 0; i < 100; i++ {
		assert.True(t, g.tryAcquire(7, nil))
	}
	assert.Equal(t, 100, g.count(7))
}

func TestSemaphoreReleaseNeverUnderflows(t *testing.T) {
	g := newGroupSemaphores()
	g.release(3)
	assert.Equal(t, 0, g.count(3))

	max := 1
	assert.True(t, g.tryAcquire(3, &max))
}

func TestSemaphoreReconcileReplacesCounts(t *testing.T) {
	g := newGroupSemaphores()
	max := 5
	g.tryAcquire(1, &max)
	g.tryAcquire(1, &max)
	g.tryAcquire(2, &max)

	// The store says group 1 has one active run and group 2 none: a crash
	// between claim and terminal event left the counters high.
	g.reconcile(map[int64]int{1: 1})

	assert.Equal(t, 1, g.count(1))
	assert.Equal(t, 0, g.count(2))
}
