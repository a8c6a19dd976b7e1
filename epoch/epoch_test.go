package epoch

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func setup(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := New(append([]Option{WithInterval(0)}, opts...)...)
	t.Cleanup(m.Close)
	return m
}

func TestGuardBlocksReclaim(t *testing.T) {
	t.Parallel()

	m := setup(t)
	g := m.Enter()

	var freed atomic.Int32
	m.Retire(func() { freed.Add(1) })

	// Retired while the guard was active: must survive any number of passes
	for range 5 {
		assert.Equal(t, 0, m.Reclaim())
	}
	assert.Equal(t, int32(0), freed.Load())
	assert.Equal(t, int64(1), m.Stats().Pending)

	g.Release()
	assert.Equal(t, 1, m.Reclaim())
	assert.Equal(t, int32(1), freed.Load())

	stats := m.Stats()
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, uint64(1), stats.Reclaimed)
}

func TestYoungerGuardDoesNotBlock(t *testing.T) {
	t.Parallel()

	m := setup(t)
	var freed atomic.Int32
	m.Retire(func() { freed.Add(1) })
	m.Reclaim() // nothing active: freed right away
	require.Equal(t, int32(1), freed.Load())

	m.Retire(func() { freed.Add(1) })
	m.Reclaim() // advance past the retirement epoch
	g := m.Enter()
	defer g.Release()

	m.Retire(func() { freed.Add(1) })
	m.Reclaim()
	assert.Equal(t, int32(2), freed.Load(), "only the retirement after Enter is held back")
}

func TestMinActive(t *testing.T) {
	t.Parallel()

	m := setup(t, WithSlots(4))
	assert.Equal(t, uint64(math.MaxUint64), m.MinActive())

	g1 := m.Enter()
	m.Reclaim()
	g2 := m.Enter()
	assert.Equal(t, g1.Epoch(), m.MinActive())
	assert.Less(t, g1.Epoch(), g2.Epoch())
	assert.Equal(t, 2, m.Stats().Active)

	g1.Release()
	assert.Equal(t, g2.Epoch(), m.MinActive())

	g2.Release()
	assert.Equal(t, uint64(math.MaxUint64), m.MinActive())
}

func TestEnterWaitsForFreeSlot(t *testing.T) {
	t.Parallel()

	m := setup(t, WithSlots(1))
	g := m.Enter()

	entered := make(chan Guard)
	go func() { entered <- m.Enter() }()

	select {
	case <-entered:
		t.Fatal("second guard entered while the only slot was held")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release()
	g2 := <-entered
	g2.Release()
}

func TestCloseDrains(t *testing.T) {
	t.Parallel()

	m := New(WithInterval(0))
	var freed atomic.Int32
	g := m.Enter()
	for range 3 {
		m.Retire(func() { freed.Add(1) })
	}
	g.Release()

	m.Close()
	assert.Equal(t, int32(3), freed.Load())
	m.Close() // idempotent
}

func TestBackgroundReclaimer(t *testing.T) {
	t.Parallel()

	m := New(WithInterval(time.Millisecond))
	defer m.Close()

	var freed atomic.Int32
	m.Retire(func() { freed.Add(1) })

	require.Eventually(t, func() bool {
		return freed.Load() == 1
	}, time.Second, time.Millisecond)
}

func TestConcurrentRetireAndReclaim(t *testing.T) {
	t.Parallel()

	// Objects are only "freed" after every guard that could see them is gone.
	// Each goroutine publishes a value, retires the previous one, and checks
	// under its guard that nothing it read was freed underneath it.
	m := setup(t, WithSlots(64))

	type object struct{ freed atomic.Bool }
	var current atomic.Pointer[object]
	current.Store(&object{})

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			for range 2000 {
				guard := m.Enter()
				obj := current.Load()
				next := &object{}
				if current.CompareAndSwap(obj, next) {
					m.Retire(func() { obj.freed.Store(true) })
				}
				if !assert.False(t, obj.freed.Load()) {
					guard.Release()
					return nil
				}
				guard.Release()
			}
			return nil
		})
	}
	g.Go(func() error {
		for range 2000 {
			m.Reclaim()
		}
		return nil
	})
	require.NoError(t, g.Wait())

	m.Reclaim()
	assert.Equal(t, int64(0), m.Stats().Pending)
}
