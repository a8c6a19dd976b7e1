// Package epoch implements epoch-based deferred reclamation.
//
// A goroutine that may dereference shared nodes holds a Guard for the duration
// of the operation. Each guard occupies one slot stamped with the global epoch
// observed at entry. Retired objects are stamped with the epoch current at
// retirement and freed only once every active guard is younger.
package epoch

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultSlots bounds concurrent guards.
	DefaultSlots = 1024
	// DefaultInterval is the background reclamation period.
	DefaultInterval = 20 * time.Millisecond
)

// Logger is the subset of a structured logger the manager reports through.
type Logger interface {
	Info(msg string, args ...any)
}

type discard struct{}

func (discard) Info(string, ...any) {}

type retired struct {
	epoch uint64
	free  func()
	next  *retired
}

// Manager tracks active guards and retired objects.
type Manager struct {
	global      atomic.Uint64
	slots       []atomic.Uint64 // epoch at entry, 0 = empty
	hint        atomic.Uint32
	activeCount atomic.Int32
	minEpoch    atomic.Uint64 // cached minimum active epoch (MaxUint64 when idle)

	retired   atomic.Pointer[retired]
	pending   atomic.Int64
	reclaimed atomic.Uint64

	interval  time.Duration
	logger    Logger
	stopC     chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Guard marks its holder as active in the epoch it entered.
type Guard struct {
	m     *Manager
	slot  int
	epoch uint64
}

// Stats is a snapshot of manager state.
type Stats struct {
	Epoch     uint64
	Active    int
	Pending   int64
	Reclaimed uint64
}

type options struct {
	slots    int
	interval time.Duration
	logger   Logger
}

// Option configures a Manager.
type Option func(*options)

// WithSlots sets the number of concurrent guards.
func WithSlots(n int) Option {
	return func(o *options) {
		o.slots = n
	}
}

// WithInterval sets the background reclamation period; zero disables it.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		o.interval = d
	}
}

// WithLogger routes manager diagnostics to l.
func WithLogger(l Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// New creates a manager and starts its background reclaimer when an interval
// is configured.
func New(opts ...Option) *Manager {
	o := options{slots: DefaultSlots, interval: DefaultInterval, logger: discard{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.slots < 1 {
		o.slots = DefaultSlots
	}

	m := &Manager{
		slots:    make([]atomic.Uint64, o.slots),
		interval: o.interval,
		logger:   o.logger,
		stopC:    make(chan struct{}),
	}
	m.global.Store(1)
	m.minEpoch.Store(math.MaxUint64)

	if m.interval > 0 {
		m.wg.Add(1)
		go m.backgroundReclaimer()
	}
	return m
}

// Enter claims a slot for the calling goroutine. It only spins when every
// slot is taken.
func (m *Manager) Enter() Guard {
	n := uint32(len(m.slots))
	for {
		e := m.global.Load()
		start := m.hint.Add(1)
		for i := uint32(0); i < n; i++ {
			slot := int((start + i) % n)
			if !m.slots[slot].CompareAndSwap(0, e) {
				continue
			}
			m.activeCount.Add(1)
			for {
				current := m.minEpoch.Load()
				if e >= current || m.minEpoch.CompareAndSwap(current, e) {
					break
				}
			}
			return Guard{m: m, slot: slot, epoch: e}
		}
		runtime.Gosched()
	}
}

// Release frees the guard's slot.
func (g Guard) Release() {
	m := g.m
	e := m.slots[g.slot].Swap(0)

	if m.activeCount.Add(-1) == 0 {
		m.minEpoch.Store(math.MaxUint64)
	} else if e == m.minEpoch.Load() {
		m.rescanMin()
	}
}

// Epoch returns the epoch the guard entered in.
func (g Guard) Epoch() uint64 {
	return g.epoch
}

func (m *Manager) rescanMin() uint64 {
	minEpoch := uint64(math.MaxUint64)
	for i := range m.slots {
		if e := m.slots[i].Load(); e != 0 && e < minEpoch {
			minEpoch = e
		}
	}
	m.minEpoch.Store(minEpoch)
	return minEpoch
}

// Current returns the global epoch.
func (m *Manager) Current() uint64 {
	return m.global.Load()
}

// Retire schedules free to run once no guard older than now remains.
func (m *Manager) Retire(free func()) {
	r := &retired{epoch: m.global.Load(), free: free}
	for {
		head := m.retired.Load()
		r.next = head
		if m.retired.CompareAndSwap(head, r) {
			m.pending.Add(1)
			return
		}
	}
}

// Reclaim advances the global epoch and frees every retired object that no
// active guard can still reach. It returns the number freed.
func (m *Manager) Reclaim() int {
	current := m.global.Add(1)
	// The cached minimum may lag a concurrent Release; a full scan never
	// underestimates how old the oldest guard is. A guard that read the old
	// epoch but had not published its slot yet is covered by current: anything
	// it can still reach is retired at current or later.
	safe := min(m.rescanMin(), current)
	return m.drain(safe)
}

func (m *Manager) drain(safe uint64) int {
	list := m.retired.Swap(nil)
	var keep, keepTail *retired
	freed := 0
	for r := list; r != nil; {
		next := r.next
		if r.epoch < safe {
			r.free()
			freed++
		} else {
			r.next = keep
			if keep == nil {
				keepTail = r
			}
			keep = r
		}
		r = next
	}

	if keep != nil {
		for {
			head := m.retired.Load()
			keepTail.next = head
			if m.retired.CompareAndSwap(head, keep) {
				break
			}
		}
	}

	if freed > 0 {
		m.pending.Add(int64(-freed))
		m.reclaimed.Add(uint64(freed))
	}
	return freed
}

func (m *Manager) backgroundReclaimer() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Reclaim()
		case <-m.stopC:
			return
		}
	}
}

// Stats returns a snapshot of the manager.
func (m *Manager) Stats() Stats {
	return Stats{
		Epoch:     m.global.Load(),
		Active:    int(m.activeCount.Load()),
		Pending:   m.pending.Load(),
		Reclaimed: m.reclaimed.Load(),
	}
}

// Close stops the background reclaimer and frees every retired object. No
// guard may be held or taken afterwards.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopC)
		m.wg.Wait()
		freed := m.drain(math.MaxUint64)
		m.logger.Info("epoch manager closed", "epoch", m.global.Load(), "drained", freed)
	})
}

// MinActive returns the cached minimum epoch among active guards, or
// math.MaxUint64 when none is held.
func (m *Manager) MinActive() uint64 {
	if m.activeCount.Load() == 0 {
		return math.MaxUint64
	}
	return m.minEpoch.Load()
}
