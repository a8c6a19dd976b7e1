package pmwcas

import (
	"sync/atomic"
	"time"

	"bztree/epoch"
)

// DefaultMaxTargets bounds the words one descriptor may touch.
const DefaultMaxTargets = 4

// Pool hands out descriptors and owns the epoch manager that protects memory
// reachable through pooled words. The caller owns its lifecycle.
type Pool struct {
	maxTargets int
	epochs     *epoch.Manager

	executed  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	helped    atomic.Uint64
}

// Stats is a snapshot of descriptor outcomes.
type Stats struct {
	Executed  uint64
	Succeeded uint64
	Failed    uint64
	Helped    uint64 // times a descriptor was driven by a goroutine that did not own it
}

type options struct {
	maxTargets      int
	epochSlots      int
	reclaimInterval time.Duration
	logger          epoch.Logger
}

// Option configures a Pool.
type Option func(*options)

// WithMaxTargets sets how many words a single descriptor may update.
func WithMaxTargets(n int) Option {
	return func(o *options) {
		o.maxTargets = n
	}
}

// WithEpochSlots sets how many goroutines may hold an epoch guard at once.
func WithEpochSlots(n int) Option {
	return func(o *options) {
		o.epochSlots = n
	}
}

// WithReclaimInterval sets the background reclamation period. Zero disables
// the background goroutine; callers then reclaim through Epochs().Reclaim.
func WithReclaimInterval(d time.Duration) Option {
	return func(o *options) {
		o.reclaimInterval = d
	}
}

// WithLogger routes the epoch manager's diagnostics to l. A bztree.Logger
// qualifies.
func WithLogger(l epoch.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// NewPool creates a descriptor pool with its own epoch manager.
func NewPool(opts ...Option) *Pool {
	o := options{
		maxTargets:      DefaultMaxTargets,
		epochSlots:      epoch.DefaultSlots,
		reclaimInterval: epoch.DefaultInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxTargets < 1 {
		o.maxTargets = DefaultMaxTargets
	}
	epochOpts := []epoch.Option{
		epoch.WithSlots(o.epochSlots),
		epoch.WithInterval(o.reclaimInterval),
	}
	if o.logger != nil {
		epochOpts = append(epochOpts, epoch.WithLogger(o.logger))
	}

	return &Pool{
		maxTargets: o.maxTargets,
		epochs:     epoch.New(epochOpts...),
	}
}

// Begin starts a new multi-word update.
func (p *Pool) Begin() *Descriptor {
	return &Descriptor{
		pool:    p,
		targets: make([]target, 0, p.maxTargets),
	}
}

// Epochs returns the epoch manager shared by every user of the pool.
func (p *Pool) Epochs() *epoch.Manager {
	return p.epochs
}

// MaxTargets reports the per-descriptor word limit.
func (p *Pool) MaxTargets() int {
	return p.maxTargets
}

func (p *Pool) record(ok bool) {
	p.executed.Add(1)
	if ok {
		p.succeeded.Add(1)
	} else {
		p.failed.Add(1)
	}
}

// Stats returns descriptor counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Executed:  p.executed.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Helped:    p.helped.Load(),
	}
}

// Close stops background reclamation and frees everything still retired. No
// goroutine may use the pool afterwards.
func (p *Pool) Close() {
	p.epochs.Close()
}
