package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Runtime: classes, caches and the lock that serializes them
// ---------------------------------------------------------------------------

// Options configures a Runtime.
type Options struct {
	// MinCapacity is the bucket count of a cache's first table.
	MinCapacity uint32
	// MaxCapacity caps cache growth.
	MaxCapacity uint32
	// GarbageThreshold is the retired byte count that triggers reclamation.
	GarbageThreshold int
	// DebugLocks swaps the runtime mutex for a deadlock-detecting one.
	DebugLocks      bool
	DeadlockTimeout time.Duration
	// Preopt supplies read-only tables at realization.
	Preopt PreoptSource
	// Forwarder handles Send when lookup finds nothing.
	Forwarder Forwarder
}

// Option configures a Runtime.
type Option func(*Options)

// WithCacheLimits sets the minimum and maximum cache capacity.
func WithCacheLimits(min, max uint32) Option {
	return func(o *Options) { o.MinCapacity, o.MaxCapacity = min, max }
}

// WithGarbageThreshold sets the retired byte count that triggers reclamation.
func WithGarbageThreshold(n int) Option {
	return func(o *Options) { o.GarbageThreshold = n }
}

// WithDebugLocks enables deadlock detection on the runtime lock.
func WithDebugLocks(timeout time.Duration) Option {
	return func(o *Options) { o.DebugLocks, o.DeadlockTimeout = true, timeout }
}

// WithPreopt sets the source of preoptimized tables.
func WithPreopt(src PreoptSource) Option {
	return func(o *Options) { o.Preopt = src }
}

// WithForwarder sets the handler for messages no class implements.
func WithForwarder(f Forwarder) Option {
	return func(o *Options) { o.Forwarder = f }
}

// Runtime owns a class hierarchy, its dispatch caches and the lock that
// serializes all mutation. Cache reads never take the lock.
type Runtime struct {
	// Global tables
	Selectors *SelectorTable // selector name -> SEL
	Strings   *StringPool    // metadata strings -> address
	Classes   *ClassTable    // class name -> Class
	Imps      *ImpTable      // entry point -> Go implementation

	opts     Options
	lock     *runtimeLock
	reclaim  *reclaimer
	encoding impEncoding

	methodCodec   methodCodec
	propertyCodec propertyCodec

	// Guarded by lock.
	unattached map[*Class][]*Category

	// methodKey -> IMP for replaced implementations.
	remapped sync.Map

	stats runtimeStats
}

// NewRuntime creates an empty runtime.
func NewRuntime(opts ...Option) *Runtime {
	o := Options{
		MinCapacity:      DefaultMinCapacity,
		MaxCapacity:      DefaultMaxCapacity,
		GarbageThreshold: DefaultGarbageThreshold,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MinCapacity < DefaultMinCapacity || o.MinCapacity&(o.MinCapacity-1) != 0 {
		o.MinCapacity = DefaultMinCapacity
	}
	if o.MaxCapacity > DefaultMaxCapacity || o.MaxCapacity < o.MinCapacity || o.MaxCapacity&(o.MaxCapacity-1) != 0 {
		o.MaxCapacity = DefaultMaxCapacity
	}

	rt := &Runtime{
		Selectors:  NewSelectorTable(),
		Strings:    NewStringPool(),
		Classes:    NewClassTable(),
		Imps:       NewImpTable(),
		opts:       o,
		lock:       newRuntimeLock(o.DebugLocks, o.DeadlockTimeout),
		reclaim:    newReclaimer(o.GarbageThreshold),
		encoding:   defaultEncoding(),
		unattached: make(map[*Class][]*Category),
	}
	rt.methodCodec = methodCodec{strings: rt.Strings}
	rt.propertyCodec = propertyCodec{strings: rt.Strings}
	log.Debugf("runtime created: caches %d..%d buckets, %s entry points",
		o.MinCapacity, o.MaxCapacity, rt.encoding.name())
	return rt
}

// Lock acquires the runtime lock. Introspection callers hold it to get a
// consistent snapshot.
func (rt *Runtime) Lock() { rt.lock.Lock() }

// Unlock releases the runtime lock.
func (rt *Runtime) Unlock() { rt.lock.Unlock() }

// Options returns the effective options.
func (rt *Runtime) Options() Options { return rt.opts }

// SetPreopt installs a source of preoptimized tables for classes realized
// from now on.
func (rt *Runtime) SetPreopt(src PreoptSource) {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	rt.opts.Preopt = src
}

// Sel is shorthand for Selectors.Intern.
func (rt *Runtime) Sel(name string) SEL { return rt.Selectors.Intern(name) }

// Collect reclaims all retired cache tables now.
func (rt *Runtime) Collect() int {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	return rt.reclaim.collect(true)
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

type runtimeStats struct {
	hits              atomic.Uint64
	misses            atomic.Uint64
	slowLookups       atomic.Uint64
	notFound          atomic.Uint64
	growths           atomic.Uint64
	flushes           atomic.Uint64
	preoptConversions atomic.Uint64
}

// Stats is a snapshot of runtime counters.
type Stats struct {
	Hits              uint64 // Lookups answered by a cache
	Misses            uint64 // Lookups that took the slow path
	SlowLookups       uint64 // Slow paths that resolved the selector
	NotFound          uint64 // Slow paths that found nothing
	Growths           uint64 // Cache tables replaced by bigger ones
	Flushes           uint64 // Cache invalidations
	PreoptConversions uint64 // Preoptimized caches made writable
	Retired           uint64 // Bucket arrays queued for reclamation
	RetiredBytes      uint64
	Reclaimed         uint64 // Bucket arrays made reusable
	ReclaimedBytes    uint64
	Classes           int
	Selectors         int
}

// HitRate returns the cache hit rate as a percentage (0-100).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) * 100 / float64(total)
}

// Stats returns a snapshot of the runtime counters.
func (rt *Runtime) Stats() Stats {
	return Stats{
		Hits:              rt.stats.hits.Load(),
		Misses:            rt.stats.misses.Load(),
		SlowLookups:       rt.stats.slowLookups.Load(),
		NotFound:          rt.stats.notFound.Load(),
		Growths:           rt.stats.growths.Load(),
		Flushes:           rt.stats.flushes.Load(),
		PreoptConversions: rt.stats.preoptConversions.Load(),
		Retired:           rt.reclaim.retired.Load(),
		RetiredBytes:      rt.reclaim.retiredBytes.Load(),
		Reclaimed:         rt.reclaim.reclaimed.Load(),
		ReclaimedBytes:    rt.reclaim.reclaimedBytes.Load(),
		Classes:           rt.Classes.Len(),
		Selectors:         rt.Selectors.Len(),
	}
}
