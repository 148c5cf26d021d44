package vm

import (
	"math/rand/v2"
	"runtime"
	"sync/atomic"

	"github.com/chazu/dispatch/vm/layout"
)

// DefaultGarbageThreshold is the retired byte count that triggers reclamation.
const DefaultGarbageThreshold = 32 * 1024

const maxFreeTablesPerCapacity = 8

// readerShards spreads reader counts over separate cache lines. Power of two.
const readerShards = 16

type readerCount struct {
	n atomic.Int64
	_ [56]byte
}

// reclaimer defers reuse of retired bucket arrays until no reader can still
// be probing them. Readers pin the current epoch for the duration of one
// probe; reclamation advances the epoch and waits for the previous epoch's
// readers to drain. Each reader counts itself in one shard of its epoch's
// slot; a shard never goes negative.
type reclaimer struct {
	epoch  atomic.Uint64
	active [2][readerShards]readerCount

	// Guarded by the runtime lock.
	threshold    int
	garbage      []*bucketTable
	garbageBytes int
	free         map[uint32][]*bucketTable

	retired        atomic.Uint64
	retiredBytes   atomic.Uint64
	reclaimed      atomic.Uint64
	reclaimedBytes atomic.Uint64
}

func newReclaimer(threshold int) *reclaimer {
	if threshold <= 0 {
		threshold = DefaultGarbageThreshold
	}
	return &reclaimer{threshold: threshold, free: make(map[uint32][]*bucketTable)}
}

type readGuard struct {
	c *readerCount
}

func (r *reclaimer) pin() readGuard {
	shard := rand.Uint32() & (readerShards - 1)
	for {
		e := r.epoch.Load()
		c := &r.active[e&1][shard]
		c.n.Add(1)
		if r.epoch.Load() == e {
			return readGuard{c: c}
		}
		c.n.Add(-1)
	}
}

func (g readGuard) unpin() { g.c.n.Add(-1) }

// drain waits until every shard of slot reads zero. A reader that arrives
// at a shard after it was seen empty observes the new epoch and backs out.
func (r *reclaimer) drain(slot uint64) {
	for i := range r.active[slot] {
		for r.active[slot][i].n.Load() != 0 {
			runtime.Gosched()
		}
	}
}

func tableBytes(t *bucketTable) int { return len(t.buckets) * layout.BucketSize }

// retire queues a table that is no longer published. Requires the runtime lock.
func (r *reclaimer) retire(t *bucketTable) {
	if t == nil || t.kind != tableDynamic {
		return
	}
	r.garbage = append(r.garbage, t)
	r.garbageBytes += tableBytes(t)
	r.retired.Add(1)
	r.retiredBytes.Add(uint64(tableBytes(t)))
}

// collect reuses retired tables once readers have drained. Unless force is
// set it does nothing below the garbage threshold. Requires the runtime lock
// and must not be called by a goroutine holding a read guard.
func (r *reclaimer) collect(force bool) int {
	if len(r.garbage) == 0 {
		return 0
	}
	if !force && r.garbageBytes < r.threshold {
		return 0
	}

	r.drain((r.epoch.Add(1) - 1) & 1)

	n := len(r.garbage)
	for _, t := range r.garbage {
		r.reclaimed.Add(1)
		r.reclaimedBytes.Add(uint64(tableBytes(t)))
		capacity := uint32(len(t.buckets))
		if len(r.free[capacity]) < maxFreeTablesPerCapacity {
			r.free[capacity] = append(r.free[capacity], t)
		}
	}
	log.Debugf("reclaimed %d bucket arrays (%d bytes)", n, r.garbageBytes)
	clear(r.garbage)
	r.garbage = r.garbage[:0]
	r.garbageBytes = 0
	return n
}

// allocate returns a zeroed dynamic table. Requires the runtime lock.
func (r *reclaimer) allocate(capacity uint32) *bucketTable {
	if pool := r.free[capacity]; len(pool) > 0 {
		t := pool[len(pool)-1]
		pool[len(pool)-1] = nil
		r.free[capacity] = pool[:len(pool)-1]
		for i := range t.buckets {
			t.buckets[i].sel.Store(0)
			t.buckets[i].imp.Store(0)
		}
		t.maxDisplacement.Store(0)
		return t
	}
	return &bucketTable{
		kind:     tableDynamic,
		capacity: capacity,
		mask:     capacity - 1,
		buckets:  make([]bucket, capacity),
	}
}
