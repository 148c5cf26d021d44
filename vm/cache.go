package vm

import (
	"iter"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Cache capacity limits.
const (
	DefaultMinCapacity uint32 = 4
	DefaultMaxCapacity uint32 = 1 << 16
)

const maxFallbackDepth = 8

type tableKind uint8

const (
	tableEmpty tableKind = iota
	tableDynamic
	tablePreopt
)

type bucket struct {
	sel atomic.Uintptr
	imp atomic.Uintptr
}

// bucketTable is published as one unit: kind, capacity, mask and the bucket
// array never change while the table is reachable from a cache.
type bucketTable struct {
	kind            tableKind
	capacity        uint32
	mask            uint32
	buckets         []bucket
	maxDisplacement atomic.Uint32
	preopt          *PreoptCache
	fallback        *Class
}

// Empty sentinels: index 0 has no capacity, index k+1 remembers capacity 1<<k.
var emptyTables = func() (t [18]*bucketTable) {
	t[0] = &bucketTable{kind: tableEmpty}
	for k := range 17 {
		t[k+1] = &bucketTable{kind: tableEmpty, capacity: 1 << k}
	}
	return t
}()

func emptyTableFor(capacity uint32) *bucketTable {
	if capacity == 0 {
		return emptyTables[0]
	}
	return emptyTables[bits.TrailingZeros32(capacity)+1]
}

func cacheHash(sel SEL, mask uint32) uint32 {
	v := uintptr(sel)
	v ^= v >> 7
	return uint32(v) & mask
}

// Cache memoizes selector to entry point resolutions for one class.
//
// Get never blocks and may run concurrently with anything. Insert and
// Flush require the runtime lock.
type Cache struct {
	cls      *Class
	table    atomic.Pointer[bucketTable]
	occupied atomic.Uint32

	// Guarded by the runtime lock.
	original *PreoptCache
}

func (c *Cache) load() *bucketTable {
	if t := c.table.Load(); t != nil {
		return t
	}
	return emptyTables[0]
}

// Get returns the cached entry point for sel.
func (c *Cache) Get(sel SEL) (IMP, bool) {
	if sel == 0 {
		return 0, false
	}
	g := c.cls.rt.reclaim.pin()
	defer g.unpin()
	return c.getPinned(sel, 0)
}

func (c *Cache) getPinned(sel SEL, depth int) (IMP, bool) {
	t := c.load()
	switch t.kind {
	case tableDynamic:
		return c.find(t, sel)
	case tablePreopt:
		if imp, ok := t.preopt.lookup(c.cls, sel); ok {
			return imp, true
		}
		if depth < maxFallbackDepth {
			if t.fallback != nil {
				return t.fallback.cache.getPinned(sel, depth+1)
			}
		}
	}
	return 0, false
}

func (c *Cache) find(t *bucketTable, sel SEL) (IMP, bool) {
	begin := cacheHash(sel, t.mask)
	i := begin
	var disp uint32
	for {
		b := &t.buckets[i]
		switch SEL(b.sel.Load()) {
		case sel:
			if disp > t.maxDisplacement.Load() {
				fatal(FatalCorruption, "selector %#x found %d slots from home in cache of %s, limit %d",
					uintptr(sel), disp, c.cls.name, t.maxDisplacement.Load())
			}
			return c.decode(b, sel), true
		case 0:
			return 0, false
		}
		i = (i + 1) & t.mask
		disp++
		if i == begin {
			fatal(FatalCorruption, "probe for selector %#x wrapped the full cache of %s", uintptr(sel), c.cls.name)
		}
	}
}

func (c *Cache) modifier(b *bucket, sel SEL) impModifier {
	return impModifier{bucket: uintptr(unsafe.Pointer(b)), sel: sel, cls: c.cls.addr}
}

func (c *Cache) decode(b *bucket, sel SEL) IMP {
	imp, ok := c.cls.rt.encoding.decode(b.imp.Load(), c.modifier(b, sel))
	if !ok {
		fatal(FatalCorruption, "entry point for selector %#x in cache of %s failed validation", uintptr(sel), c.cls.name)
	}
	return imp
}

// Insert records sel -> imp. An existing entry for sel is left alone.
// Requires the runtime lock.
func (c *Cache) Insert(sel SEL, imp IMP) {
	rt := c.cls.rt
	rt.lock.assertLocked()
	if sel == 0 || imp == 0 {
		return
	}

	t := c.load()
	switch t.kind {
	case tablePreopt:
		c.convertPreopt(t)
		t = c.load()
	case tableDynamic:
		if _, ok := c.find(t, sel); ok {
			return
		}
	}

	newOccupied := c.occupied.Load() + 1
	capacity := t.capacity
	switch {
	case t.kind == tableEmpty:
		if capacity == 0 {
			capacity = rt.opts.MinCapacity
		}
		t = c.reallocate(t, capacity)
	case newOccupied <= capacity/4*3:
	default:
		capacity *= 2
		if capacity > rt.opts.MaxCapacity {
			capacity = rt.opts.MaxCapacity
		}
		t = c.reallocate(t, capacity)
	}

	begin := cacheHash(sel, t.mask)
	i := begin
	var disp uint32
	for {
		b := &t.buckets[i]
		switch SEL(b.sel.Load()) {
		case 0:
			if disp > t.maxDisplacement.Load() {
				t.maxDisplacement.Store(disp)
			}
			c.occupied.Add(1)
			b.imp.Store(rt.encoding.encode(imp, c.modifier(b, sel)))
			b.sel.Store(uintptr(sel))
			return
		case sel:
			return
		}
		i = (i + 1) & t.mask
		disp++
		if i == begin {
			fatal(FatalCorruption, "no free slot for selector %#x in cache of %s", uintptr(sel), c.cls.name)
		}
	}
}

// reallocate publishes a fresh table. Entries are not carried over.
func (c *Cache) reallocate(old *bucketTable, capacity uint32) *bucketTable {
	rt := c.cls.rt
	t := rt.reclaim.allocate(capacity)
	c.table.Store(t)
	c.occupied.Store(0)
	if old.kind == tableDynamic {
		rt.stats.growths.Add(1)
		log.Debugf("cache of %s reallocated from %d to %d buckets", c.cls.name, old.capacity, capacity)
		rt.reclaim.retire(old)
		rt.reclaim.collect(false)
	}
	return t
}

func (c *Cache) convertPreopt(t *bucketTable) {
	rt := c.cls.rt
	c.original = t.preopt
	c.table.Store(emptyTables[0])
	c.occupied.Store(0)
	rt.stats.preoptConversions.Add(1)
	log.Infof("cache of %s converted from preoptimized to dynamic", c.cls.name)
}

// Flush empties the cache. A dynamic cache keeps its capacity. Requires the
// runtime lock.
func (c *Cache) Flush() {
	rt := c.cls.rt
	rt.lock.assertLocked()
	t := c.load()
	switch t.kind {
	case tablePreopt:
		c.convertPreopt(t)
	case tableDynamic:
		if c.occupied.Load() == 0 {
			return
		}
		c.table.Store(emptyTableFor(t.capacity))
		c.occupied.Store(0)
		rt.reclaim.retire(t)
		rt.reclaim.collect(false)
	default:
		return
	}
	rt.stats.flushes.Add(1)
}

// ShouldFlush reports whether the cache currently maps sel to imp, i.e.
// whether changing imp makes this cache stale.
func (c *Cache) ShouldFlush(sel SEL, imp IMP) bool {
	got, ok := c.Get(sel)
	return ok && got == imp
}

// Contains reports whether sel is cached.
func (c *Cache) Contains(sel SEL) bool {
	_, ok := c.Get(sel)
	return ok
}

// initPreopt publishes p. The fallback class is resolved here so readers
// never consult the class table. Requires the runtime lock.
func (c *Cache) initPreopt(p *PreoptCache) {
	c.table.Store(&bucketTable{
		kind:     tablePreopt,
		capacity: uint32(p.Capacity()),
		preopt:   p,
		fallback: p.fallbackClass(c.cls),
	})
	c.occupied.Store(uint32(p.Occupied()))
}

func (c *Cache) dispose() {
	rt := c.cls.rt
	t := c.load()
	c.table.Store(emptyTables[0])
	c.occupied.Store(0)
	rt.reclaim.retire(t)
}

// Capacity returns the number of buckets, or the remembered capacity of a
// flushed cache.
func (c *Cache) Capacity() uint32 { return c.load().capacity }

// Occupied returns the number of filled buckets.
func (c *Cache) Occupied() uint32 { return c.occupied.Load() }

// IsPreoptimized reports whether the cache still uses a read-only table.
func (c *Cache) IsPreoptimized() bool { return c.load().kind == tablePreopt }

// Entries yields the dynamic entries in bucket order. The loop body must
// not insert into or flush any cache.
func (c *Cache) Entries() iter.Seq2[SEL, IMP] {
	return func(yield func(SEL, IMP) bool) {
		g := c.cls.rt.reclaim.pin()
		defer g.unpin()
		t := c.load()
		if t.kind != tableDynamic {
			return
		}
		for i := range t.buckets {
			b := &t.buckets[i]
			sel := SEL(b.sel.Load())
			if sel == 0 {
				continue
			}
			if !yield(sel, c.decode(b, sel)) {
				return
			}
		}
	}
}
