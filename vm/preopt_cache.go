package vm

import (
	"fmt"
	"iter"

	"github.com/chazu/dispatch/vm/layout"
)

// PreoptCache is a read-only dispatch table built outside the process,
// usually backed by a shared mapping. Entries store the selector as an offset
// from the selector section base and the entry point as an offset below the
// owning class's address.
type PreoptCache struct {
	header  layout.PreoptHeader
	entries []byte
	selBase uintptr
}

// NewPreoptCache wraps the table at the start of b without copying it.
func NewPreoptCache(b []byte, selBase uintptr) (*PreoptCache, error) {
	h, err := layout.DecodePreoptHeader(b)
	if err != nil {
		return nil, err
	}
	if len(b) < h.TableSize() {
		return nil, fmt.Errorf("preopt table of %d entries: %w", h.Capacity(), layout.ErrTruncated)
	}
	return &PreoptCache{
		header:  h,
		entries: b[layout.PreoptHeaderSize:h.TableSize()],
		selBase: selBase,
	}, nil
}

// Capacity returns the number of entry slots.
func (p *PreoptCache) Capacity() int { return p.header.Capacity() }

// Occupied returns the number of filled slots.
func (p *PreoptCache) Occupied() int { return int(p.header.Occupied) }

// Header returns the decoded table header.
func (p *PreoptCache) Header() layout.PreoptHeader { return p.header }

func (p *PreoptCache) entry(i uint32) layout.PreoptEntry {
	e, err := layout.DecodePreoptEntry(p.entries, int(i))
	if err != nil {
		fatal(FatalCorruption, "preopt entry %d: %v", i, err)
	}
	return e
}

func (p *PreoptCache) lookup(cls *Class, sel SEL) (IMP, bool) {
	if uintptr(sel) < p.selBase || uintptr(sel)-p.selBase >= uintptr(layout.PreoptEmptySel) {
		return 0, false
	}
	offs := uint32(uintptr(sel) - p.selBase)
	mask := uint32(p.header.Mask)
	begin := (offs >> p.header.Shift) & mask
	i := begin
	for {
		e := p.entry(i)
		switch e.SelOffs {
		case offs:
			return IMP(cls.addr - uintptr(e.ImpOffs)), true
		case layout.PreoptEmptySel:
			return 0, false
		}
		i = (i + 1) & mask
		if i == begin {
			return 0, false
		}
	}
}

func (p *PreoptCache) fallbackClass(cls *Class) *Class {
	if p.header.FallbackClassOffset == 0 {
		return nil
	}
	addr := uintptr(int64(cls.addr) + int64(p.header.FallbackClassOffset))
	return cls.rt.Classes.ByAddress(addr)
}

// Entries yields (selector offset, entry point offset) for each filled slot.
func (p *PreoptCache) Entries() iter.Seq2[uint32, uint32] {
	return func(yield func(uint32, uint32) bool) {
		for i := range uint32(p.Capacity()) {
			e := p.entry(i)
			if e.Empty() {
				continue
			}
			if !yield(e.SelOffs, e.ImpOffs) {
				return
			}
		}
	}
}

// PreoptSource supplies read-only tables for classes as they are realized.
// A source must only return a table built for a class at addr.
type PreoptSource interface {
	PreoptTable(name string, addr uintptr) (*PreoptCache, bool)
}
