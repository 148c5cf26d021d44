package sharedcache

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"slices"

	"github.com/chazu/dispatch/vm"
	"github.com/chazu/dispatch/vm/layout"
	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// MaxTableSlots is the largest table a class can get.
const MaxTableSlots = 1 << layout.PreoptMaxMaskBits

// ErrTableFull indicates a class responds to more selectors than a table
// can hold.
var ErrTableFull = errors.New("sharedcache: too many selectors for one table")

// BuildOptions controls Build.
type BuildOptions struct {
	// UUID identifies the file. A zero UUID gets a random one.
	UUID uuid.UUID
}

type slot struct {
	selOffs uint32
	impOffs uint32
}

type builtTable struct {
	name  string
	addr  uintptr
	bytes []byte
}

// Build writes a shared cache file for every class registered in rt. Each
// class gets a table of every selector it responds to. A class that defines
// no methods of its own gets an empty table that falls back to its
// superclass. Classes are realized as a side effect.
func Build(rt *vm.Runtime, opts BuildOptions) ([]byte, error) {
	id := opts.UUID
	if id == uuid.Nil {
		id = uuid.New()
	}

	var tables []builtTable
	for _, cls := range rt.Classes.All() {
		b, ok, err := buildTable(rt, cls)
		if err != nil {
			return nil, fmt.Errorf("class %s: %w", cls.Name(), err)
		}
		if ok {
			tables = append(tables, builtTable{name: cls.Name(), addr: cls.Addr(), bytes: b})
		}
	}
	sels := rt.Selectors.All()

	size := headerSize + len(tables)*dirEntrySize
	namesOff := size
	for _, t := range tables {
		size += len(t.name)
	}
	selNamesOff := size
	for _, s := range sels {
		size += len(s) + 1
	}
	selNamesLen := size - selNamesOff
	tableOffs := make([]int, len(tables))
	for i, t := range tables {
		size = align8(size)
		tableOffs[i] = size
		size += len(t.bytes)
	}
	if uint64(size) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: file of %d bytes", ErrCorrupt, size)
	}

	out := make([]byte, size)
	nameOff := namesOff
	for i, t := range tables {
		dirEntry{
			NameOff:   uint32(nameOff),
			NameLen:   uint32(len(t.name)),
			TableOff:  uint32(tableOffs[i]),
			TableLen:  uint32(len(t.bytes)),
			ClassAddr: uint64(t.addr),
		}.put(out[headerSize+i*dirEntrySize:])
		nameOff += copy(out[nameOff:], t.name)
		copy(out[tableOffs[i]:], t.bytes)
	}
	p := selNamesOff
	for _, s := range sels {
		p += copy(out[p:], s) + 1
	}

	header{
		Version:     Version,
		UUID:        id,
		SelBase:     uint64(rt.Selectors.Base()),
		Checksum:    xxh3.Hash(out[headerSize:]),
		ClassCount:  uint32(len(tables)),
		SelNamesOff: uint32(selNamesOff),
		SelNamesLen: uint32(selNamesLen),
	}.put(out)

	log.Infof("built shared cache %s: %d tables, %d selectors, %d bytes", id, len(tables), len(sels), len(out))
	return out, nil
}

func align8(n int) int { return (n + 7) &^ 7 }

// buildTable returns the encoded table for cls, or false when cls gets none.
func buildTable(rt *vm.Runtime, cls *vm.Class) ([]byte, bool, error) {
	impls, err := rt.Implementations(cls)
	if err != nil {
		log.Debugf("skipping %s: %v", cls.Name(), err)
		return nil, false, nil
	}

	own := 0
	for _, l := range cls.MethodLists() {
		own += l.Count()
	}
	if own == 0 {
		super := cls.Superclass()
		if super == nil {
			return nil, false, nil
		}
		h := layout.PreoptHeader{
			FallbackClassOffset: int32(int64(super.Addr()) - int64(cls.Addr())),
			BitOne:              true,
		}
		return encodeTable(h, []layout.PreoptEntry{{SelOffs: layout.PreoptEmptySel}})
	}

	entries := make([]slot, 0, len(impls))
	for sel, imp := range impls {
		offs, ok := rt.Selectors.Offset(sel)
		if !ok || offs == layout.PreoptEmptySel {
			return nil, false, fmt.Errorf("%w: selector %#x outside the section", ErrCorrupt, uintptr(sel))
		}
		if uintptr(imp) > cls.Addr() || cls.Addr()-uintptr(imp) > math.MaxUint32 {
			log.Debugf("skipping %s: entry point %#x not addressable from the class", cls.Name(), uintptr(imp))
			return nil, false, nil
		}
		entries = append(entries, slot{selOffs: offs, impOffs: uint32(cls.Addr() - uintptr(imp))})
	}
	slices.SortFunc(entries, func(a, b slot) int { return cmp.Compare(a.selOffs, b.selOffs) })

	h, placed, err := placeTable(entries, MaxTableSlots)
	if err != nil {
		log.Debugf("skipping %s: %v", cls.Name(), err)
		return nil, false, nil
	}
	return encodeTable(h, placed)
}

func encodeTable(h layout.PreoptHeader, entries []layout.PreoptEntry) ([]byte, bool, error) {
	b := make([]byte, h.TableSize())
	if err := h.Put(b); err != nil {
		return nil, false, err
	}
	for i, e := range entries {
		if err := e.Put(b[layout.PreoptHeaderSize+i*layout.PreoptEntrySize:]); err != nil {
			return nil, false, err
		}
	}
	return b, true, nil
}

// placeTable picks the smallest capacity and shift under which every entry
// lands in its own home slot. Failing that it falls back to linear probing
// from (offset & mask), which lookups also handle.
func placeTable(entries []slot, maxSlots int) (layout.PreoptHeader, []layout.PreoptEntry, error) {
	n := len(entries)
	if n > layout.PreoptMaxOccupied {
		return layout.PreoptHeader{}, nil, ErrTableFull
	}
	minCap := 1
	if n > 1 {
		minCap = 1 << bits.Len(uint(n-1))
	}

	for capacity := minCap; capacity <= maxSlots; capacity <<= 1 {
		mask := uint32(capacity - 1)
		for shift := uint8(0); shift <= layout.PreoptMaxShift; shift++ {
			if placed, ok := placePerfect(entries, shift, mask); ok {
				return tableHeader(shift, mask, n), placed, nil
			}
		}
	}

	capacity := minCap
	for capacity*3 < n*4 {
		capacity <<= 1
	}
	if capacity > maxSlots {
		return layout.PreoptHeader{}, nil, ErrTableFull
	}
	mask := uint32(capacity - 1)
	placed := emptyEntries(capacity)
	for _, e := range entries {
		i := e.selOffs & mask
		for !placed[i].Empty() {
			i = (i + 1) & mask
		}
		placed[i] = layout.PreoptEntry{SelOffs: e.selOffs, ImpOffs: e.impOffs}
	}
	return tableHeader(0, mask, n), placed, nil
}

func tableHeader(shift uint8, mask uint32, n int) layout.PreoptHeader {
	return layout.PreoptHeader{Shift: shift, Mask: uint16(mask), Occupied: uint16(n), BitOne: true}
}

func placePerfect(entries []slot, shift uint8, mask uint32) ([]layout.PreoptEntry, bool) {
	placed := emptyEntries(int(mask) + 1)
	for _, e := range entries {
		i := (e.selOffs >> shift) & mask
		if !placed[i].Empty() {
			return nil, false
		}
		placed[i] = layout.PreoptEntry{SelOffs: e.selOffs, ImpOffs: e.impOffs}
	}
	return placed, true
}

func emptyEntries(n int) []layout.PreoptEntry {
	out := make([]layout.PreoptEntry, n)
	for i := range out {
		out[i].SelOffs = layout.PreoptEmptySel
	}
	return out
}
