package vm

import (
	"fmt"
	"sync"
)

// SEL identifies a message selector. Two selectors are the same message iff
// they are equal. The zero SEL is nil.
//
// A SEL is the address of its NUL-terminated name in the selector section,
// so a selector can be stored as a 32-bit offset from the section base.
type SEL uintptr

// nameArena assigns addresses to NUL-terminated names packed back to back.
type nameArena struct {
	base   uintptr
	next   uintptr
	byName map[string]uintptr
	byAddr map[uintptr]string
	order  []string
}

func newNameArena(base uintptr) nameArena {
	return nameArena{
		base:   base,
		byName: make(map[string]uintptr),
		byAddr: make(map[uintptr]string),
		order:  make([]string, 0, 256),
	}
}

func (a *nameArena) add(name string) uintptr {
	size := uintptr(len(name)) + 1
	if a.next+size > regionSize {
		fatal(FatalExhaustion, "name section at %#x exhausted", a.base)
	}
	addr := a.base + a.next
	a.next += size
	a.byName[name] = addr
	a.byAddr[addr] = name
	a.order = append(a.order, name)
	return addr
}

// SelectorTable interns selector names.
//
// The table is append-only and safe for concurrent use. Interned selectors
// are never removed.
type SelectorTable struct {
	mu    sync.RWMutex
	arena nameArena
}

// NewSelectorTable creates a new empty selector table.
func NewSelectorTable() *SelectorTable {
	return &SelectorTable{arena: newNameArena(SelectorBase)}
}

// Intern returns the selector for name, creating it if needed.
// The empty name maps to the nil selector.
func (st *SelectorTable) Intern(name string) SEL {
	if name == "" {
		return 0
	}

	// Fast path: read-only lookup
	st.mu.RLock()
	if addr, ok := st.arena.byName[name]; ok {
		st.mu.RUnlock()
		return SEL(addr)
	}
	st.mu.RUnlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	// Double-check after acquiring write lock
	if addr, ok := st.arena.byName[name]; ok {
		return SEL(addr)
	}
	return SEL(st.arena.add(name))
}

// InternAll interns multiple selectors and returns them in order.
func (st *SelectorTable) InternAll(names ...string) []SEL {
	sels := make([]SEL, len(names))
	for i, name := range names {
		sels[i] = st.Intern(name)
	}
	return sels
}

// Lookup returns the selector for name without creating it.
func (st *SelectorTable) Lookup(name string) (SEL, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	addr, ok := st.arena.byName[name]
	return SEL(addr), ok
}

// Name returns the name of sel, or "" if sel is not interned here.
func (st *SelectorTable) Name(sel SEL) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.arena.byAddr[uintptr(sel)]
}

// Valid reports whether sel was issued by this table.
func (st *SelectorTable) Valid(sel SEL) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.arena.byAddr[uintptr(sel)]
	return ok
}

// Base returns the address of the selector section.
func (st *SelectorTable) Base() uintptr { return st.arena.base }

// Offset returns sel relative to the section base.
func (st *SelectorTable) Offset(sel SEL) (uint32, bool) {
	if uintptr(sel) < st.arena.base || uintptr(sel)-st.arena.base >= regionSize {
		return 0, false
	}
	return uint32(uintptr(sel) - st.arena.base), true
}

// Len returns the number of interned selectors.
func (st *SelectorTable) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.arena.order)
}

// All returns all selector names in section order.
func (st *SelectorTable) All() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	result := make([]string, len(st.arena.order))
	copy(result, st.arena.order)
	return result
}

// Preload interns names so that each lands at the same offset it had in the
// process that produced them. names must be in section order. Names that are
// already interned must already sit at their expected offset.
func (st *SelectorTable) Preload(names []string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	var off uintptr
	for _, name := range names {
		want := st.arena.base + off
		off += uintptr(len(name)) + 1
		if addr, ok := st.arena.byName[name]; ok {
			if addr != want {
				return fmt.Errorf("%w: %q at %#x, want %#x", ErrSelectorConflict, name, addr, want)
			}
			continue
		}
		if st.arena.base+st.arena.next != want {
			return fmt.Errorf("%w: %q would land at %#x, want %#x", ErrSelectorConflict, name, st.arena.base+st.arena.next, want)
		}
		st.arena.add(name)
	}
	return nil
}
