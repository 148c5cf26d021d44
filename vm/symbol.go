package vm

import "sync"

// ---------------------------------------------------------------------------
// StringPool: interned metadata strings
// ---------------------------------------------------------------------------

// StringPool interns type encodings, class names and property attributes so
// records can refer to them by address.
type StringPool struct {
	mu    sync.RWMutex
	arena nameArena
}

// NewStringPool creates a new empty string pool.
func NewStringPool() *StringPool {
	return &StringPool{arena: newNameArena(StringBase)}
}

// Intern returns the address of s, adding it if needed. The empty string
// has address 0.
func (sp *StringPool) Intern(s string) uintptr {
	if s == "" {
		return 0
	}

	// Fast path: read-only lookup
	sp.mu.RLock()
	if addr, ok := sp.arena.byName[s]; ok {
		sp.mu.RUnlock()
		return addr
	}
	sp.mu.RUnlock()

	sp.mu.Lock()
	defer sp.mu.Unlock()

	// Double-check after acquiring write lock
	if addr, ok := sp.arena.byName[s]; ok {
		return addr
	}
	return sp.arena.add(s)
}

// String returns the string at addr, or "" if addr is unknown.
func (sp *StringPool) String(addr uintptr) string {
	if addr == 0 {
		return ""
	}
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.arena.byAddr[addr]
}

// Len returns the number of interned strings.
func (sp *StringPool) Len() int {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return len(sp.arena.order)
}
