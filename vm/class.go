package vm

import (
	"iter"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Class: per-class dispatch state and metadata
// ---------------------------------------------------------------------------

// Class is a class known to a Runtime. Its superclass chain is acyclic and
// ends at a root whose superclass is nil.
type Class struct {
	rt         *Runtime
	name       string
	addr       uintptr
	superclass atomic.Pointer[Class]
	cache      Cache
	cell       atomic.Pointer[classCell]
	flags      atomic.Uint32

	// Guarded by the runtime lock.
	firstSubclass *Class
	nextSibling   *Class
}

func (rt *Runtime) newClass(name string, super *Class) *Class {
	c := &Class{rt: rt, name: name, addr: rt.Classes.allocAddress()}
	c.cache.cls = c
	if super != nil {
		c.superclass.Store(super)
	}
	return c
}

// Name returns the class name.
func (c *Class) Name() string { return c.name }

// Addr returns the class identity address.
func (c *Class) Addr() uintptr { return c.addr }

// Superclass returns the superclass, or nil for a root class.
func (c *Class) Superclass() *Class { return c.superclass.Load() }

// Cache returns the class's dispatch cache.
func (c *Class) Cache() *Cache { return &c.cache }

// Flags returns the RW flag word.
func (c *Class) Flags() uint32 { return c.flags.Load() }

func (c *Class) hasFlag(bit uint32) bool { return c.flags.Load()&bit != 0 }

func (c *Class) changeFlags(set, clear uint32) {
	for {
		old := c.flags.Load()
		if c.flags.CompareAndSwap(old, (old|set)&^clear) {
			return
		}
	}
}

// IsRealized reports whether the class has been realized.
func (c *Class) IsRealized() bool { return c.hasFlag(RWRealized) }

// IsFuture reports whether the class is a placeholder awaiting its definition.
func (c *Class) IsFuture() bool { return c.hasFlag(RWFuture) }

// IsInitialized reports whether the class's late initializer has run.
func (c *Class) IsInitialized() bool { return c.hasFlag(RWInitialized) }

// IsMeta reports whether the class is a metaclass.
func (c *Class) IsMeta() bool { return c.hasFlag(RWMeta) }

// IsRoot reports whether the class has no superclass.
func (c *Class) IsRoot() bool { return c.Superclass() == nil }

// RO returns the base record, or nil for an unresolved future class.
func (c *Class) RO() *ClassRO {
	cell := c.cell.Load()
	switch {
	case cell == nil:
		return nil
	case cell.ext != nil:
		return cell.ext.RO()
	default:
		return cell.ro
	}
}

// Ext returns the extension record, or nil if the class was never extended.
func (c *Class) Ext() *ClassRWExt {
	if cell := c.cell.Load(); cell != nil {
		return cell.ext
	}
	return nil
}

// extAllocIfNeeded promotes the metadata cell to an extension record.
// Requires the runtime lock.
func (c *Class) extAllocIfNeeded() *ClassRWExt {
	c.rt.lock.assertLocked()
	old := c.cell.Load()
	if old != nil && old.ext != nil {
		return old.ext
	}
	var ro *ClassRO
	if old != nil {
		ro = old.ro
	}
	if ro == nil {
		ro = &ClassRO{Name: c.name}
	}
	ext := newClassRWExt(ro)
	if !c.cell.CompareAndSwap(old, &classCell{ext: ext}) {
		fatal(FatalCorruption, "metadata cell of %s changed without the runtime lock", c.name)
	}
	log.Debugf("extended class %s", c.name)
	return ext
}

// setRO replaces the base record. Requires the runtime lock.
func (c *Class) setRO(ro *ClassRO) {
	c.rt.lock.assertLocked()
	if ext := c.Ext(); ext != nil {
		ext.ro.Store(ro)
		return
	}
	c.cell.Store(&classCell{ro: ro})
}

// InstanceSize returns the instance size in bytes.
func (c *Class) InstanceSize() uint32 {
	if ro := c.RO(); ro != nil {
		return ro.InstanceSize
	}
	return 0
}

// DisplayName returns the demangled class name, cached on the extension
// record when there is one.
func (c *Class) DisplayName() string {
	ext := c.Ext()
	if ext != nil {
		if p := ext.demangledName.Load(); p != nil {
			return *p
		}
	}
	name := demangleName(c.name)
	if ext != nil {
		ext.demangledName.CompareAndSwap(nil, &name)
	}
	return name
}

// MethodLists returns a snapshot of the method lists, oldest first.
func (c *Class) MethodLists() []*RecordList[Method] {
	if ext := c.Ext(); ext != nil {
		return ext.methods.Lists()
	}
	if ro := c.RO(); ro != nil && ro.BaseMethods != nil {
		return []*RecordList[Method]{ro.BaseMethods}
	}
	return nil
}

// Methods yields this class's own methods, base list first. Entry points
// reflect replaced implementations. Callers wanting a consistent snapshot
// hold the runtime lock.
func (c *Class) Methods() iter.Seq[Method] {
	return func(yield func(Method) bool) {
		for _, l := range c.MethodLists() {
			for i := 0; i < l.Count(); i++ {
				m := l.Get(i)
				m.Imp = c.rt.effectiveImp(l, i, m.Imp)
				if !yield(m) {
					return
				}
			}
		}
	}
}

// Properties yields this class's own properties.
func (c *Class) Properties() iter.Seq[Property] {
	if ext := c.Ext(); ext != nil {
		return ext.properties.All()
	}
	return baseSeq(c.RO(), func(ro *ClassRO) *RecordList[Property] { return ro.BaseProperties })
}

// Protocols yields this class's own protocol references.
func (c *Class) Protocols() iter.Seq[ProtocolRef] {
	if ext := c.Ext(); ext != nil {
		return ext.protocols.All()
	}
	return baseSeq(c.RO(), func(ro *ClassRO) *RecordList[ProtocolRef] { return ro.BaseProtocols })
}

func baseSeq[T any](ro *ClassRO, pick func(*ClassRO) *RecordList[T]) iter.Seq[T] {
	if ro == nil || pick(ro) == nil {
		return func(func(T) bool) {}
	}
	return pick(ro).All()
}

// IsSubclassOf returns true if c is a subclass of other (or is the same class).
func (c *Class) IsSubclassOf(other *Class) bool {
	for current := c; current != nil; current = current.Superclass() {
		if current == other {
			return true
		}
	}
	return false
}

// IsSuperclassOf returns true if c is a superclass of other (or is the same class).
func (c *Class) IsSuperclassOf(other *Class) bool {
	return other.IsSubclassOf(c)
}

// ---------------------------------------------------------------------------
// Subclass links
// ---------------------------------------------------------------------------

func (c *Class) addSubclass(sub *Class) {
	c.rt.lock.assertLocked()
	sub.nextSibling = c.firstSubclass
	c.firstSubclass = sub
}

func (c *Class) removeSubclass(sub *Class) {
	c.rt.lock.assertLocked()
	for p := &c.firstSubclass; *p != nil; p = &(*p).nextSibling {
		if *p == sub {
			*p = sub.nextSibling
			sub.nextSibling = nil
			return
		}
	}
}

// Subclasses returns the direct realized subclasses. Requires the runtime lock.
func (c *Class) Subclasses() []*Class {
	c.rt.lock.assertLocked()
	var out []*Class
	for s := c.firstSubclass; s != nil; s = s.nextSibling {
		out = append(out, s)
	}
	return out
}

// eachRealizedInTree visits c and every realized class below it.
// Requires the runtime lock.
func (c *Class) eachRealizedInTree(fn func(*Class)) {
	stack := []*Class{c}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !cur.IsRealized() {
			continue
		}
		fn(cur)
		for s := cur.firstSubclass; s != nil; s = s.nextSibling {
			stack = append(stack, s)
		}
	}
}

// ---------------------------------------------------------------------------
// ClassTable: class registry
// ---------------------------------------------------------------------------

// ClassTable manages registered classes by name and identity address.
// It's thread-safe for concurrent access.
type ClassTable struct {
	mu       sync.RWMutex
	classes  map[string]*Class
	byAddr   map[uintptr]*Class
	order    []*Class
	nextAddr uintptr
}

// NewClassTable creates a new empty class table.
func NewClassTable() *ClassTable {
	return &ClassTable{
		classes:  make(map[string]*Class),
		byAddr:   make(map[uintptr]*Class),
		nextAddr: ClassBase,
	}
}

func (ct *ClassTable) allocAddress() uintptr {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.nextAddr+classStride > ClassBase+regionSize {
		fatal(FatalExhaustion, "class address space exhausted")
	}
	addr := ct.nextAddr
	ct.nextAddr += classStride
	return addr
}

// Register adds a class to the table.
// Returns the previous class with this name, or nil.
func (ct *ClassTable) Register(c *Class) *Class {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	old := ct.classes[c.name]
	if old == c {
		return nil
	}
	if old != nil {
		ct.dropLocked(old)
	}
	ct.classes[c.name] = c
	ct.byAddr[c.addr] = c
	ct.order = append(ct.order, c)
	return old
}

// Remove unregisters c.
func (ct *ClassTable) Remove(c *Class) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.classes[c.name] == c {
		ct.dropLocked(c)
	}
}

func (ct *ClassTable) dropLocked(c *Class) {
	delete(ct.classes, c.name)
	delete(ct.byAddr, c.addr)
	for i, o := range ct.order {
		if o == c {
			ct.order = append(ct.order[:i], ct.order[i+1:]...)
			break
		}
	}
}

// Lookup finds a class by name.
func (ct *ClassTable) Lookup(name string) *Class {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.classes[name]
}

// ByAddress finds a class by identity address.
func (ct *ClassTable) ByAddress(addr uintptr) *Class {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.byAddr[addr]
}

// Has returns true if a class with this name is registered.
func (ct *ClassTable) Has(name string) bool {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	_, ok := ct.classes[name]
	return ok
}

// All returns all registered classes in registration order.
func (ct *ClassTable) All() []*Class {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	result := make([]*Class, len(ct.order))
	copy(result, ct.order)
	return result
}

// Len returns the number of registered classes.
func (ct *ClassTable) Len() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.order)
}

// Version returns the class version number.
func (c *Class) Version() uint32 {
	if ext := c.Ext(); ext != nil {
		return ext.Version()
	}
	return 0
}

// SetVersion sets the class version number, extending the class if needed.
func (rt *Runtime) SetVersion(cls *Class, v uint32) {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	cls.extAllocIfNeeded().version.Store(v)
}
