package vm

import (
	"fmt"

	"github.com/chazu/dispatch/vm/layout"
)

// RegisterClass makes ro known under ro.Name with superclass super, which
// must already be registered (or be a future class). Registering the name of
// a future class fills that placeholder and realizes it.
func (rt *Runtime) RegisterClass(ro *ClassRO, super *Class) (*Class, error) {
	if ro == nil || ro.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidClass)
	}
	if super != nil && super.rt != rt {
		return nil, fmt.Errorf("%w: superclass %s belongs to another runtime", ErrInvalidClass, super.name)
	}

	rt.lock.Lock()
	defer rt.lock.Unlock()

	if existing := rt.Classes.Lookup(ro.Name); existing != nil {
		if !existing.IsFuture() || existing.RO() != nil {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateClass, ro.Name)
		}
		if super != nil && super.IsSubclassOf(existing) {
			return nil, fmt.Errorf("%w: %s above itself", ErrCycle, ro.Name)
		}
		existing.superclass.Store(super)
		existing.cell.Store(&classCell{ro: ro})
		log.Debugf("resolved future class %s", ro.Name)
		if super == nil || super.RO() != nil {
			if err := rt.realizeClass(existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	cls := rt.newClass(ro.Name, super)
	cls.cell.Store(&classCell{ro: ro})
	rt.Classes.Register(cls)
	return cls, nil
}

// FutureClass returns the class named name, creating an unresolved
// placeholder if none exists yet. The placeholder may be used as a
// superclass before its definition is registered.
func (rt *Runtime) FutureClass(name string) *Class {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	if c := rt.Classes.Lookup(name); c != nil {
		return c
	}
	c := rt.newClass(name, nil)
	c.changeFlags(RWFuture, 0)
	rt.Classes.Register(c)
	return c
}

// Realize realizes cls and its superclasses.
func (rt *Runtime) Realize(cls *Class) error {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	return rt.realizeAndInitialize(cls)
}

// realizeClass prepares cls for dispatch: superclasses first, subclass
// links, queued categories, then cache. Requires the runtime lock.
func (rt *Runtime) realizeClass(cls *Class) error {
	rt.lock.assertLocked()
	if cls.IsRealized() {
		return nil
	}
	ro := cls.RO()
	if ro == nil {
		return fmt.Errorf("%w: %s", ErrUnresolvedFuture, cls.name)
	}
	if cls.hasFlag(RWRealizing) {
		fatal(FatalCorruption, "superclass chain of %s loops", cls.name)
	}
	cls.changeFlags(RWRealizing, 0)

	super := cls.Superclass()
	if super != nil {
		if err := rt.realizeClass(super); err != nil {
			cls.changeFlags(0, RWRealizing)
			return fmt.Errorf("realize %s: %w", cls.name, err)
		}
		super.addSubclass(cls)
		if super.hasFlag(rwNoPreopt) {
			cls.changeFlags(rwNoPreopt, 0)
		}
	}

	var set uint32
	if ro.Flags&ROMeta != 0 {
		set |= RWMeta
	}
	if !ro.hasInitializer() {
		set |= RWInitialized
	}
	if ro.BaseMethods != nil {
		ro.BaseMethods.setFlag(layout.MethodListFixedUp)
	}

	if cats := rt.unattached[cls]; len(cats) > 0 {
		delete(rt.unattached, cls)
		for _, cat := range cats {
			rt.attachLists(cls, cat)
			if cat.Methods.Count() > 0 {
				cls.changeFlags(rwNoPreopt, 0)
			}
		}
		log.Debugf("attached %d queued categories to %s", len(cats), cls.name)
	}

	if src := rt.opts.Preopt; src != nil && !cls.hasFlag(rwNoPreopt) {
		if p, ok := src.PreoptTable(cls.name, cls.addr); ok {
			cls.cache.initPreopt(p)
		}
	}

	cls.changeFlags(RWRealized|set, RWRealizing|RWFuture)
	log.Debugf("realized class %s at %#x", cls.name, cls.addr)
	return nil
}

// realizeAndInitialize realizes cls, then runs pending initializers from the
// root down with the lock released around each call. Requires the runtime
// lock.
func (rt *Runtime) realizeAndInitialize(cls *Class) error {
	if err := rt.realizeClass(cls); err != nil {
		return err
	}
	if cls.IsInitialized() {
		return nil
	}
	var chain []*Class
	for c := cls; c != nil; c = c.Superclass() {
		chain = append(chain, c)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		c := chain[i]
		if c.hasFlag(RWInitialized | RWInitializing) {
			continue
		}
		c.changeFlags(RWInitializing, 0)
		rt.runInitializer(c, c.RO())
		c.changeFlags(RWInitialized, RWInitializing)
	}
	return nil
}

func (rt *Runtime) runInitializer(c *Class, ro *ClassRO) {
	rt.lock.Unlock()
	defer rt.lock.Lock()
	ro.Initializer(c)
}

// disallowPreopt stops cls and its subclasses from adopting preoptimized
// tables at realization. Requires the runtime lock.
func (rt *Runtime) disallowPreopt(cls *Class) {
	cls.changeFlags(rwNoPreopt, 0)
	cls.eachRealizedInTree(func(c *Class) { c.changeFlags(rwNoPreopt, 0) })
}

// ---------------------------------------------------------------------------
// Dynamically constructed classes
// ---------------------------------------------------------------------------

// AllocateClass creates a realized but unregistered class. Methods may be
// added before RegisterClassPair publishes it by name.
func (rt *Runtime) AllocateClass(super *Class, name string, extraBytes uint32) (*Class, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidClass)
	}
	rt.lock.Lock()
	defer rt.lock.Unlock()

	if rt.Classes.Has(name) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateClass, name)
	}
	ro := &ClassRO{Name: name}
	if super != nil {
		if err := rt.realizeAndInitialize(super); err != nil {
			return nil, err
		}
		ro.InstanceStart = super.InstanceSize()
	} else {
		ro.Flags |= RORoot
	}
	ro.InstanceSize = ro.InstanceStart + extraBytes

	cls := rt.newClass(name, super)
	cls.cell.Store(&classCell{ro: ro})
	cls.changeFlags(RWConstructing|RWCopiedRO, 0)
	if err := rt.realizeClass(cls); err != nil {
		return nil, err
	}
	return cls, nil
}

// RegisterClassPair publishes a class created by AllocateClass.
func (rt *Runtime) RegisterClassPair(cls *Class) error {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	if !cls.hasFlag(RWConstructing) {
		return fmt.Errorf("%w: %s", ErrNotConstructing, cls.name)
	}
	if rt.Classes.Has(cls.name) {
		return fmt.Errorf("%w: %s", ErrDuplicateClass, cls.name)
	}
	cls.changeFlags(RWConstructed, RWConstructing)
	rt.Classes.Register(cls)
	return nil
}

// DisposeClassPair unlinks and unregisters a class created by AllocateClass
// and releases its cache through the reclaimer.
func (rt *Runtime) DisposeClassPair(cls *Class) error {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	if !cls.hasFlag(RWConstructing | RWConstructed) {
		return fmt.Errorf("%w: %s", ErrNotConstructing, cls.name)
	}
	if cls.firstSubclass != nil {
		return fmt.Errorf("%w: %s", ErrHasSubclasses, cls.name)
	}
	if super := cls.Superclass(); super != nil {
		super.removeSubclass(cls)
	}
	rt.Classes.Remove(cls)
	delete(rt.unattached, cls)
	cls.cache.dispose()
	cls.changeFlags(0, RWRealized|RWConstructing|RWConstructed)
	rt.reclaim.collect(true)
	log.Debugf("disposed class %s", cls.name)
	return nil
}

// GrowInstance adds extra bytes to the instances of a class created by
// AllocateClass that has not been registered yet.
func (rt *Runtime) GrowInstance(cls *Class, extra uint32) error {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	if !cls.hasFlag(RWConstructing) {
		return fmt.Errorf("%w: %s", ErrNotConstructing, cls.name)
	}
	rt.updateRO(cls, func(ro *ClassRO) { ro.InstanceSize += extra })
	return nil
}

// updateRO publishes a modified copy of cls's base record. Readers holding
// the previous record keep a consistent view. Requires the runtime lock.
func (rt *Runtime) updateRO(cls *Class, fn func(*ClassRO)) {
	ro := cls.RO().Duplicate()
	fn(ro)
	cls.setRO(ro)
	cls.changeFlags(RWCopiedRO, 0)
}
