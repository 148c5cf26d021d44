package vm

import "fmt"

// Lookup resolves sel for instances of cls. A cache hit never blocks; a miss
// takes the runtime lock, realizes cls if needed, walks the superclass chain
// and fills cls's cache. Not finding a method is a normal result.
func (rt *Runtime) Lookup(cls *Class, sel SEL) (IMP, bool) {
	if cls == nil || sel == 0 {
		return 0, false
	}
	if imp, ok := cls.cache.Get(sel); ok {
		rt.stats.hits.Add(1)
		return imp, true
	}
	rt.stats.misses.Add(1)
	return rt.lookupSlow(cls, sel)
}

func (rt *Runtime) lookupSlow(cls *Class, sel SEL) (IMP, bool) {
	rt.lock.Lock()
	defer rt.lock.Unlock()

	if err := rt.realizeAndInitialize(cls); err != nil {
		log.Debugf("lookup of %s on %s: %v", rt.Selectors.Name(sel), cls.name, err)
		rt.stats.notFound.Add(1)
		return 0, false
	}

	// Another goroutine may have filled the cache while we waited.
	if imp, ok := cls.cache.Get(sel); ok {
		return imp, true
	}

	imp, ok := rt.resolve(cls, sel)
	if !ok {
		rt.stats.notFound.Add(1)
		return 0, false
	}
	rt.stats.slowLookups.Add(1)
	cls.cache.Insert(sel, imp)
	return imp, true
}

// resolve walks the chain from cls to its root. Requires the runtime lock.
func (rt *Runtime) resolve(cls *Class, sel SEL) (IMP, bool) {
	for cur := cls; cur != nil; cur = cur.Superclass() {
		if cur != cls {
			if imp, ok := cur.cache.Get(sel); ok {
				return imp, true
			}
		}
		if l, i, ok := findMethodInClass(cur, sel); ok {
			return rt.effectiveImp(l, i, l.Get(i).Imp), true
		}
	}
	return 0, false
}

// findMethodInClass searches cls's own lists, most recently attached first.
func findMethodInClass(cls *Class, sel SEL) (*RecordList[Method], int, bool) {
	lists := cls.MethodLists()
	for j := len(lists) - 1; j >= 0; j-- {
		if i, ok := findMethodIndex(lists[j], sel); ok {
			return lists[j], i, true
		}
	}
	return nil, 0, false
}

// LookupMethod returns the method record cls itself defines for sel.
func (rt *Runtime) LookupMethod(cls *Class, sel SEL) (Method, bool) {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	l, i, ok := findMethodInClass(cls, sel)
	if !ok {
		return Method{}, false
	}
	m := l.Get(i)
	m.Imp = rt.effectiveImp(l, i, m.Imp)
	return m, true
}

// Implementations returns every selector instances of cls respond to, mapped
// to the entry point the method lists produce for it. Caches are neither
// read nor filled. cls and its superclasses are realized first.
func (rt *Runtime) Implementations(cls *Class) (map[SEL]IMP, error) {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	if err := rt.realizeClass(cls); err != nil {
		return nil, err
	}
	out := make(map[SEL]IMP)
	for cur := cls; cur != nil; cur = cur.Superclass() {
		lists := cur.MethodLists()
		for j := len(lists) - 1; j >= 0; j-- {
			l := lists[j]
			for i := 0; i < l.Count(); i++ {
				sel := methodNameAt(l, i)
				if _, ok := out[sel]; !ok {
					out[sel] = rt.effectiveImp(l, i, l.Get(i).Imp)
				}
			}
		}
	}
	return out, nil
}

// InsertCache records sel -> imp in cls's cache, for collaborators that
// resolve messages themselves.
func (rt *Runtime) InsertCache(cls *Class, sel SEL, imp IMP) {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	if err := rt.realizeClass(cls); err != nil {
		log.Debugf("cache insert of %s on %s: %v", rt.Selectors.Name(sel), cls.name, err)
		return
	}
	cls.cache.Insert(sel, imp)
}

// InvalidateCache flushes the caches of cls and its realized subclasses, or
// of every realized class when cls is nil.
func (rt *Runtime) InvalidateCache(cls *Class) {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	rt.flushCaches(cls, func(*Cache) bool { return true })
}

// flushCaches requires the runtime lock.
func (rt *Runtime) flushCaches(cls *Class, pred func(*Cache) bool) {
	visit := func(c *Class) {
		if pred(&c.cache) {
			c.cache.Flush()
		}
	}
	if cls != nil {
		cls.eachRealizedInTree(visit)
		return
	}
	for _, c := range rt.Classes.All() {
		if c.IsRoot() {
			c.eachRealizedInTree(visit)
		}
	}
}

// ---------------------------------------------------------------------------
// Implementation replacement
// ---------------------------------------------------------------------------

type methodKey struct {
	list  uintptr
	index int
}

func (rt *Runtime) effectiveImp(l *RecordList[Method], i int, imp IMP) IMP {
	if v, ok := rt.remapped.Load(methodKey{l.addr, i}); ok {
		return v.(IMP)
	}
	return imp
}

// SetImplementation replaces the entry point of the method cls itself
// defines for sel and returns the previous one. Only caches that currently
// map sel to the previous entry point are flushed.
func (rt *Runtime) SetImplementation(cls *Class, sel SEL, imp IMP) (IMP, error) {
	rt.lock.Lock()
	defer rt.lock.Unlock()

	l, i, ok := findMethodInClass(cls, sel)
	if !ok {
		return 0, fmt.Errorf("%w: %s does not define %s", ErrNotFound, cls.name, rt.Selectors.Name(sel))
	}
	old := rt.effectiveImp(l, i, l.Get(i).Imp)
	if old == imp {
		return old, nil
	}
	rt.remapped.Store(methodKey{l.addr, i}, imp)
	rt.disallowPreopt(cls)
	rt.flushCaches(nil, func(c *Cache) bool { return c.ShouldFlush(sel, old) })
	return old, nil
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

// Forwarder handles a message that no class in the chain implements.
type Forwarder func(rt *Runtime, cls *Class, sel SEL, receiver any, args []any) (any, error)

// Send resolves sel on cls and invokes the Go implementation bound to the
// resulting entry point.
func (rt *Runtime) Send(cls *Class, sel SEL, receiver any, args ...any) (any, error) {
	if cls == nil {
		return nil, fmt.Errorf("%w: nil class", ErrUnknownClass)
	}
	imp, ok := rt.Lookup(cls, sel)
	if !ok {
		if f := rt.opts.Forwarder; f != nil {
			return f(rt, cls, sel, receiver, args)
		}
		return nil, fmt.Errorf("%w: %s does not respond to %s", ErrNotFound, cls.name, rt.Selectors.Name(sel))
	}
	impl, ok := rt.Imps.Lookup(imp)
	if !ok {
		return nil, fmt.Errorf("%w: %#x for %s>>%s", ErrNoImplementation, uintptr(imp), cls.name, rt.Selectors.Name(sel))
	}
	if a := impl.Arity(); a >= 0 && a != len(args) {
		return nil, fmt.Errorf("%w: %s>>%s takes %d, got %d", ErrArity, cls.name, rt.Selectors.Name(sel), a, len(args))
	}
	return impl.Invoke(rt, receiver, args), nil
}
