package vm

import "github.com/chazu/dispatch/vm/layout"

// ---------------------------------------------------------------------------
// Category: lists composed into a class after its definition
// ---------------------------------------------------------------------------

// Category adds methods, properties and protocols to an existing class.
// Any of the lists may be nil.
type Category struct {
	Name       string
	Methods    *RecordList[Method]
	Properties *RecordList[Property]
	Protocols  *RecordList[ProtocolRef]
}

// AttachCategory appends cat's lists to cls. Methods it adds take precedence
// over methods already present, and caches that might hold a shadowed entry
// are flushed. Categories for unrealized classes are queued and attached, in
// order, when the class is realized.
func (rt *Runtime) AttachCategory(cls *Class, cat *Category) {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	rt.attachCategoryLocked(cls, cat)
}

func (rt *Runtime) attachCategoryLocked(cls *Class, cat *Category) {
	if cat == nil {
		return
	}
	if !cls.IsRealized() {
		rt.unattached[cls] = append(rt.unattached[cls], cat)
		log.Debugf("queued category %s on unrealized class %s", cat.Name, cls.name)
		return
	}
	rt.attachLists(cls, cat)
	if cat.Methods.Count() > 0 {
		rt.disallowPreopt(cls)
		rt.flushShadowed(cls, cat.Methods)
	}
	log.Debugf("attached category %s to %s", cat.Name, cls.name)
}

// attachLists requires the runtime lock.
func (rt *Runtime) attachLists(cls *Class, cat *Category) {
	ext := cls.extAllocIfNeeded()
	if cat.Methods != nil {
		cat.Methods.setFlag(layout.MethodListFixedUp)
		ext.methods.Attach(cat.Methods)
	}
	ext.properties.Attach(cat.Properties)
	ext.protocols.Attach(cat.Protocols)
}

// UnattachedCategories returns the categories queued for cls.
func (rt *Runtime) UnattachedCategories(cls *Class) []*Category {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	return append([]*Category(nil), rt.unattached[cls]...)
}

// flushShadowed flushes every cache in cls's realized subtree that holds an
// entry for a selector in methods. Requires the runtime lock.
func (rt *Runtime) flushShadowed(cls *Class, methods *RecordList[Method]) {
	sels := make([]SEL, methods.Count())
	for i := range sels {
		sels[i] = methodNameAt(methods, i)
	}
	cls.eachRealizedInTree(func(c *Class) {
		for _, sel := range sels {
			if c.cache.Contains(sel) {
				c.cache.Flush()
				return
			}
		}
	})
}

// AddMethod adds one method to cls unless cls itself already implements
// sel. It reports whether the method was added.
func (rt *Runtime) AddMethod(cls *Class, sel SEL, imp IMP, types string) (bool, error) {
	rt.lock.Lock()
	defer rt.lock.Unlock()

	if err := rt.realizeClass(cls); err != nil {
		return false, err
	}
	if _, _, ok := findMethodInClass(cls, sel); ok {
		return false, nil
	}
	l, err := rt.NewMethodList([]Method{{Name: sel, Types: types, Imp: imp}}, MethodListLayout{})
	if err != nil {
		return false, err
	}
	rt.attachCategoryLocked(cls, &Category{Name: "+" + rt.Selectors.Name(sel), Methods: l})
	return true, nil
}
