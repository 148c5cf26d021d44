package image

import (
	"fmt"

	"github.com/chazu/dispatch/vm"
)

type loadState uint8

const (
	unvisited loadState = iota
	visiting
	loaded
)

type loader struct {
	rt      *vm.Runtime
	defs    map[string]*ClassDef
	state   map[string]loadState
	classes []*vm.Class
}

// Load registers img's classes with rt, each after its superclass, then
// attaches its categories in image order. Classes are left unrealized; a
// category on a class that is not yet realized is queued by the runtime.
// Load returns the classes it registered, in registration order, even when
// it stops early with an error.
func Load(rt *vm.Runtime, img *Image) ([]*vm.Class, error) {
	l := &loader{
		rt:    rt,
		defs:  make(map[string]*ClassDef, len(img.Classes)),
		state: make(map[string]loadState, len(img.Classes)),
	}
	for i := range img.Classes {
		d := &img.Classes[i]
		if _, dup := l.defs[d.Name]; dup {
			return nil, fmt.Errorf("%w: %s defined twice in image", vm.ErrDuplicateClass, d.Name)
		}
		l.defs[d.Name] = d
	}

	for _, d := range img.Classes {
		if _, err := l.define(d.Name); err != nil {
			return l.classes, err
		}
	}

	for _, cd := range img.Categories {
		cls := rt.Classes.Lookup(cd.Class)
		if cls == nil {
			return l.classes, fmt.Errorf("%w: category %s on %s", ErrMissingClass, cd.Name, cd.Class)
		}
		cat, err := l.category(cd)
		if err != nil {
			return l.classes, fmt.Errorf("category %s: %w", cd.Name, err)
		}
		rt.AttachCategory(cls, cat)
	}

	log.Debugf("loaded %d classes and %d categories", len(l.classes), len(img.Categories))
	return l.classes, nil
}

func (l *loader) define(name string) (*vm.Class, error) {
	switch l.state[name] {
	case loaded:
		return l.rt.Classes.Lookup(name), nil
	case visiting:
		return nil, fmt.Errorf("%w: %s", ErrCycle, name)
	}
	d := l.defs[name]
	l.state[name] = visiting

	var super *vm.Class
	if d.Superclass != "" {
		var err error
		if super, err = l.superclass(d); err != nil {
			return nil, err
		}
	}

	ro, err := l.classRO(d)
	if err != nil {
		return nil, fmt.Errorf("class %s: %w", d.Name, err)
	}
	cls, err := l.rt.RegisterClass(ro, super)
	if err != nil {
		return nil, err
	}
	l.state[name] = loaded
	l.classes = append(l.classes, cls)
	return cls, nil
}

func (l *loader) superclass(d *ClassDef) (*vm.Class, error) {
	if _, ok := l.defs[d.Superclass]; ok {
		return l.define(d.Superclass)
	}
	if super := l.rt.Classes.Lookup(d.Superclass); super != nil {
		return super, nil
	}
	return nil, fmt.Errorf("%w: %s for %s", ErrMissingSuperclass, d.Superclass, d.Name)
}

func (l *loader) classRO(d *ClassDef) (*vm.ClassRO, error) {
	ro := &vm.ClassRO{
		Flags:         d.Flags,
		InstanceStart: d.InstanceStart,
		InstanceSize:  d.InstanceSize,
		Name:          d.Name,
	}
	if d.Superclass == "" {
		ro.Flags |= vm.RORoot
	}
	var err error
	if len(d.Methods) > 0 {
		ml := vm.MethodListLayout{Stride: d.MethodStride, Small: d.SmallMethods, Sorted: d.SortedMethods}
		if ro.BaseMethods, err = l.rt.NewMethodList(l.methods(d.Methods), ml); err != nil {
			return nil, err
		}
	}
	if len(d.Properties) > 0 {
		if ro.BaseProperties, err = l.rt.NewPropertyList(properties(d.Properties)...); err != nil {
			return nil, err
		}
	}
	if len(d.Protocols) > 0 {
		if ro.BaseProtocols, err = l.rt.NewProtocolList(d.Protocols...); err != nil {
			return nil, err
		}
	}
	return ro, nil
}

func (l *loader) category(cd CategoryDef) (*vm.Category, error) {
	cat := &vm.Category{Name: cd.Name}
	var err error
	if len(cd.Methods) > 0 {
		if cat.Methods, err = l.rt.NewMethodList(l.methods(cd.Methods), vm.MethodListLayout{}); err != nil {
			return nil, err
		}
	}
	if len(cd.Properties) > 0 {
		if cat.Properties, err = l.rt.NewPropertyList(properties(cd.Properties)...); err != nil {
			return nil, err
		}
	}
	if len(cd.Protocols) > 0 {
		if cat.Protocols, err = l.rt.NewProtocolList(cd.Protocols...); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

func (l *loader) methods(defs []MethodDef) []vm.Method {
	out := make([]vm.Method, len(defs))
	for i, m := range defs {
		out[i] = vm.Method{Name: l.rt.Sel(m.Selector), Types: m.Types, Imp: vm.IMP(m.Imp)}
	}
	return out
}

func properties(defs []PropertyDef) []vm.Property {
	out := make([]vm.Property, len(defs))
	for i, p := range defs {
		out[i] = vm.Property{Name: p.Name, Attributes: p.Attributes}
	}
	return out
}
