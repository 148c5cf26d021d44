package vm

import (
	"cmp"
	"slices"

	"github.com/chazu/dispatch/vm/layout"
)

// IMP is the entry-point address of a method implementation.
type IMP uintptr

// Method is one method record: selector, type encoding and entry point.
type Method struct {
	Name  SEL
	Types string
	Imp   IMP
}

// Property is one declared property.
type Property struct {
	Name       string
	Attributes string
}

// ProtocolRef refers to a protocol by the address of its name.
type ProtocolRef uintptr

// MethodListLayout selects the binary layout of a new method list.
type MethodListLayout struct {
	// Stride between records; zero selects the natural record size.
	Stride uint32
	// Small selects 12-byte records holding relative offsets.
	Small bool
	// Sorted orders records by selector so lookups can binary search.
	Sorted bool
}

func (ml MethodListLayout) flags() uint32 {
	var f uint32
	if ml.Small {
		f |= layout.SmallMethodListFlag
	}
	if ml.Sorted {
		f |= layout.MethodListSorted
	}
	return f
}

type methodCodec struct{ strings *StringPool }

func (methodCodec) FlagMask() uint32 { return layout.MethodListFlagMask }

func (methodCodec) Size(flags uint32) uint32 {
	if flags&layout.SmallMethodListFlag != 0 {
		return layout.SmallMethodSize
	}
	return layout.BigMethodSize
}

func (c methodCodec) Decode(b []byte, addr uintptr, flags uint32) (Method, error) {
	var big layout.BigMethod
	if flags&layout.SmallMethodListFlag != 0 {
		sm, err := layout.DecodeSmallMethod(b)
		if err != nil {
			return Method{}, err
		}
		big = sm.Resolve(uint64(addr))
	} else {
		var err error
		if big, err = layout.DecodeBigMethod(b); err != nil {
			return Method{}, err
		}
	}
	return Method{
		Name:  SEL(big.Name),
		Types: c.strings.String(uintptr(big.Types)),
		Imp:   IMP(big.Imp),
	}, nil
}

func (c methodCodec) Encode(b []byte, addr uintptr, flags uint32, m Method) error {
	big := layout.BigMethod{
		Name:  uint64(m.Name),
		Types: uint64(c.strings.Intern(m.Types)),
		Imp:   uint64(m.Imp),
	}
	if flags&layout.SmallMethodListFlag == 0 {
		return big.Put(b)
	}
	sm, err := layout.SmallMethodAt(uint64(addr), big)
	if err != nil {
		return err
	}
	return sm.Put(b)
}

func (methodCodec) HeapFlags(flags uint32) uint32 {
	return flags &^ layout.SmallMethodListFlag
}

type propertyCodec struct{ strings *StringPool }

func (propertyCodec) FlagMask() uint32          { return 0 }
func (propertyCodec) Size(uint32) uint32        { return layout.PropertySize }
func (propertyCodec) HeapFlags(f uint32) uint32 { return f }

func (c propertyCodec) Decode(b []byte, _ uintptr, _ uint32) (Property, error) {
	p, err := layout.DecodeProperty(b)
	if err != nil {
		return Property{}, err
	}
	return Property{
		Name:       c.strings.String(uintptr(p.Name)),
		Attributes: c.strings.String(uintptr(p.Attributes)),
	}, nil
}

func (c propertyCodec) Encode(b []byte, _ uintptr, _ uint32, p Property) error {
	return layout.Property{
		Name:       uint64(c.strings.Intern(p.Name)),
		Attributes: uint64(c.strings.Intern(p.Attributes)),
	}.Put(b)
}

type protocolCodec struct{}

func (protocolCodec) FlagMask() uint32          { return 0 }
func (protocolCodec) Size(uint32) uint32        { return layout.ProtocolRefSize }
func (protocolCodec) HeapFlags(f uint32) uint32 { return f }

func (protocolCodec) Decode(b []byte, _ uintptr, _ uint32) (ProtocolRef, error) {
	ref, err := layout.DecodeProtocolRef(b)
	return ProtocolRef(ref), err
}

func (protocolCodec) Encode(b []byte, _ uintptr, _ uint32, ref ProtocolRef) error {
	return layout.PutProtocolRef(b, uint64(ref))
}

// ---------------------------------------------------------------------------
// List construction
// ---------------------------------------------------------------------------

// NewMethodList builds a method list with the given layout. Sorted layouts
// are sorted by selector; the input slice is not modified.
func (rt *Runtime) NewMethodList(methods []Method, ml MethodListLayout) (*RecordList[Method], error) {
	if ml.Sorted {
		methods = slices.Clone(methods)
		slices.SortStableFunc(methods, func(a, b Method) int { return cmp.Compare(a.Name, b.Name) })
	}
	return NewRecordList[Method](rt.methodCodec, ml.flags(), ml.Stride, methods)
}

// MustMethodList is like NewMethodList with the default big layout and
// panics on error. Useful for static initialization.
func (rt *Runtime) MustMethodList(methods ...Method) *RecordList[Method] {
	l, err := rt.NewMethodList(methods, MethodListLayout{})
	if err != nil {
		panic(err)
	}
	return l
}

// ParseMethodList wraps method list bytes loaded at addr.
func (rt *Runtime) ParseMethodList(b []byte, addr uintptr) (*RecordList[Method], error) {
	l, _, err := ParseRecordList[Method](rt.methodCodec, b, addr)
	return l, err
}

// NewPropertyList builds a property list.
func (rt *Runtime) NewPropertyList(props ...Property) (*RecordList[Property], error) {
	return NewRecordList[Property](rt.propertyCodec, 0, 0, props)
}

// NewProtocolList builds a protocol list from protocol names.
func (rt *Runtime) NewProtocolList(names ...string) (*RecordList[ProtocolRef], error) {
	refs := make([]ProtocolRef, len(names))
	for i, n := range names {
		refs[i] = ProtocolRef(rt.Strings.Intern(n))
	}
	return NewRecordList[ProtocolRef](protocolCodec{}, 0, 0, refs)
}

// ProtocolName resolves a protocol reference.
func (rt *Runtime) ProtocolName(ref ProtocolRef) string {
	return rt.Strings.String(uintptr(ref))
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

func methodNameAt(l *RecordList[Method], i int) SEL {
	b, addr := l.raw(uint32(i))
	if l.hasFlag(layout.SmallMethodListFlag) {
		sm, err := layout.DecodeSmallMethod(b)
		if err != nil {
			fatal(FatalCorruption, "method %d at %#x: %v", i, addr, err)
		}
		return SEL(sm.Resolve(uint64(addr)).Name)
	}
	big, err := layout.DecodeBigMethod(b)
	if err != nil {
		fatal(FatalCorruption, "method %d at %#x: %v", i, addr, err)
	}
	return SEL(big.Name)
}

// findMethodIndex returns the index of the first record named sel.
func findMethodIndex(l *RecordList[Method], sel SEL) (int, bool) {
	n := l.Count()
	if l.hasFlag(layout.MethodListSorted) {
		// Lower bound, so the first of several equal names wins.
		lo, hi := 0, n
		for lo < hi {
			mid := int(uint(lo+hi) >> 1)
			if methodNameAt(l, mid) < sel {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo < n && methodNameAt(l, lo) == sel {
			return lo, true
		}
		return 0, false
	}
	for i := 0; i < n; i++ {
		if methodNameAt(l, i) == sel {
			return i, true
		}
	}
	return 0, false
}
