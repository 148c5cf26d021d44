package vm

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// Class flag bits.
const (
	RWMeta         uint32 = 1 << 0
	rwNoPreopt     uint32 = 1 << 1 // metadata differs from the preoptimized tables
	RWRealizing    uint32 = 1 << 19
	RWConstructed  uint32 = 1 << 25
	RWConstructing uint32 = 1 << 26
	RWCopiedRO     uint32 = 1 << 27
	RWInitializing uint32 = 1 << 28
	RWInitialized  uint32 = 1 << 29
	RWFuture       uint32 = 1 << 30
	RWRealized     uint32 = 1 << 31
)

// ClassRWExt is the mutable extension of a class, allocated the first time
// its metadata changes after realization.
type ClassRWExt struct {
	ro         atomic.Pointer[ClassRO]
	methods    *ListArray[Method]
	properties *ListArray[Property]
	protocols  *ListArray[ProtocolRef]

	demangledName atomic.Pointer[string]
	version       atomic.Uint32
}

func newClassRWExt(ro *ClassRO) *ClassRWExt {
	ext := &ClassRWExt{
		methods:    NewListArray(ro.BaseMethods),
		properties: NewListArray(ro.BaseProperties),
		protocols:  NewListArray(ro.BaseProtocols),
	}
	ext.ro.Store(ro)
	return ext
}

// RO returns the base record the extension currently refers to.
func (e *ClassRWExt) RO() *ClassRO { return e.ro.Load() }

// MethodLists returns the aggregated method lists.
func (e *ClassRWExt) MethodLists() *ListArray[Method] { return e.methods }

// PropertyLists returns the aggregated property lists.
func (e *ClassRWExt) PropertyLists() *ListArray[Property] { return e.properties }

// ProtocolLists returns the aggregated protocol lists.
func (e *ClassRWExt) ProtocolLists() *ListArray[ProtocolRef] { return e.protocols }

// Version returns the class version number.
func (e *ClassRWExt) Version() uint32 { return e.version.Load() }

// classCell is the tagged metadata slot of a class: exactly one of ro and
// ext is set. A cell is never modified after it is published.
type classCell struct {
	ro  *ClassRO
	ext *ClassRWExt
}

// demangleName converts a Swift v1 mangled class name such as
// "_TtC5Shape6Circle" to "Shape.Circle". Other names are returned unchanged.
func demangleName(name string) string {
	rest, ok := strings.CutPrefix(name, "_TtC")
	if !ok {
		return name
	}
	var module string
	if r, std := strings.CutPrefix(rest, "s"); std {
		module, rest = "Swift", r
	} else if module, rest, ok = readLengthPrefixed(rest); !ok {
		return name
	}
	class, rest, ok := readLengthPrefixed(rest)
	if !ok || rest != "" {
		return name
	}
	return module + "." + class
}

func readLengthPrefixed(s string) (string, string, bool) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return "", s, false
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil || n == 0 || i+n > len(s) {
		return "", s, false
	}
	return s[i : i+n], s[i+n:], true
}
