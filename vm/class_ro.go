package vm

import "github.com/chazu/dispatch/vm/layout"

// ClassRO flag bits.
const (
	ROMeta                uint32 = 1 << 0
	RORoot                uint32 = 1 << 1
	ROHasSwiftInitializer uint32 = 1 << 6
	ROFuture              uint32 = 1 << 30
	RORealized            uint32 = 1 << 31
)

// ClassRO is the immutable base record of a class as produced by an image.
type ClassRO struct {
	Flags         uint32
	InstanceStart uint32
	InstanceSize  uint32
	Name          string

	BaseMethods    *RecordList[Method]
	BaseProtocols  *RecordList[ProtocolRef]
	BaseProperties *RecordList[Property]

	// Initializer runs once after realization, with the runtime lock
	// released, when Flags has ROHasSwiftInitializer.
	Initializer func(cls *Class)
}

// Duplicate returns a shallow copy. The lists are shared.
func (ro *ClassRO) Duplicate() *ClassRO {
	c := *ro
	return &c
}

func (ro *ClassRO) hasInitializer() bool {
	return ro.Flags&ROHasSwiftInitializer != 0 && ro.Initializer != nil
}

// ROLayout renders the class_ro record of cls with the addresses of its
// name and lists.
func (rt *Runtime) ROLayout(cls *Class) layout.ClassRO {
	ro := cls.RO()
	if ro == nil {
		return layout.ClassRO{}
	}
	out := layout.ClassRO{
		Flags:         ro.Flags,
		InstanceStart: ro.InstanceStart,
		InstanceSize:  ro.InstanceSize,
		Name:          uint64(rt.Strings.Intern(ro.Name)),
	}
	if cls.IsRealized() {
		out.Flags |= RORealized
	}
	if ro.BaseMethods != nil {
		out.BaseMethods = uint64(ro.BaseMethods.Addr())
	}
	if ro.BaseProtocols != nil {
		out.BaseProtocols = uint64(ro.BaseProtocols.Addr())
	}
	if ro.BaseProperties != nil {
		out.BaseProperties = uint64(ro.BaseProperties.Addr())
	}
	return out
}
