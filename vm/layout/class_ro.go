package layout

import "fmt"

// ClassRO is the read-only class record as emitted by an image producer.
type ClassRO struct {
	Flags          uint32
	InstanceStart  uint32
	InstanceSize   uint32
	Reserved       uint32
	IvarLayout     uint64
	Name           uint64
	BaseMethods    uint64
	BaseProtocols  uint64
	Ivars          uint64
	WeakIvarLayout uint64
	BaseProperties uint64
}

// DecodeClassRO reads a class_ro record.
func DecodeClassRO(b []byte) (ClassRO, error) {
	if len(b) < ClassROSize {
		return ClassRO{}, fmt.Errorf("class ro: %w", ErrTruncated)
	}
	return ClassRO{
		Flags:          u32(b),
		InstanceStart:  u32(b[4:]),
		InstanceSize:   u32(b[8:]),
		Reserved:       u32(b[12:]),
		IvarLayout:     u64(b[16:]),
		Name:           u64(b[24:]),
		BaseMethods:    u64(b[32:]),
		BaseProtocols:  u64(b[40:]),
		Ivars:          u64(b[48:]),
		WeakIvarLayout: u64(b[56:]),
		BaseProperties: u64(b[64:]),
	}, nil
}

// Put writes r into b.
func (r ClassRO) Put(b []byte) error {
	if len(b) < ClassROSize {
		return fmt.Errorf("class ro: %w", ErrTruncated)
	}
	put32(b, r.Flags)
	put32(b[4:], r.InstanceStart)
	put32(b[8:], r.InstanceSize)
	put32(b[12:], r.Reserved)
	put64(b[16:], r.IvarLayout)
	put64(b[24:], r.Name)
	put64(b[32:], r.BaseMethods)
	put64(b[40:], r.BaseProtocols)
	put64(b[48:], r.Ivars)
	put64(b[56:], r.WeakIvarLayout)
	put64(b[64:], r.BaseProperties)
	return nil
}
