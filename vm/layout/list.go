package layout

import (
	"fmt"
	"math"
)

// EntsizeHeader prefixes every variable-stride record list.
type EntsizeHeader struct {
	EntsizeAndFlags uint32
	Count           uint32
}

// Entsize returns the stride with the bits in flagMask cleared.
func (h EntsizeHeader) Entsize(flagMask uint32) uint32 { return h.EntsizeAndFlags &^ flagMask }

// Flags returns the bits of the entsize word selected by flagMask.
func (h EntsizeHeader) Flags(flagMask uint32) uint32 { return h.EntsizeAndFlags & flagMask }

// DecodeEntsizeHeader reads a list header from b.
func DecodeEntsizeHeader(b []byte) (EntsizeHeader, error) {
	if len(b) < EntsizeHeaderSize {
		return EntsizeHeader{}, fmt.Errorf("entsize header: %w", ErrTruncated)
	}
	return EntsizeHeader{EntsizeAndFlags: u32(b), Count: u32(b[4:])}, nil
}

// Put writes h into b.
func (h EntsizeHeader) Put(b []byte) error {
	if len(b) < EntsizeHeaderSize {
		return fmt.Errorf("entsize header: %w", ErrTruncated)
	}
	put32(b, h.EntsizeAndFlags)
	put32(b[4:], h.Count)
	return nil
}

// ListBytes returns the byte size of a list of count records at stride,
// header included, or false when it overflows.
func ListBytes(stride, count uint32) (int, bool) {
	n := uint64(stride)*uint64(count) + EntsizeHeaderSize
	if n > math.MaxInt32 {
		return 0, false
	}
	return int(n), true
}

// BigMethod is the pointer-sized method record.
type BigMethod struct {
	Name  uint64
	Types uint64
	Imp   uint64
}

// DecodeBigMethod reads a big method record.
func DecodeBigMethod(b []byte) (BigMethod, error) {
	if len(b) < BigMethodSize {
		return BigMethod{}, fmt.Errorf("big method: %w", ErrTruncated)
	}
	return BigMethod{Name: u64(b), Types: u64(b[8:]), Imp: u64(b[16:])}, nil
}

// Put writes m into b.
func (m BigMethod) Put(b []byte) error {
	if len(b) < BigMethodSize {
		return fmt.Errorf("big method: %w", ErrTruncated)
	}
	put64(b, m.Name)
	put64(b[8:], m.Types)
	put64(b[16:], m.Imp)
	return nil
}

// SmallMethod stores each field as a signed 32-bit offset from the address
// of that field.
type SmallMethod struct {
	NameOff  int32
	TypesOff int32
	ImpOff   int32
}

// DecodeSmallMethod reads a small method record.
func DecodeSmallMethod(b []byte) (SmallMethod, error) {
	if len(b) < SmallMethodSize {
		return SmallMethod{}, fmt.Errorf("small method: %w", ErrTruncated)
	}
	return SmallMethod{NameOff: i32(b), TypesOff: i32(b[4:]), ImpOff: i32(b[8:])}, nil
}

// Put writes m into b.
func (m SmallMethod) Put(b []byte) error {
	if len(b) < SmallMethodSize {
		return fmt.Errorf("small method: %w", ErrTruncated)
	}
	put32(b, uint32(m.NameOff))
	put32(b[4:], uint32(m.TypesOff))
	put32(b[8:], uint32(m.ImpOff))
	return nil
}

// Resolve converts the relative fields of a record loaded at addr into
// absolute addresses. A zero offset resolves to zero.
func (m SmallMethod) Resolve(addr uint64) BigMethod {
	return BigMethod{
		Name:  relative(addr, m.NameOff),
		Types: relative(addr+4, m.TypesOff),
		Imp:   relative(addr+8, m.ImpOff),
	}
}

// SmallMethodAt builds the small record that resolves to big when stored
// at addr.
func SmallMethodAt(addr uint64, big BigMethod) (SmallMethod, error) {
	name, err := offset(addr, big.Name)
	if err != nil {
		return SmallMethod{}, fmt.Errorf("small method name: %w", err)
	}
	types, err := offset(addr+4, big.Types)
	if err != nil {
		return SmallMethod{}, fmt.Errorf("small method types: %w", err)
	}
	imp, err := offset(addr+8, big.Imp)
	if err != nil {
		return SmallMethod{}, fmt.Errorf("small method imp: %w", err)
	}
	return SmallMethod{NameOff: name, TypesOff: types, ImpOff: imp}, nil
}

func relative(field uint64, off int32) uint64 {
	if off == 0 {
		return 0
	}
	return uint64(int64(field) + int64(off))
}

func offset(field, target uint64) (int32, error) {
	if target == 0 {
		return 0, nil
	}
	d := int64(target) - int64(field)
	if d < math.MinInt32 || d > math.MaxInt32 || d == 0 {
		return 0, ErrRange
	}
	return int32(d), nil
}

// Property is a name/attributes pair of string addresses.
type Property struct {
	Name       uint64
	Attributes uint64
}

// DecodeProperty reads a property record.
func DecodeProperty(b []byte) (Property, error) {
	if len(b) < PropertySize {
		return Property{}, fmt.Errorf("property: %w", ErrTruncated)
	}
	return Property{Name: u64(b), Attributes: u64(b[8:])}, nil
}

// Put writes p into b.
func (p Property) Put(b []byte) error {
	if len(b) < PropertySize {
		return fmt.Errorf("property: %w", ErrTruncated)
	}
	put64(b, p.Name)
	put64(b[8:], p.Attributes)
	return nil
}

// DecodeProtocolRef reads a protocol reference.
func DecodeProtocolRef(b []byte) (uint64, error) {
	if len(b) < ProtocolRefSize {
		return 0, fmt.Errorf("protocol ref: %w", ErrTruncated)
	}
	return u64(b), nil
}

// PutProtocolRef writes a protocol reference into b.
func PutProtocolRef(b []byte, ref uint64) error {
	if len(b) < ProtocolRefSize {
		return fmt.Errorf("protocol ref: %w", ErrTruncated)
	}
	put64(b, ref)
	return nil
}
