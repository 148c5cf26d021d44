package vm

import (
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/chazu/dispatch/vm/layout"
)

// Codec reads and writes one kind of fixed-layout record.
type Codec[T any] interface {
	// FlagMask selects the bits of the entsize word reserved for flags.
	FlagMask() uint32
	// Size is the natural record size for a list with the given flags.
	Size(flags uint32) uint32
	// Decode reads the record in b, which was loaded at addr.
	Decode(b []byte, addr uintptr, flags uint32) (T, error)
	// Encode writes v into b, which will be loaded at addr.
	Encode(b []byte, addr uintptr, flags uint32, v T) error
	// HeapFlags returns the flags a heap copy of a list with flags uses.
	HeapFlags(flags uint32) uint32
}

// RecordList is an immutable array of records with a stride that may exceed
// the record size, prefixed by an (entsize|flags, count) header. Readers may
// index it without synchronization. The only mutation is setting flag bits.
type RecordList[T any] struct {
	entsizeAndFlags atomic.Uint32
	count           uint32
	addr            uintptr // address of the header
	data            []byte  // count*stride bytes following the header
	codec           Codec[T]
}

// NewRecordList encodes elems into a fresh list. A zero stride selects the
// natural record size for flags.
func NewRecordList[T any](codec Codec[T], flags, stride uint32, elems []T) (*RecordList[T], error) {
	mask := codec.FlagMask()
	if flags&^mask != 0 {
		return nil, fmt.Errorf("%w: flags %#x outside mask %#x", ErrInvalidList, flags, mask)
	}
	natural := codec.Size(flags)
	if stride == 0 {
		stride = natural
	}
	if stride < natural {
		return nil, fmt.Errorf("stride %d: %w", stride, layout.ErrStride)
	}
	if stride&mask != 0 {
		return nil, fmt.Errorf("%w: stride %d overlaps flag bits", ErrInvalidList, stride)
	}
	if uint64(len(elems)) > 1<<32-1 {
		fatal(FatalExhaustion, "record list count %d overflows", len(elems))
	}
	size, ok := layout.ListBytes(stride, uint32(len(elems)))
	if !ok {
		fatal(FatalExhaustion, "record list of %d records at stride %d overflows", len(elems), stride)
	}

	l := &RecordList[T]{
		count: uint32(len(elems)),
		addr:  allocImage(size),
		data:  make([]byte, size-layout.EntsizeHeaderSize),
		codec: codec,
	}
	l.entsizeAndFlags.Store(stride | flags)
	for i, v := range elems {
		off := uint32(i) * stride
		if err := codec.Encode(l.data[off:off+stride], l.elemAddr(uint32(i)), flags, v); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return l, nil
}

// ParseRecordList wraps list bytes loaded at addr without copying them.
// It returns the list and the number of bytes it occupies.
func ParseRecordList[T any](codec Codec[T], b []byte, addr uintptr) (*RecordList[T], int, error) {
	h, err := layout.DecodeEntsizeHeader(b)
	if err != nil {
		return nil, 0, err
	}
	mask := codec.FlagMask()
	stride := h.Entsize(mask)
	if stride < codec.Size(h.Flags(mask)) {
		return nil, 0, fmt.Errorf("entsize %d: %w", stride, layout.ErrStride)
	}
	size, ok := layout.ListBytes(stride, h.Count)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %d records at stride %d", ErrInvalidList, h.Count, stride)
	}
	if len(b) < size {
		return nil, 0, fmt.Errorf("record list: %w", layout.ErrTruncated)
	}
	l := &RecordList[T]{
		count: h.Count,
		addr:  addr,
		data:  b[layout.EntsizeHeaderSize:size],
		codec: codec,
	}
	l.entsizeAndFlags.Store(h.EntsizeAndFlags)
	return l, size, nil
}

// Entsize returns the stride between records.
func (l *RecordList[T]) Entsize() uint32 {
	return l.entsizeAndFlags.Load() &^ l.codec.FlagMask()
}

// Flags returns the flag bits of the entsize word.
func (l *RecordList[T]) Flags() uint32 {
	return l.entsizeAndFlags.Load() & l.codec.FlagMask()
}

// Count returns the number of records.
func (l *RecordList[T]) Count() int {
	if l == nil {
		return 0
	}
	return int(l.count)
}

// Addr returns the load address of the list header.
func (l *RecordList[T]) Addr() uintptr { return l.addr }

// ByteSize returns the size of the header and records.
func (l *RecordList[T]) ByteSize() int { return layout.EntsizeHeaderSize + len(l.data) }

// Bytes returns the list in its binary form, header included.
func (l *RecordList[T]) Bytes() []byte {
	out := make([]byte, l.ByteSize())
	_ = layout.EntsizeHeader{EntsizeAndFlags: l.entsizeAndFlags.Load(), Count: l.count}.Put(out)
	copy(out[layout.EntsizeHeaderSize:], l.data)
	return out
}

// Get returns record i. It panics if i is not less than Count.
func (l *RecordList[T]) Get(i int) T {
	if i < 0 || i >= int(l.count) {
		panic(fmt.Sprintf("vm: record index %d out of range [0:%d]", i, l.count))
	}
	b, addr := l.raw(uint32(i))
	v, err := l.codec.Decode(b, addr, l.Flags())
	if err != nil {
		fatal(FatalCorruption, "record %d at %#x: %v", i, addr, err)
	}
	return v
}

// GetOrEnd returns record i, or the zero value and false when i is the end
// position Count.
func (l *RecordList[T]) GetOrEnd(i int) (T, bool) {
	if i == int(l.count) {
		var zero T
		return zero, false
	}
	return l.Get(i), true
}

// All yields the records in order.
func (l *RecordList[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for i := 0; i < l.Count(); i++ {
			if !yield(l.Get(i)) {
				return
			}
		}
	}
}

// Duplicate returns a heap copy of the list. The copy may use a different
// layout (see Codec.HeapFlags) but decodes to the same records.
func (l *RecordList[T]) Duplicate() *RecordList[T] {
	flags := l.Flags()
	heap := l.codec.HeapFlags(flags)
	stride := l.Entsize()
	if heap != flags {
		stride = 0
	}
	elems := make([]T, 0, l.count)
	for v := range l.All() {
		elems = append(elems, v)
	}
	dup, err := NewRecordList(l.codec, heap, stride, elems)
	if err != nil {
		fatal(FatalCorruption, "duplicate record list at %#x: %v", l.addr, err)
	}
	return dup
}

func (l *RecordList[T]) raw(i uint32) ([]byte, uintptr) {
	stride := l.Entsize()
	off := i * stride
	return l.data[off : off+stride], l.elemAddr(i)
}

func (l *RecordList[T]) elemAddr(i uint32) uintptr {
	return l.addr + layout.EntsizeHeaderSize + uintptr(i)*uintptr(l.Entsize())
}

func (l *RecordList[T]) hasFlag(bit uint32) bool {
	return l.entsizeAndFlags.Load()&bit != 0
}

func (l *RecordList[T]) setFlag(bit uint32) {
	l.entsizeAndFlags.Or(bit)
}
