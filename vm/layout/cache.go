package layout

import "fmt"

// Bucket is one dispatch cache slot, selector first.
type Bucket struct {
	Sel uint64
	Imp uint64
}

// DecodeBucket reads a bucket.
func DecodeBucket(b []byte) (Bucket, error) {
	if len(b) < BucketSize {
		return Bucket{}, fmt.Errorf("bucket: %w", ErrTruncated)
	}
	return Bucket{Sel: u64(b), Imp: u64(b[8:])}, nil
}

// Put writes k into b.
func (k Bucket) Put(b []byte) error {
	if len(b) < BucketSize {
		return fmt.Errorf("bucket: %w", ErrTruncated)
	}
	put64(b, k.Sel)
	put64(b[8:], k.Imp)
	return nil
}

// PreoptHeader describes a preoptimized, read-only cache table. The entry
// array of Mask+1 slots follows it directly.
type PreoptHeader struct {
	FallbackClassOffset int32
	Shift               uint8
	Mask                uint16
	Occupied            uint16
	HasInlines          bool
	BitOne              bool
}

// Capacity is the number of entry slots.
func (h PreoptHeader) Capacity() int { return int(h.Mask) + 1 }

// TableSize is the byte size of the header plus its entries.
func (h PreoptHeader) TableSize() int { return PreoptHeaderSize + h.Capacity()*PreoptEntrySize }

// DecodePreoptHeader reads a preopt table header.
func DecodePreoptHeader(b []byte) (PreoptHeader, error) {
	if len(b) < PreoptHeaderSize {
		return PreoptHeader{}, fmt.Errorf("preopt header: %w", ErrTruncated)
	}
	params := u16(b[4:])
	occ := u16(b[6:])
	return PreoptHeader{
		FallbackClassOffset: i32(b),
		Shift:               uint8(params & (1<<preoptShiftBits - 1)),
		Mask:                params >> preoptShiftBits,
		Occupied:            occ & preoptOccupiedMask,
		HasInlines:          occ&preoptHasInlines != 0,
		BitOne:              occ&preoptBitOne != 0,
	}, nil
}

// Put writes h into b.
func (h PreoptHeader) Put(b []byte) error {
	if len(b) < PreoptHeaderSize {
		return fmt.Errorf("preopt header: %w", ErrTruncated)
	}
	if h.Shift > PreoptMaxShift {
		return fmt.Errorf("preopt shift %d: %w", h.Shift, ErrRange)
	}
	if h.Mask >= 1<<PreoptMaxMaskBits {
		return fmt.Errorf("preopt mask %#x: %w", h.Mask, ErrRange)
	}
	if h.Mask&(h.Mask+1) != 0 {
		return fmt.Errorf("preopt mask %#x not a power of two minus one: %w", h.Mask, ErrRange)
	}
	if int(h.Occupied) > PreoptMaxOccupied {
		return fmt.Errorf("preopt occupied %d: %w", h.Occupied, ErrRange)
	}
	put32(b, uint32(h.FallbackClassOffset))
	put16(b[4:], uint16(h.Shift)|h.Mask<<preoptShiftBits)
	occ := h.Occupied
	if h.HasInlines {
		occ |= preoptHasInlines
	}
	if h.BitOne {
		occ |= preoptBitOne
	}
	put16(b[6:], occ)
	return nil
}

// PreoptEntry maps a selector offset to an implementation offset.
// The implementation is the class address minus ImpOffs.
type PreoptEntry struct {
	SelOffs uint32
	ImpOffs uint32
}

// Empty reports whether the entry is an unused slot.
func (e PreoptEntry) Empty() bool { return e.SelOffs == PreoptEmptySel }

// DecodePreoptEntry reads entry i of the table whose entries start at b.
func DecodePreoptEntry(b []byte, i int) (PreoptEntry, error) {
	off := i * PreoptEntrySize
	if i < 0 || len(b) < off+PreoptEntrySize {
		return PreoptEntry{}, fmt.Errorf("preopt entry %d: %w", i, ErrTruncated)
	}
	return PreoptEntry{SelOffs: u32(b[off:]), ImpOffs: u32(b[off+4:])}, nil
}

// Put writes e into b.
func (e PreoptEntry) Put(b []byte) error {
	if len(b) < PreoptEntrySize {
		return fmt.Errorf("preopt entry: %w", ErrTruncated)
	}
	put32(b, e.SelOffs)
	put32(b[4:], e.ImpOffs)
	return nil
}
