// Package layout holds the bit-exact binary layouts shared with producers of
// class images and preoptimized cache files.
//
// All layouts are little-endian, 64-bit.
package layout

const (
	// EntsizeHeaderSize is the size of the (entsizeAndFlags, count) prefix.
	EntsizeHeaderSize = 8

	BigMethodSize   = 24
	SmallMethodSize = 12
	PropertySize    = 16
	ProtocolRefSize = 8
	ClassROSize     = 72
	BucketSize      = 16

	PreoptHeaderSize = 8
	PreoptEntrySize  = 8
)

// Method list flag bits carried in the entsize word.
const (
	MethodListFlagMask  uint32 = 0xffff0003
	SmallMethodListFlag uint32 = 0x80000000
	MethodListFixedUp   uint32 = 0x1
	MethodListSorted    uint32 = 0x2
)

// Preoptimized table limits.
const (
	PreoptEmptySel     uint32 = 0xffffffff
	PreoptMaxShift            = 31
	PreoptMaxMaskBits         = 11
	PreoptMaxOccupied         = 1<<14 - 1
	preoptShiftBits           = 5
	preoptOccupiedMask uint16 = 1<<14 - 1
	preoptHasInlines   uint16 = 1 << 14
	preoptBitOne       uint16 = 1 << 15
)
