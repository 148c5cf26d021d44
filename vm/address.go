package vm

import "sync/atomic"

// Virtual address regions. Every region lies within 2GB of every other so
// relative 32-bit offsets between them always fit.
const (
	SelectorBase uintptr = 0x1000_0000
	StringBase   uintptr = 0x2000_0000
	ImageBase    uintptr = 0x3000_0000
	ImpBase      uintptr = 0x4000_0000
	ClassBase    uintptr = 0x6000_0000

	regionSize  uintptr = 0x1000_0000
	classStride uintptr = 0x40
)

var imageCursor atomic.Uintptr

// allocImage reserves n bytes of image address space, 8-byte aligned.
func allocImage(n int) uintptr {
	size := (uintptr(n) + 7) &^ 7
	end := imageCursor.Add(size)
	if end > regionSize {
		fatal(FatalExhaustion, "image address space exhausted")
	}
	return ImageBase + end - size
}
