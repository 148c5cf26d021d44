package vm

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// impModifier is the context an encoded entry point is bound to.
type impModifier struct {
	bucket uintptr
	sel    SEL
	cls    uintptr
}

// impEncoding converts entry points to and from their stored bucket form.
// decode reports false when the stored value fails validation.
type impEncoding interface {
	name() string
	encode(imp IMP, m impModifier) uintptr
	decode(stored uintptr, m impModifier) (IMP, bool)
}

// rawEncoding stores entry points unchanged.
type rawEncoding struct{}

func (rawEncoding) name() string                                { return "raw" }
func (rawEncoding) encode(imp IMP, _ impModifier) uintptr       { return uintptr(imp) }
func (rawEncoding) decode(v uintptr, _ impModifier) (IMP, bool) { return IMP(v), true }

// xorEncoding stores entry points XORed with the owning class address.
type xorEncoding struct{}

func (xorEncoding) name() string                                { return "isa-xor" }
func (xorEncoding) encode(imp IMP, m impModifier) uintptr       { return uintptr(imp) ^ m.cls }
func (xorEncoding) decode(v uintptr, m impModifier) (IMP, bool) { return IMP(v ^ m.cls), true }

const (
	signedTagShift = 48
	signedAddrMask = 1<<signedTagShift - 1
)

// signedEncoding stores a keyed 16-bit tag over the entry point and its
// modifier in the high bits.
type signedEncoding struct {
	key [32]byte
}

func newSignedEncoding() *signedEncoding {
	e := &signedEncoding{}
	if _, err := rand.Read(e.key[:]); err != nil {
		panic("vm: cannot seed entry point signing key: " + err.Error())
	}
	return e
}

func (*signedEncoding) name() string { return "signed" }

func (e *signedEncoding) tag(addr uintptr, m impModifier) uint64 {
	var buf [48]byte
	copy(buf[:32], e.key[:])
	binary.LittleEndian.PutUint64(buf[32:], uint64(addr))
	binary.LittleEndian.PutUint64(buf[40:], uint64(m.bucket^uintptr(m.sel)^m.cls))
	sum := blake2b.Sum256(buf[:])
	return uint64(binary.LittleEndian.Uint16(sum[:2]))
}

func (e *signedEncoding) encode(imp IMP, m impModifier) uintptr {
	if uint64(imp) > signedAddrMask {
		fatal(FatalCorruption, "entry point %#x outside signable range", uintptr(imp))
	}
	return uintptr(uint64(imp) | e.tag(uintptr(imp), m)<<signedTagShift)
}

func (e *signedEncoding) decode(v uintptr, m impModifier) (IMP, bool) {
	addr := uintptr(uint64(v) & signedAddrMask)
	if uint64(v)>>signedTagShift != e.tag(addr, m) {
		return 0, false
	}
	return IMP(addr), true
}
