// Package sharedcache reads and writes preoptimized dispatch cache files.
//
// A file holds one read-only cache table per class, laid out the way
// vm.PreoptCache expects, together with the selector section the tables
// were built against. Processes map the same file and adopt its tables when
// they realize the matching classes.
//
// File layout, little-endian:
//
//	header      56 bytes
//	directory   classCount * 24 bytes
//	names       class names, back to back
//	selectors   selector names, NUL terminated, in section order
//	tables      preopt tables, each 8-byte aligned
package sharedcache

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("dispatch.sharedcache")

// Magic identifies a shared cache file.
const Magic = "DSPC"

// Version is the file format version written by Build.
const Version uint32 = 1

const (
	headerSize   = 56
	dirEntrySize = 24

	offMagic       = 0
	offVersion     = 4
	offUUID        = 8
	offSelBase     = 24
	offChecksum    = 32
	offClassCount  = 40
	offSelNamesOff = 44
	offSelNamesLen = 48
)

var (
	// ErrBadMagic indicates the file is not a shared cache.
	ErrBadMagic = errors.New("sharedcache: bad magic")
	// ErrVersion indicates an unsupported format version.
	ErrVersion = errors.New("sharedcache: unsupported version")
	// ErrChecksum indicates the file contents do not match the header checksum.
	ErrChecksum = errors.New("sharedcache: checksum mismatch")
	// ErrUUID indicates the file is not the one the caller asked for.
	ErrUUID = errors.New("sharedcache: uuid mismatch")
	// ErrCorrupt indicates an offset or length outside the file.
	ErrCorrupt = errors.New("sharedcache: corrupt file")
	// ErrSelectorBase indicates the runtime's selector section does not sit
	// where the file's tables expect it.
	ErrSelectorBase = errors.New("sharedcache: selector base mismatch")
)

type header struct {
	Version     uint32
	UUID        uuid.UUID
	SelBase     uint64
	Checksum    uint64
	ClassCount  uint32
	SelNamesOff uint32
	SelNamesLen uint32
}

func (h header) put(b []byte) {
	copy(b[offMagic:], Magic)
	binary.LittleEndian.PutUint32(b[offVersion:], h.Version)
	copy(b[offUUID:offUUID+16], h.UUID[:])
	binary.LittleEndian.PutUint64(b[offSelBase:], h.SelBase)
	binary.LittleEndian.PutUint64(b[offChecksum:], h.Checksum)
	binary.LittleEndian.PutUint32(b[offClassCount:], h.ClassCount)
	binary.LittleEndian.PutUint32(b[offSelNamesOff:], h.SelNamesOff)
	binary.LittleEndian.PutUint32(b[offSelNamesLen:], h.SelNamesLen)
}

func parseHeader(b []byte) (header, error) {
	if len(b) < headerSize {
		return header{}, ErrCorrupt
	}
	if string(b[offMagic:offMagic+4]) != Magic {
		return header{}, ErrBadMagic
	}
	var h header
	h.Version = binary.LittleEndian.Uint32(b[offVersion:])
	copy(h.UUID[:], b[offUUID:offUUID+16])
	h.SelBase = binary.LittleEndian.Uint64(b[offSelBase:])
	h.Checksum = binary.LittleEndian.Uint64(b[offChecksum:])
	h.ClassCount = binary.LittleEndian.Uint32(b[offClassCount:])
	h.SelNamesOff = binary.LittleEndian.Uint32(b[offSelNamesOff:])
	h.SelNamesLen = binary.LittleEndian.Uint32(b[offSelNamesLen:])
	return h, nil
}

type dirEntry struct {
	NameOff   uint32
	NameLen   uint32
	TableOff  uint32
	TableLen  uint32
	ClassAddr uint64
}

func (e dirEntry) put(b []byte) {
	binary.LittleEndian.PutUint32(b, e.NameOff)
	binary.LittleEndian.PutUint32(b[4:], e.NameLen)
	binary.LittleEndian.PutUint32(b[8:], e.TableOff)
	binary.LittleEndian.PutUint32(b[12:], e.TableLen)
	binary.LittleEndian.PutUint64(b[16:], e.ClassAddr)
}

func parseDirEntry(b []byte) dirEntry {
	return dirEntry{
		NameOff:   binary.LittleEndian.Uint32(b),
		NameLen:   binary.LittleEndian.Uint32(b[4:]),
		TableOff:  binary.LittleEndian.Uint32(b[8:]),
		TableLen:  binary.LittleEndian.Uint32(b[12:]),
		ClassAddr: binary.LittleEndian.Uint64(b[16:]),
	}
}

// span returns b[off:off+n] or false if it falls outside b.
func span(b []byte, off, n uint32) ([]byte, bool) {
	end := uint64(off) + uint64(n)
	if end > uint64(len(b)) {
		return nil, false
	}
	return b[off:end], true
}
