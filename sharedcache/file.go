package sharedcache

import (
	"bytes"
	"fmt"

	"github.com/chazu/dispatch/vm"
	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

type classTable struct {
	addr  uintptr
	cache *vm.PreoptCache
}

// File is an opened shared cache. Tables handed out by a File point into its
// mapping, so the File must stay open as long as any runtime uses them.
type File struct {
	data      []byte
	unmap     func() error
	header    header
	selectors []string
	names     []string
	tables    map[string]classTable
}

// Open maps the shared cache at path read-only and validates it. A non-zero
// want must match the file's UUID.
func Open(path string, want uuid.UUID) (*File, error) {
	data, unmap, err := mapFile(path)
	if err != nil {
		return nil, fmt.Errorf("open shared cache %s: %w", path, err)
	}
	f, err := Parse(data, want)
	if err != nil {
		_ = unmap()
		return nil, fmt.Errorf("open shared cache %s: %w", path, err)
	}
	f.unmap = unmap
	log.Infof("mapped shared cache %s: %s, %d tables", path, f.UUID(), len(f.names))
	return f, nil
}

// Parse validates a shared cache held in memory. The File refers to data
// without copying it.
func Parse(data []byte, want uuid.UUID) (*File, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if sum := xxh3.Hash(data[headerSize:]); sum != h.Checksum {
		return nil, fmt.Errorf("%w: got %#x, header says %#x", ErrChecksum, sum, h.Checksum)
	}
	if want != uuid.Nil && want != h.UUID {
		return nil, fmt.Errorf("%w: file is %s, want %s", ErrUUID, h.UUID, want)
	}

	f := &File{
		data:   data,
		header: h,
		tables: make(map[string]classTable, h.ClassCount),
	}

	dir, ok := span(data, headerSize, h.ClassCount*dirEntrySize)
	if !ok || uint64(h.ClassCount)*dirEntrySize > uint64(len(data)) {
		return nil, fmt.Errorf("%w: directory of %d classes", ErrCorrupt, h.ClassCount)
	}
	for i := range h.ClassCount {
		e := parseDirEntry(dir[i*dirEntrySize:])
		name, ok := span(data, e.NameOff, e.NameLen)
		if !ok {
			return nil, fmt.Errorf("%w: name of class %d", ErrCorrupt, i)
		}
		tbl, ok := span(data, e.TableOff, e.TableLen)
		if !ok {
			return nil, fmt.Errorf("%w: table of %s", ErrCorrupt, name)
		}
		cache, err := vm.NewPreoptCache(tbl, uintptr(h.SelBase))
		if err != nil {
			return nil, fmt.Errorf("table of %s: %w", name, err)
		}
		f.names = append(f.names, string(name))
		f.tables[string(name)] = classTable{addr: uintptr(e.ClassAddr), cache: cache}
	}

	sels, ok := span(data, h.SelNamesOff, h.SelNamesLen)
	if !ok {
		return nil, fmt.Errorf("%w: selector section", ErrCorrupt)
	}
	for len(sels) > 0 {
		n := bytes.IndexByte(sels, 0)
		if n < 0 {
			return nil, fmt.Errorf("%w: unterminated selector name", ErrCorrupt)
		}
		f.selectors = append(f.selectors, string(sels[:n]))
		sels = sels[n+1:]
	}
	return f, nil
}

// UUID returns the file's identity.
func (f *File) UUID() uuid.UUID { return f.header.UUID }

// SelectorBase returns the selector section address the tables expect.
func (f *File) SelectorBase() uintptr { return uintptr(f.header.SelBase) }

// Selectors returns the selector names in section order.
func (f *File) Selectors() []string { return f.selectors }

// Classes returns the names of classes with a table, in file order.
func (f *File) Classes() []string { return f.names }

// Size returns the file size in bytes.
func (f *File) Size() int { return len(f.data) }

// Table returns the table built for the named class.
func (f *File) Table(name string) (*vm.PreoptCache, bool) {
	t, ok := f.tables[name]
	return t.cache, ok
}

// PreoptTable implements vm.PreoptSource. A class whose address differs from
// the one the table was built for gets nothing.
func (f *File) PreoptTable(name string, addr uintptr) (*vm.PreoptCache, bool) {
	t, ok := f.tables[name]
	if !ok {
		return nil, false
	}
	if t.addr != addr {
		log.Debugf("ignoring table for %s: built for %#x, class is at %#x", name, t.addr, addr)
		return nil, false
	}
	return t.cache, true
}

// Install seeds rt's selector section from the file and makes the file the
// source of preoptimized tables for classes rt realizes from now on. Call it
// before loading classes so selectors land at the offsets the tables use.
func (f *File) Install(rt *vm.Runtime) error {
	if base := rt.Selectors.Base(); base != f.SelectorBase() {
		return fmt.Errorf("%w: runtime %#x, file %#x", ErrSelectorBase, base, f.SelectorBase())
	}
	if err := rt.Selectors.Preload(f.selectors); err != nil {
		return fmt.Errorf("install shared cache %s: %w", f.UUID(), err)
	}
	rt.SetPreopt(f)
	return nil
}

// Close releases the mapping.
func (f *File) Close() error {
	if f.unmap == nil {
		return nil
	}
	err := f.unmap()
	f.unmap = nil
	f.data = nil
	return err
}
