// Package image encodes class images: the class, method, property and
// category definitions a loader hands to the dispatch runtime. Images are
// canonical CBOR, so equal images encode to equal bytes.
package image

import (
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("dispatch.image")

// FormatVersion is the image version written by Marshal.
const FormatVersion = 1

var (
	// ErrVersion indicates an image written by an incompatible encoder.
	ErrVersion = errors.New("image: unsupported version")
	// ErrMissingSuperclass indicates a superclass that is neither in the
	// image nor registered in the runtime.
	ErrMissingSuperclass = errors.New("image: missing superclass")
	// ErrMissingClass indicates a category for a class that does not exist.
	ErrMissingClass = errors.New("image: category target not found")
	// ErrCycle indicates classes that inherit from each other.
	ErrCycle = errors.New("image: superclass cycle")
)

// Image is a set of class definitions and the categories that extend them.
type Image struct {
	Version    uint8         `cbor:"1,keyasint"`
	Classes    []ClassDef    `cbor:"2,keyasint,omitempty"`
	Categories []CategoryDef `cbor:"3,keyasint,omitempty"`
}

// ClassDef describes one class. Superclass names a class in the same image
// or one already registered; empty means a root class.
type ClassDef struct {
	Name          string        `cbor:"1,keyasint"`
	Superclass    string        `cbor:"2,keyasint,omitempty"`
	Flags         uint32        `cbor:"3,keyasint,omitempty"`
	InstanceStart uint32        `cbor:"4,keyasint,omitempty"`
	InstanceSize  uint32        `cbor:"5,keyasint,omitempty"`
	Methods       []MethodDef   `cbor:"6,keyasint,omitempty"`
	Properties    []PropertyDef `cbor:"7,keyasint,omitempty"`
	Protocols     []string      `cbor:"8,keyasint,omitempty"`

	// Layout of the base method list.
	MethodStride  uint32 `cbor:"9,keyasint,omitempty"`
	SmallMethods  bool   `cbor:"10,keyasint,omitempty"`
	SortedMethods bool   `cbor:"11,keyasint,omitempty"`
}

// MethodDef is one method. Imp is the entry-point address.
type MethodDef struct {
	Selector string `cbor:"1,keyasint"`
	Types    string `cbor:"2,keyasint,omitempty"`
	Imp      uint64 `cbor:"3,keyasint"`
}

// PropertyDef is one declared property.
type PropertyDef struct {
	Name       string `cbor:"1,keyasint"`
	Attributes string `cbor:"2,keyasint,omitempty"`
}

// CategoryDef adds lists to Class, which may be defined in this image or
// already registered.
type CategoryDef struct {
	Name       string        `cbor:"1,keyasint"`
	Class      string        `cbor:"2,keyasint"`
	Methods    []MethodDef   `cbor:"3,keyasint,omitempty"`
	Properties []PropertyDef `cbor:"4,keyasint,omitempty"`
	Protocols  []string      `cbor:"5,keyasint,omitempty"`
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Marshal encodes img. A zero Version is written as FormatVersion.
func Marshal(img *Image) ([]byte, error) {
	out := *img
	if out.Version == 0 {
		out.Version = FormatVersion
	}
	return encMode.Marshal(&out)
}

// Unmarshal decodes an image and checks its version.
func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("image: unmarshal: %w", err)
	}
	if img.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, img.Version)
	}
	return &img, nil
}

// ReadFile reads and decodes the image at path.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// WriteFile encodes img to path.
func WriteFile(path string, img *Image) error {
	data, err := Marshal(img)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
