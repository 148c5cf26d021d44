package layout

import "errors"

var (
	// ErrTruncated indicates the buffer lacked the bytes required for a record.
	ErrTruncated = errors.New("layout: truncated buffer")
	// ErrStride indicates an entsize smaller than the record it describes.
	ErrStride = errors.New("layout: stride smaller than record")
	// ErrRange indicates a value that does not fit its field.
	ErrRange = errors.New("layout: value out of range")
)
