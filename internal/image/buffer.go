// Package image provides the Buffer data model: a loaded, read-only memory
// or flash dump together with the target address its first byte maps to.
//
// All search and synthesis code operates on Buffers. Internally searches
// work with 0-based offsets into the dump; user-facing results and
// stratagem files carry absolute target addresses. Buffer owns that
// translation so nothing else has to.
package image

import (
	"errors"
	"fmt"
)

// ErrOutOfBounds is returned when an offset, address, or range falls
// outside the buffer's mapped region. Structure probes treat this as
// "no match here", never as a fault.
var ErrOutOfBounds = errors.New("outside buffer bounds")

// Buffer is an immutable byte sequence with an associated base address.
// The data slice must not be modified after the Buffer is created.
type Buffer struct {
	data []byte
	addr uint64
}

// New creates a Buffer over data, whose first byte corresponds to the
// target address addr. The caller must not mutate data afterwards.
func New(data []byte, addr uint64) *Buffer {
	return &Buffer{data: data, addr: addr}
}

// Len returns the number of bytes in the buffer.
func (b *Buffer) Len() int {
	return len(b.data)
}

// BaseAddr returns the target address of the first byte.
func (b *Buffer) BaseAddr() uint64 {
	return b.addr
}

// EndAddr returns the target address one past the last byte.
func (b *Buffer) EndAddr() uint64 {
	return b.addr + uint64(len(b.data))
}

// Data returns the underlying byte slice. Callers must treat it as
// read-only.
func (b *Buffer) Data() []byte {
	return b.data
}

// Contains reports whether addr falls within the buffer's mapped range.
func (b *Buffer) Contains(addr uint64) bool {
	return addr >= b.addr && addr < b.EndAddr()
}

// Addr translates a 0-based offset into an absolute target address.
func (b *Buffer) Addr(offset int) uint64 {
	return b.addr + uint64(offset)
}

// Offset translates an absolute target address into a 0-based offset.
func (b *Buffer) Offset(addr uint64) (int, error) {
	if !b.Contains(addr) {
		return 0, fmt.Errorf("address 0x%08x %w [0x%08x, 0x%08x)",
			addr, ErrOutOfBounds, b.addr, b.EndAddr())
	}
	return int(addr - b.addr), nil
}

// Bytes returns the length-byte slice starting at offset, without copying.
// Callers must treat the result as read-only.
func (b *Buffer) Bytes(offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > len(b.data) {
		return nil, fmt.Errorf("range [%d, %d) %w (len %d)",
			offset, offset+length, ErrOutOfBounds, len(b.data))
	}
	return b.data[offset : offset+length], nil
}

// maxCString bounds CStringAt scans so a corrupt pointer into a sea of
// printable bytes cannot degrade a search into scanning the whole dump.
const maxCString = 4096

// CStringAt reads the NUL-terminated ASCII string located at the given
// target address. Only printable characters plus tab, CR, and LF are
// accepted; anything else before the terminator means this is not a string
// and ErrOutOfBounds-style rejection applies.
func (b *Buffer) CStringAt(addr uint64) (string, error) {
	offset, err := b.Offset(addr)
	if err != nil {
		return "", err
	}

	limit := offset + maxCString
	if limit > len(b.data) {
		limit = len(b.data)
	}

	for i := offset; i < limit; i++ {
		c := b.data[i]
		if c == 0 {
			return string(b.data[offset:i]), nil
		}
		if !printableASCII(c) {
			return "", fmt.Errorf("non-printable byte 0x%02x at 0x%08x: %w",
				c, b.Addr(i), ErrOutOfBounds)
		}
	}

	return "", fmt.Errorf("unterminated string at 0x%08x: %w", addr, ErrOutOfBounds)
}

func printableASCII(c byte) bool {
	return (c >= 0x20 && c <= 0x7e) || c == '\t' || c == '\r' || c == '\n'
}

// Region is a half-open address range [Start, End) within the target's
// address space, used to express excluded regions ("gaps") and operation
// source/destination spans.
type Region struct {
	Start uint64
	End   uint64
}

// NewRegion builds a Region from a start address and length.
func NewRegion(start uint64, length int) Region {
	return Region{Start: start, End: start + uint64(length)}
}

// Overlaps reports whether two regions share any address.
func (r Region) Overlaps(other Region) bool {
	return r.Start < other.End && other.Start < r.End
}

// Contains reports whether addr falls within the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Len returns the region's size in bytes.
func (r Region) Len() int {
	return int(r.End - r.Start)
}

func (r Region) String() string {
	return fmt.Sprintf("[0x%08x, 0x%08x)", r.Start, r.End)
}
