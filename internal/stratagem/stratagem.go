// Package stratagem defines the operation-plan data model: the patch list a
// caller wants deposited in target memory, and the serialized sequence of
// checksum-write operations that achieves it.
//
// A stratagem file is self-contained. Operations carry absolute target
// addresses and literal expected checksum values, so a saved plan can be
// inspected, verified, or replayed without the memory image it was built
// from.
package stratagem

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/nccgroup/depthcharge/internal/checksum"
	"github.com/nccgroup/depthcharge/internal/image"
	"github.com/nccgroup/depthcharge/internal/version"
)

// ErrPatchOverlap is returned when two patches in a PatchList collide in
// destination address ranges. Overlap is a construction error, never
// silently resolved.
var ErrPatchOverlap = errors.New("memory patch destinations overlap")

// MemoryPatch is one desired region of target memory: the exact bytes
// Value placed at Address. Expected optionally records the bytes assumed
// to reside there before the write, for executors that pre-verify; when
// set it must match Value's length.
type MemoryPatch struct {
	Address  uint64
	Value    []byte
	Expected []byte
	Desc     string
}

// Region returns the destination address range the patch occupies.
func (p *MemoryPatch) Region() image.Region {
	return image.NewRegion(p.Address, len(p.Value))
}

// PatchList is an ordered set of memory patches. Entries are validated as
// they are appended; a PatchList that exists is internally consistent.
type PatchList struct {
	patches []MemoryPatch
}

// Append validates p and adds it to the list.
func (l *PatchList) Append(p MemoryPatch) error {
	if len(p.Value) == 0 {
		return fmt.Errorf("patch at 0x%08x: empty value", p.Address)
	}
	if p.Address > math.MaxUint64-uint64(len(p.Value)) {
		return fmt.Errorf("patch at 0x%08x: %d bytes overflow the address space",
			p.Address, len(p.Value))
	}
	if p.Expected != nil && len(p.Expected) != len(p.Value) {
		return fmt.Errorf("patch at 0x%08x: expected data is %d bytes, value is %d bytes",
			p.Address, len(p.Expected), len(p.Value))
	}

	region := p.Region()
	for i := range l.patches {
		if other := l.patches[i].Region(); region.Overlaps(other) {
			return fmt.Errorf("patch %s collides with existing patch %s: %w",
				region, other, ErrPatchOverlap)
		}
	}

	l.patches = append(l.patches, p)
	return nil
}

// Patches returns the validated entries in append order. Callers must not
// modify the returned slice.
func (l *PatchList) Patches() []MemoryPatch {
	return l.patches
}

// Len returns the number of patches.
func (l *PatchList) Len() int {
	return len(l.patches)
}

// TotalBytes returns the total payload size across all patches.
func (l *PatchList) TotalBytes() int {
	n := 0
	for i := range l.patches {
		n += len(l.patches[i].Value)
	}
	return n
}

// Operation is one planned checksum-write step: checksum SrcSize bytes at
// the source, depositing the result word at DstAddr; then re-checksum the
// word at DstAddr in place for each remaining iteration.
//
// SrcAddr is an absolute target address, or -1 for entries whose input is
// a word the plan has already deposited; TSrcAddr then holds that word's
// absolute address.
type Operation struct {
	SrcAddr    int64  `json:"src_addr"`
	TSrcAddr   uint64 `json:"tsrc_addr,omitempty"`
	SrcSize    int    `json:"src_size"`
	DstAddr    uint64 `json:"dst_addr"`
	Width      int    `json:"width"`
	Iterations int    `json:"iterations"`
	Checksum   uint32 `json:"checksum"`
}

// ReadsBack reports whether the operation's input is a previously written
// payload word rather than a range of the source image.
func (op *Operation) ReadsBack() bool {
	return op.SrcAddr < 0
}

// Source returns the absolute address the operation reads from.
func (op *Operation) Source() uint64 {
	if op.ReadsBack() {
		return op.TSrcAddr
	}
	return uint64(op.SrcAddr)
}

// SourceRegion returns the address range the operation's first iteration
// reads.
func (op *Operation) SourceRegion() image.Region {
	return image.NewRegion(op.Source(), op.SrcSize)
}

// DstRegion returns the address range the operation's write physically
// clobbers. The checksum command always stores a full word, so a
// partial-width entry spills zero bytes past its payload and the region
// covers those too.
func (op *Operation) DstRegion() image.Region {
	w := op.Width
	if w < 4 {
		w = 4
	}
	return image.NewRegion(op.DstAddr, w)
}

// PayloadRegion returns the address range of the operation's real payload
// bytes, excluding any partial-width spill.
func (op *Operation) PayloadRegion() image.Region {
	return image.NewRegion(op.DstAddr, op.Width)
}

// FormatVersion identifies the stratagem file schema.
const FormatVersion = 1

// ConsumerCRC32Write names the executor the plan is built for: the
// bootloader console's checksum command used as a write primitive.
const ConsumerCRC32Write = "crc32-write"

// Stratagem is an ordered, immutable sequence of operations plus the
// metadata needed to replay or re-verify it.
type Stratagem struct {
	FormatVersion int             `json:"format_version"`
	Tool          string          `json:"tool,omitempty"`
	Consumer      string          `json:"consumer"`
	Timestamp     string          `json:"timestamp"`
	Comment       string          `json:"comment,omitempty"`
	Algorithm     checksum.Params `json:"algorithm"`
	Entries       []Operation     `json:"entries"`
}

// New creates an empty stratagem for the given checksum algorithm,
// stamped with the current time and tool version.
func New(params checksum.Params, comment string) *Stratagem {
	return &Stratagem{
		FormatVersion: FormatVersion,
		Tool:          version.Version,
		Consumer:      ConsumerCRC32Write,
		Timestamp:     time.Now().Format(time.RFC3339),
		Comment:       comment,
		Algorithm:     params,
	}
}

// TotalOperations returns the number of on-target checksum commands a
// replay issues, i.e. the sum of all entry iteration counts.
func (s *Stratagem) TotalOperations() int {
	total := 0
	for i := range s.Entries {
		total += s.Entries[i].Iterations
	}
	return total
}

// Save writes the stratagem to path as indented JSON.
func (s *Stratagem) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode stratagem: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write stratagem file: %w", err)
	}
	return nil
}

// Load reads a stratagem previously written by Save.
func Load(path string) (*Stratagem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stratagem file: %w", err)
	}

	var s Stratagem
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse stratagem file %s: %w", path, err)
	}

	if s.FormatVersion > FormatVersion {
		return nil, fmt.Errorf("stratagem file %s has format version %d; this build supports up to %d",
			path, s.FormatVersion, FormatVersion)
	}
	return &s, nil
}
