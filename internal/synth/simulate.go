package synth

import (
	"bytes"
	"fmt"

	"github.com/nccgroup/depthcharge/internal/checksum"
	"github.com/nccgroup/depthcharge/internal/image"
	"github.com/nccgroup/depthcharge/internal/stratagem"
)

// Simulate replays a plan offline against the source image it was built
// from, modeling the target's checksum-write primitive: each entry
// checksums its source range and deposits the 4-byte result at the
// destination, then re-checksums that word in place for each remaining
// iteration. Each entry's final value is checked against its recorded
// expected checksum.
//
// The returned buffer covers the full destination span, including the up
// to 3 spill bytes a partial-width tail write clobbers past its patch.
func Simulate(plan *stratagem.Stratagem, src *image.Buffer) (*image.Buffer, error) {
	if len(plan.Entries) == 0 {
		return nil, fmt.Errorf("stratagem has no entries")
	}

	engine := checksum.New(plan.Algorithm)

	// The checksum command always stores a full word, so the modeled
	// region extends 4 bytes past every destination.
	lo := plan.Entries[0].DstAddr
	hi := lo
	for i := range plan.Entries {
		e := &plan.Entries[i]
		if e.DstAddr < lo {
			lo = e.DstAddr
		}
		if end := e.DstAddr + 4; end > hi {
			hi = end
		}
	}

	out := make([]byte, hi-lo)

	for i := range plan.Entries {
		e := &plan.Entries[i]

		var input []byte
		if e.ReadsBack() {
			if e.TSrcAddr < lo || e.TSrcAddr+uint64(e.SrcSize) > hi {
				return nil, fmt.Errorf("entry %d: source word at 0x%08x outside written span",
					i, e.TSrcAddr)
			}
			off := e.TSrcAddr - lo
			input = out[off : off+uint64(e.SrcSize)]
		} else {
			srcOff, err := src.Offset(uint64(e.SrcAddr))
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			input, err = src.Bytes(srcOff, e.SrcSize)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
		}

		value := engine.Checksum(input)
		for iter := 1; iter < e.Iterations; iter++ {
			value = engine.Checksum(engine.WordBytes(value))
		}

		if value != e.Checksum {
			return nil, fmt.Errorf("entry %d: replay produced 0x%08x, plan expected 0x%08x",
				i, value, e.Checksum)
		}

		copy(out[e.DstAddr-lo:], engine.WordBytes(value))
	}

	return image.New(out, lo), nil
}

// Verify replays the plan and compares the produced bytes against every
// patch in patches.
func Verify(plan *stratagem.Stratagem, src *image.Buffer, patches *stratagem.PatchList) error {
	out, err := Simulate(plan, src)
	if err != nil {
		return err
	}

	for _, p := range patches.Patches() {
		off, err := out.Offset(p.Address)
		if err != nil {
			return fmt.Errorf("patch at 0x%08x not covered by plan: %w", p.Address, err)
		}
		got, err := out.Bytes(off, len(p.Value))
		if err != nil {
			return fmt.Errorf("patch at 0x%08x not fully covered by plan: %w", p.Address, err)
		}
		if !bytes.Equal(got, p.Value) {
			return fmt.Errorf("patch at 0x%08x: replay produced % x, want % x",
				p.Address, got, p.Value)
		}
	}
	return nil
}
