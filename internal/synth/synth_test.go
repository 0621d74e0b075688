package synth

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"github.com/nccgroup/depthcharge/internal/checksum"
	"github.com/nccgroup/depthcharge/internal/image"
	"github.com/nccgroup/depthcharge/internal/stratagem"
)

const (
	srcBase = 0x40000000
	dstBase = 0x87800000
)

// plant writes the 4-byte checksum preimage of target at off, so the
// synthesizer is guaranteed a lookup table hit for it.
func plant(data []byte, off int, e *checksum.Engine, target uint32) {
	v := e.Reverse4(target)
	data[off] = byte(v)
	data[off+1] = byte(v >> 8)
	data[off+2] = byte(v >> 16)
	data[off+3] = byte(v >> 24)
}

func patchList(t *testing.T, patches ...stratagem.MemoryPatch) *stratagem.PatchList {
	t.Helper()
	var l stratagem.PatchList
	for _, p := range patches {
		if err := l.Append(p); err != nil {
			t.Fatal(err)
		}
	}
	return &l
}

// The canonical scenario: a 64 KiB pseudo-random image must yield a
// single-operation plan writing 0xDEADBEEF, and replaying that operation
// deposits the right bytes.
func TestSynthesizeSingleWord(t *testing.T) {
	e := checksum.New(checksum.UBoot())

	data := make([]byte, 64*1024)
	rand.New(rand.NewSource(1)).Read(data)
	plant(data, 0x1234, e, 0xDEADBEEF)
	buf := image.New(data, srcBase)

	patches := patchList(t, stratagem.MemoryPatch{Address: dstBase, Value: e.WordBytes(0xDEADBEEF)})

	s := New(buf, e, Config{MaxWindowLen: 64})
	plan, err := s.Synthesize(context.Background(), patches, "")
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}

	if len(plan.Entries) != 1 {
		t.Fatalf("plan has %d entries, want 1", len(plan.Entries))
	}
	op := plan.Entries[0]
	if op.Iterations != 1 || op.Checksum != 0xDEADBEEF || op.DstAddr != dstBase {
		t.Errorf("operation = %+v", op)
	}

	srcOff, err := buf.Offset(uint64(op.SrcAddr))
	if err != nil {
		t.Fatal(err)
	}
	window, err := buf.Bytes(srcOff, op.SrcSize)
	if err != nil {
		t.Fatal(err)
	}
	if got := e.Checksum(window); got != 0xDEADBEEF {
		t.Errorf("source window checksums to 0x%08x, want 0xDEADBEEF", got)
	}

	if err := Verify(plan, buf, patches); err != nil {
		t.Errorf("Verify() error: %v", err)
	}

	if stats := s.Stats(); !stats.TableBuilt || stats.WindowsScanned == 0 {
		t.Errorf("Stats() = %+v after synthesis", stats)
	}
}

func TestSynthesizeDeterministic(t *testing.T) {
	e := checksum.New(checksum.UBoot())

	data := make([]byte, 8*1024)
	rand.New(rand.NewSource(7)).Read(data)
	plant(data, 0x100, e, 0xDEADBEEF)
	plant(data, 0x900, e, 0x00C0FFEE)
	buf := image.New(data, srcBase)

	value := append(e.WordBytes(0xDEADBEEF), e.WordBytes(0x00C0FFEE)...)
	patches := patchList(t, stratagem.MemoryPatch{Address: dstBase, Value: value})

	var plans []*stratagem.Stratagem
	for i := 0; i < 2; i++ {
		s := New(buf, e, Config{MaxWindowLen: 32, Workers: 3})
		plan, err := s.Synthesize(context.Background(), patches, "")
		if err != nil {
			t.Fatalf("run %d: Synthesize() error: %v", i, err)
		}
		plans = append(plans, plan)
	}

	if !reflect.DeepEqual(plans[0].Entries, plans[1].Entries) {
		t.Errorf("plans differ:\n%+v\n%+v", plans[0].Entries, plans[1].Entries)
	}
	if plans[0].Algorithm != plans[1].Algorithm {
		t.Error("algorithm metadata differs between runs")
	}
}

// A word whose direct preimage is absent but whose once-reversed value is
// present requires a two-operation chain. The window limit stays at the
// planted preimage's width so no longer window can reach the target
// directly.
func TestSynthesizeIteratedChain(t *testing.T) {
	e := checksum.New(checksum.UBoot())
	const target = 0x11223344

	data := make([]byte, 64)
	plant(data, 8, e, e.ReverseWord(target))
	buf := image.New(data, srcBase)

	patches := patchList(t, stratagem.MemoryPatch{Address: dstBase, Value: e.WordBytes(target)})

	s := New(buf, e, Config{MaxWindowLen: 4, MaxIterations: 4})
	plan, err := s.Synthesize(context.Background(), patches, "")
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}

	if len(plan.Entries) != 1 {
		t.Fatalf("plan has %d entries, want 1", len(plan.Entries))
	}
	if plan.Entries[0].Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", plan.Entries[0].Iterations)
	}
	if plan.TotalOperations() != 2 {
		t.Errorf("TotalOperations() = %d, want 2", plan.TotalOperations())
	}

	if err := Verify(plan, buf, patches); err != nil {
		t.Errorf("Verify() error: %v", err)
	}
}

func TestSynthesizeChunkError(t *testing.T) {
	e := checksum.New(checksum.UBoot())

	// Nothing planted; a zero-filled image cannot produce the target
	// within a tiny iteration limit.
	buf := image.New(make([]byte, 64), srcBase)
	patches := patchList(t, stratagem.MemoryPatch{Address: dstBase, Value: e.WordBytes(0xDEADBEEF)})

	s := New(buf, e, Config{MaxWindowLen: 8, MaxIterations: 4})
	_, err := s.Synthesize(context.Background(), patches, "")

	var chunkErr *ChunkError
	if !errors.As(err, &chunkErr) {
		t.Fatalf("Synthesize() error = %v, want ChunkError", err)
	}
	if chunkErr.Index != 0 || chunkErr.DstAddr != dstBase || chunkErr.Target != 0xDEADBEEF {
		t.Errorf("ChunkError = %+v", chunkErr)
	}
	if chunkErr.Iterations != 4 {
		t.Errorf("ChunkError.Iterations = %d, want the exhausted limit 4", chunkErr.Iterations)
	}
}

// A repeated word with a multi-iteration chain is split: one reduced
// entry, single-iteration copies for the other occurrences, and a
// finalizing self-iteration.
func TestSynthesizeDuplicateWordSplit(t *testing.T) {
	e := checksum.New(checksum.UBoot())
	const target = 0x0BADF00D

	data := make([]byte, 64)
	plant(data, 8, e, e.ReverseWord(target))
	buf := image.New(data, srcBase)

	word := e.WordBytes(target)
	value := append(append(append([]byte{}, word...), word...), word...)
	patches := patchList(t, stratagem.MemoryPatch{Address: dstBase, Value: value})

	// Window limit at the preimage width, so the chain really needs two
	// iterations and the split path is exercised
	s := New(buf, e, Config{MaxWindowLen: 4, MaxIterations: 4})
	plan, err := s.Synthesize(context.Background(), patches, "")
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}

	if len(plan.Entries) != 4 {
		t.Fatalf("plan has %d entries, want reduced + 2 copies + finalizer", len(plan.Entries))
	}

	reduced := plan.Entries[0]
	if reduced.ReadsBack() || reduced.Iterations != 1 || reduced.DstAddr != dstBase {
		t.Errorf("reduced entry = %+v", reduced)
	}
	if reduced.Checksum != e.ReverseWord(target) {
		t.Errorf("reduced entry checksum = 0x%08x, want the intermediate value", reduced.Checksum)
	}

	for i, wantDst := range []uint64{dstBase + 4, dstBase + 8} {
		cp := plan.Entries[1+i]
		if !cp.ReadsBack() || cp.TSrcAddr != dstBase || cp.DstAddr != wantDst ||
			cp.Iterations != 1 || cp.SrcSize != 4 || cp.Checksum != target {
			t.Errorf("copy entry %d = %+v", i, cp)
		}
	}

	final := plan.Entries[3]
	if !final.ReadsBack() || final.TSrcAddr != dstBase || final.DstAddr != dstBase ||
		final.Iterations != 1 || final.Checksum != target {
		t.Errorf("finalizer entry = %+v", final)
	}

	// 4 on-target operations instead of the naive 6
	if plan.TotalOperations() != 4 {
		t.Errorf("TotalOperations() = %d, want 4", plan.TotalOperations())
	}

	if err := Verify(plan, buf, patches); err != nil {
		t.Errorf("Verify() error: %v", err)
	}
}

// A repeated single-iteration word needs no splitting, just one direct
// entry per occurrence.
func TestSynthesizeDuplicateWordDirect(t *testing.T) {
	e := checksum.New(checksum.UBoot())
	const target = 0x0BADF00D

	data := make([]byte, 64)
	plant(data, 8, e, target)
	buf := image.New(data, srcBase)

	word := e.WordBytes(target)
	patches := patchList(t, stratagem.MemoryPatch{Address: dstBase, Value: append(append([]byte{}, word...), word...)})

	s := New(buf, e, Config{MaxWindowLen: 8, MaxIterations: 4})
	plan, err := s.Synthesize(context.Background(), patches, "")
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}

	if len(plan.Entries) != 2 {
		t.Fatalf("plan has %d entries, want 2 direct entries", len(plan.Entries))
	}
	for i, op := range plan.Entries {
		if op.ReadsBack() || op.Iterations != 1 || op.Checksum != target {
			t.Errorf("entry %d = %+v", i, op)
		}
	}

	if err := Verify(plan, buf, patches); err != nil {
		t.Errorf("Verify() error: %v", err)
	}
}

func TestSynthesizePartialTail(t *testing.T) {
	e := checksum.New(checksum.UBoot())

	tailTarget := e.WordValue([]byte{0xAB, 0xCD}) // zero-padded to full width

	data := make([]byte, 128)
	plant(data, 8, e, 0xDEADBEEF)
	plant(data, 32, e, tailTarget)
	buf := image.New(data, srcBase)

	value := append(e.WordBytes(0xDEADBEEF), 0xAB, 0xCD)
	patches := patchList(t, stratagem.MemoryPatch{Address: dstBase, Value: value})

	// Excluded by default
	s := New(buf, e, Config{MaxWindowLen: 8})
	if _, err := s.Synthesize(context.Background(), patches, ""); err == nil {
		t.Fatal("Synthesize() accepted a partial-width patch without AllowPartialWrite")
	}
	if stats := s.Stats(); stats.TableBuilt {
		t.Error("partial-width rejection should precede any search work")
	}

	// Permitted when requested
	s = New(buf, e, Config{MaxWindowLen: 8, AllowPartialWrite: true})
	plan, err := s.Synthesize(context.Background(), patches, "")
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}

	if len(plan.Entries) != 2 {
		t.Fatalf("plan has %d entries, want 2", len(plan.Entries))
	}
	tail := plan.Entries[1]
	if tail.Width != 2 || tail.DstAddr != dstBase+4 || tail.Checksum != tailTarget {
		t.Errorf("tail entry = %+v", tail)
	}

	if err := Verify(plan, buf, patches); err != nil {
		t.Errorf("Verify() error: %v", err)
	}

	// The spill bytes past the tail are the zero padding
	out, err := Simulate(plan, buf)
	if err != nil {
		t.Fatal(err)
	}
	off, _ := out.Offset(dstBase + 4)
	word, _ := out.Bytes(off, 4)
	if !bytes.Equal(word[2:], []byte{0x00, 0x00}) {
		t.Errorf("tail spill bytes = % x, want zeros", word[2:])
	}
}

// A partial-width write still stores a full word. When its zero spill
// shares a word with a neighboring patch, the partial write must be
// ordered first so the neighbor's payload lands on top of the spill.
func TestSynthesizePartialSpillOrdering(t *testing.T) {
	e := checksum.New(checksum.UBoot())

	neighborTarget := e.WordValue([]byte{0x11, 0x22, 0x33, 0x44})
	tailTarget := e.WordValue([]byte{0xAB, 0xCD})

	data := make([]byte, 128)
	plant(data, 8, e, neighborTarget)
	plant(data, 32, e, tailTarget)
	buf := image.New(data, srcBase)

	// The full-word patch is appended first, so emission order alone would
	// let the later partial write zero its first two bytes.
	patches := patchList(t,
		stratagem.MemoryPatch{Address: dstBase + 2, Value: []byte{0x11, 0x22, 0x33, 0x44}},
		stratagem.MemoryPatch{Address: dstBase, Value: []byte{0xAB, 0xCD}},
	)

	s := New(buf, e, Config{MaxWindowLen: 8, AllowPartialWrite: true})
	plan, err := s.Synthesize(context.Background(), patches, "")
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}

	if len(plan.Entries) != 2 {
		t.Fatalf("plan has %d entries, want 2", len(plan.Entries))
	}
	first := plan.Entries[0]
	if first.Width != 2 || first.DstAddr != dstBase {
		t.Errorf("partial write was not reordered first: %+v", plan.Entries)
	}

	if err := Verify(plan, buf, patches); err != nil {
		t.Errorf("Verify() error: %v", err)
	}

	out, err := Simulate(plan, buf)
	if err != nil {
		t.Fatal(err)
	}
	off, _ := out.Offset(dstBase)
	got, _ := out.Bytes(off, 6)
	if !bytes.Equal(got, []byte{0xAB, 0xCD, 0x11, 0x22, 0x33, 0x44}) {
		t.Errorf("replayed bytes = % x, want ab cd 11 22 33 44", got)
	}
}

func TestSynthesizeOverlapBeforeScan(t *testing.T) {
	e := checksum.New(checksum.UBoot())
	buf := image.New(make([]byte, 1024), srcBase)
	s := New(buf, e, Config{})

	var l stratagem.PatchList
	if err := l.Append(stratagem.MemoryPatch{Address: dstBase, Value: make([]byte, 8)}); err != nil {
		t.Fatal(err)
	}
	err := l.Append(stratagem.MemoryPatch{Address: dstBase + 7, Value: make([]byte, 4)})
	if !errors.Is(err, stratagem.ErrPatchOverlap) {
		t.Fatalf("Append() = %v, want ErrPatchOverlap", err)
	}

	// The overlap was rejected before any search work happened
	if stats := s.Stats(); stats.WindowsScanned != 0 || stats.TableBuilt {
		t.Errorf("Stats() = %+v, want zero search work", stats)
	}
}

func TestSynthesizeGaps(t *testing.T) {
	e := checksum.New(checksum.UBoot())

	data := make([]byte, 256)
	plant(data, 0x40, e, 0xDEADBEEF)
	buf := image.New(data, srcBase)

	patches := patchList(t, stratagem.MemoryPatch{Address: dstBase, Value: e.WordBytes(0xDEADBEEF)})

	// With the planted preimage excluded, synthesis must fail
	gapped := New(buf, e, Config{
		MaxWindowLen:  8,
		MaxIterations: 8,
		Gaps:          []image.Region{image.NewRegion(srcBase+0x40, 4)},
	})
	if _, err := gapped.Synthesize(context.Background(), patches, ""); err == nil {
		t.Fatal("Synthesize() used a source window inside an excluded gap")
	}

	// Without the gap it succeeds
	open := New(buf, e, Config{MaxWindowLen: 8, MaxIterations: 8})
	if _, err := open.Synthesize(context.Background(), patches, ""); err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
}

func TestSynthesizeCancelled(t *testing.T) {
	e := checksum.New(checksum.UBoot())
	buf := image.New(make([]byte, 64*1024), srcBase)
	patches := patchList(t, stratagem.MemoryPatch{Address: dstBase, Value: e.WordBytes(0xDEADBEEF)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(buf, e, Config{})
	if _, err := s.Synthesize(ctx, patches, ""); !errors.Is(err, context.Canceled) {
		t.Errorf("Synthesize() on cancelled context = %v, want context.Canceled", err)
	}
}

func TestReorderMovesReaderFirst(t *testing.T) {
	// Entry 0 writes over the image range entry 1 still needs to read
	entries := []stratagem.Operation{
		{SrcAddr: srcBase + 0x100, SrcSize: 4, DstAddr: srcBase + 0x200, Width: 4, Iterations: 1},
		{SrcAddr: srcBase + 0x202, SrcSize: 8, DstAddr: srcBase + 0x300, Width: 4, Iterations: 1},
	}

	out, err := reorder(entries)
	if err != nil {
		t.Fatalf("reorder() error: %v", err)
	}
	if out[0].SrcAddr != srcBase+0x202 || out[1].SrcAddr != srcBase+0x100 {
		t.Errorf("reorder() did not move the reader first: %+v", out)
	}
}

func TestReorderStable(t *testing.T) {
	// No hazards: emission order is preserved
	entries := []stratagem.Operation{
		{SrcAddr: srcBase, SrcSize: 4, DstAddr: dstBase, Width: 4, Iterations: 1},
		{SrcAddr: srcBase + 8, SrcSize: 4, DstAddr: dstBase + 4, Width: 4, Iterations: 1},
		{SrcAddr: -1, TSrcAddr: dstBase, SrcSize: 4, DstAddr: dstBase + 8, Width: 4, Iterations: 1},
	}

	out, err := reorder(entries)
	if err != nil {
		t.Fatalf("reorder() error: %v", err)
	}
	if !reflect.DeepEqual(out, entries) {
		t.Errorf("reorder() perturbed a hazard-free plan:\n%+v", out)
	}
}

func TestReorderSpillBeforePayload(t *testing.T) {
	// Entry 0's payload shares a word with entry 1's partial write; the
	// spilled zero bytes must land before the payload, not on top of it
	entries := []stratagem.Operation{
		{SrcAddr: srcBase + 0x20, SrcSize: 4, DstAddr: dstBase + 2, Width: 4, Iterations: 1},
		{SrcAddr: srcBase + 0x40, SrcSize: 4, DstAddr: dstBase, Width: 2, Iterations: 1},
	}

	out, err := reorder(entries)
	if err != nil {
		t.Fatalf("reorder() error: %v", err)
	}
	if out[0].Width != 2 || out[1].Width != 4 {
		t.Errorf("reorder() did not move the partial write first: %+v", out)
	}
}

func TestReorderConflict(t *testing.T) {
	// Each entry writes over the other's source: no valid order exists
	entries := []stratagem.Operation{
		{SrcAddr: srcBase + 0x100, SrcSize: 4, DstAddr: srcBase + 0x200, Width: 4, Iterations: 1},
		{SrcAddr: srcBase + 0x200, SrcSize: 4, DstAddr: srcBase + 0x100, Width: 4, Iterations: 1},
	}

	if _, err := reorder(entries); !errors.Is(err, ErrDependencyConflict) {
		t.Errorf("reorder() = %v, want ErrDependencyConflict", err)
	}
}
