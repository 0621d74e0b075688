package stratagem

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/nccgroup/depthcharge/internal/checksum"
)

func TestPatchListAppend(t *testing.T) {
	var l PatchList

	if err := l.Append(MemoryPatch{Address: 0x87800000, Value: []byte{1, 2, 3, 4}}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := l.Append(MemoryPatch{Address: 0x87800004, Value: []byte{5, 6}}); err != nil {
		t.Fatalf("Append() of abutting patch error: %v", err)
	}

	if l.Len() != 2 || l.TotalBytes() != 6 {
		t.Errorf("Len/TotalBytes = %d/%d, want 2/6", l.Len(), l.TotalBytes())
	}
}

func TestPatchListOverlap(t *testing.T) {
	var l PatchList

	if err := l.Append(MemoryPatch{Address: 0x1000, Value: make([]byte, 8)}); err != nil {
		t.Fatal(err)
	}

	// Overlapping by a single byte is still a construction error
	err := l.Append(MemoryPatch{Address: 0x1007, Value: []byte{0xFF}})
	if !errors.Is(err, ErrPatchOverlap) {
		t.Errorf("Append() of overlapping patch = %v, want ErrPatchOverlap", err)
	}
	if l.Len() != 1 {
		t.Errorf("rejected patch was still recorded: Len() = %d", l.Len())
	}
}

func TestPatchListRejectsEmptyAndOverflow(t *testing.T) {
	var l PatchList

	if err := l.Append(MemoryPatch{Address: 0x1000}); err == nil {
		t.Error("Append() accepted an empty patch")
	}
	if err := l.Append(MemoryPatch{Address: ^uint64(0) - 1, Value: make([]byte, 4)}); err == nil {
		t.Error("Append() accepted an address-space overflow")
	}
}

func TestPatchListExpectedLength(t *testing.T) {
	var l PatchList

	err := l.Append(MemoryPatch{
		Address:  0x1000,
		Value:    []byte{1, 2, 3, 4},
		Expected: []byte{9, 9},
	})
	if err == nil {
		t.Error("Append() accepted expected data shorter than the value")
	}

	err = l.Append(MemoryPatch{
		Address:  0x1000,
		Value:    []byte{1, 2, 3, 4},
		Expected: []byte{9, 9, 9, 9},
	})
	if err != nil {
		t.Errorf("Append() error: %v", err)
	}
}

func TestOperationSource(t *testing.T) {
	direct := Operation{SrcAddr: 0x40000100, SrcSize: 7, DstAddr: 0x87800000, Width: 4}
	if direct.ReadsBack() || direct.Source() != 0x40000100 {
		t.Errorf("direct operation: readsback=%v source=0x%x", direct.ReadsBack(), direct.Source())
	}
	if r := direct.SourceRegion(); r.Start != 0x40000100 || r.Len() != 7 {
		t.Errorf("SourceRegion() = %v", r)
	}

	readback := Operation{SrcAddr: -1, TSrcAddr: 0x87800004, SrcSize: 4, DstAddr: 0x87800008, Width: 4}
	if !readback.ReadsBack() || readback.Source() != 0x87800004 {
		t.Errorf("readback operation: readsback=%v source=0x%x", readback.ReadsBack(), readback.Source())
	}
}

func TestTotalOperations(t *testing.T) {
	s := New(checksum.UBoot(), "")
	s.Entries = []Operation{
		{SrcAddr: 0x1000, SrcSize: 4, Iterations: 12},
		{SrcAddr: 0x2000, SrcSize: 9, Iterations: 1},
		{SrcAddr: -1, TSrcAddr: 0x3000, SrcSize: 4, Iterations: 1},
	}
	if got := s.TotalOperations(); got != 14 {
		t.Errorf("TotalOperations() = %d, want 14", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(checksum.UBoot(), "unit test plan")
	s.Entries = []Operation{
		{SrcAddr: 0x40000000, SrcSize: 17, DstAddr: 0x87800000, Width: 4, Iterations: 3, Checksum: 0xDEADBEEF},
		{SrcAddr: -1, TSrcAddr: 0x87800000, SrcSize: 4, DstAddr: 0x87800004, Width: 4, Iterations: 1, Checksum: 0xDEADBEEF},
		{SrcAddr: 0x40000800, SrcSize: 2, DstAddr: 0x87800008, Width: 2, Iterations: 1, Checksum: 0x0000BEEF},
	}

	path := filepath.Join(t.TempDir(), "plan.json")
	if err := s.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !reflect.DeepEqual(s, loaded) {
		t.Errorf("round trip mismatch:\nsaved:  %+v\nloaded: %+v", s, loaded)
	}
}

func TestLoadRejectsNewerFormat(t *testing.T) {
	s := New(checksum.UBoot(), "")
	s.FormatVersion = FormatVersion + 1

	path := filepath.Join(t.TempDir(), "plan.json")
	if err := s.Save(path); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() accepted a stratagem with an unsupported format version")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}
