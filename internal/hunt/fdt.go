package hunt

import (
	"bytes"
	"context"
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/nccgroup/depthcharge/internal/image"
	"github.com/nccgroup/depthcharge/internal/logging"
)

// Flattened device tree header magic, always stored big-endian.
var fdtMagic = []byte{0xd0, 0x0d, 0xfe, 0xed}

// fdtHeaderSize is the v17 header: magic plus nine 32-bit fields.
const fdtHeaderSize = 40

// FDTHeader is the fixed header of a flattened device tree blob, per the
// v17 specification. All fields are stored big-endian regardless of the
// target's native byte order.
type FDTHeader struct {
	TotalSize       uint32 `json:"totalsize"`
	OffDtStruct     uint32 `json:"off_dt_struct"`
	OffDtStrings    uint32 `json:"off_dt_strings"`
	OffMemRsvmap    uint32 `json:"off_mem_rsvmap"`
	Version         uint32 `json:"version"`
	LastCompVersion uint32 `json:"last_comp_version"`
	BootCpuidPhys   uint32 `json:"boot_cpuid_phys"`
	SizeDtStrings   uint32 `json:"size_dt_strings"`
	SizeDtStruct    uint32 `json:"size_dt_struct"`
}

// DeviceTree is the kind-specific payload of a device-tree Result.
type DeviceTree struct {
	Header FDTHeader `json:"header"`
	Blob   []byte    `json:"-"`
}

// DeviceTreeHunter locates flattened device tree blobs in a memory or
// flash dump by their header magic, validating the header's size and
// offset fields against the remaining window to rule out incidental
// occurrences of the magic bytes.
type DeviceTreeHunter struct {
	driver
}

// NewDeviceTreeHunter creates a hunter over buf.
func NewDeviceTreeHunter(buf *image.Buffer) *DeviceTreeHunter {
	h := &DeviceTreeHunter{}
	h.driver = driver{buf: buf, kind: KindDeviceTree, probe: h.probeAt}
	return h
}

// headerAt decodes and bounds-checks the header at offset. Returns nil
// for a false positive.
func (h *DeviceTreeHunter) headerAt(offset, end int) *FDTHeader {
	data, err := h.buf.Bytes(offset, fdtHeaderSize)
	if err != nil {
		return nil
	}

	hdr := FDTHeader{
		TotalSize:       binary.BigEndian.Uint32(data[4:]),
		OffDtStruct:     binary.BigEndian.Uint32(data[8:]),
		OffDtStrings:    binary.BigEndian.Uint32(data[12:]),
		OffMemRsvmap:    binary.BigEndian.Uint32(data[16:]),
		Version:         binary.BigEndian.Uint32(data[20:]),
		LastCompVersion: binary.BigEndian.Uint32(data[24:]),
		BootCpuidPhys:   binary.BigEndian.Uint32(data[28:]),
		SizeDtStrings:   binary.BigEndian.Uint32(data[32:]),
		SizeDtStruct:    binary.BigEndian.Uint32(data[36:]),
	}

	// Every size and offset field must land within what remains of the
	// window; anything else is line noise that happened to contain the
	// magic bytes.
	remaining := uint64(end - offset)
	checks := []struct {
		name  string
		value uint32
	}{
		{"totalsize", hdr.TotalSize},
		{"off_dt_struct", hdr.OffDtStruct},
		{"off_dt_strings", hdr.OffDtStrings},
		{"off_mem_rsvmap", hdr.OffMemRsvmap},
		{"size_dt_strings", hdr.SizeDtStrings},
		{"size_dt_struct", hdr.SizeDtStruct},
	}
	for _, c := range checks {
		if uint64(c.value) > remaining {
			logging.Debug("Rejecting device tree candidate",
				zap.Uint64("address", h.buf.Addr(offset)),
				zap.String("field", c.name),
				zap.Uint32("value", c.value),
			)
			return nil
		}
	}

	if uint64(hdr.OffDtStruct)+uint64(hdr.SizeDtStruct) > remaining ||
		uint64(hdr.OffDtStrings)+uint64(hdr.SizeDtStrings) > remaining {
		return nil
	}
	if hdr.TotalSize < fdtHeaderSize {
		return nil
	}

	return &hdr
}

// probeAt scans [off, end) for the next validated blob itself, so the
// driver need not advance byte by byte past false-positive magic hits.
func (h *DeviceTreeHunter) probeAt(ctx context.Context, off, end int) ([]*Result, error) {
	for off < end {
		window, err := h.buf.Bytes(off, end-off)
		if err != nil {
			return nil, err
		}

		i := bytes.Index(window, fdtMagic)
		if i < 0 {
			return nil, errNoneInRange
		}
		candidate := off + i

		hdr := h.headerAt(candidate, end)
		if hdr == nil {
			// Keep scanning past the bogus magic
			off = candidate + 1
			continue
		}

		blob, err := h.buf.Bytes(candidate, int(hdr.TotalSize))
		if err != nil {
			off = candidate + 1
			continue
		}

		return []*Result{{
			Kind:   KindDeviceTree,
			Offset: candidate,
			Addr:   h.buf.Addr(candidate),
			Size:   int(hdr.TotalSize),
			FDT:    &DeviceTree{Header: *hdr, Blob: blob},
		}}, nil
	}

	return nil, errNoneInRange
}
