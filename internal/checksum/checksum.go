// Package checksum implements the 32-bit table-driven checksum used by the
// target bootloader's crc32 console command, along with the two properties
// the rest of the toolkit exploits:
//
//   - Incremental extension: given the state after processing bytes [i, j),
//     the state after [i, j+1) is produced in O(1) without rereading. This
//     is what makes scanning every window length at every start offset
//     tractable on multi-megabyte dumps.
//
//   - 4-byte inversion: for any desired checksum value, Reverse4 computes
//     the unique 4-byte input producing it. This is a simplification of
//     Listing 6 from "Reversing CRC - Theory and Practice" (Stigge, Plötz,
//     Müller, Redlich; HU Berlin SAR-PR-2006-05).
//
// State is always the canonical 32-bit table-driven value internally.
// Conversion to the 4 bytes the target actually stores happens only at the
// WordBytes/WordValue boundary, per the declared byte order.
package checksum

import (
	"github.com/snksoft/crc"
)

// Params describes a checksum algorithm plus the byte order the target
// uses when storing the 4-byte result. Poly and InvPoly are in reflected
// form. The defaults (UBoot) describe the stock U-Boot crc32 command.
type Params struct {
	Poly      uint32 `json:"poly" yaml:"poly"`
	InvPoly   uint32 `json:"invpoly" yaml:"invpoly"`
	InitXor   uint32 `json:"init_xor" yaml:"init_xor"`
	FinalXor  uint32 `json:"final_xor" yaml:"final_xor"`
	BigEndian bool   `json:"big_endian" yaml:"big_endian"`
}

// UBoot returns the parameters of U-Boot's crc32 command on a
// little-endian target: standard CRC32 (reflected poly 0xEDB88320,
// init/final XOR 0xFFFFFFFF), result stored little-endian.
func UBoot() Params {
	return Params{
		Poly:     0xEDB88320,
		InvPoly:  0x5B358FD3,
		InitXor:  0xFFFFFFFF,
		FinalXor: 0xFFFFFFFF,
	}
}

// Engine computes checksums per a fixed Params. It is stateless; all
// methods are safe for concurrent use.
type Engine struct {
	params Params
	table  *crc.Table
}

// New creates an Engine for the given parameters.
func New(params Params) *Engine {
	return &Engine{
		params: params,
		table: crc.NewTable(&crc.Parameters{
			Width:      32,
			Polynomial: uint64(bitReverse32(params.Poly)),
			Init:       uint64(params.InitXor),
			ReflectIn:  true,
			ReflectOut: true,
			FinalXor:   uint64(params.FinalXor),
		}),
	}
}

// Params returns the engine's algorithm parameters.
func (e *Engine) Params() Params {
	return e.params
}

// State is an intermediate checksum value, produced by Init and advanced
// by Extend/ExtendBytes. It is not the final checksum until Final is
// applied.
type State = uint64

// Init returns the state corresponding to a zero-length input.
func (e *Engine) Init() State {
	return e.table.InitCrc()
}

// Extend advances state by one input byte in O(1).
func (e *Engine) Extend(state State, b byte) State {
	var buf [1]byte
	buf[0] = b
	return e.table.UpdateCrc(state, buf[:])
}

// ExtendBytes advances state over p.
func (e *Engine) ExtendBytes(state State, p []byte) State {
	return e.table.UpdateCrc(state, p)
}

// Final converts an intermediate state into the checksum value the target
// would report.
func (e *Engine) Final(state State) uint32 {
	return uint32(e.table.CRC(state))
}

// Checksum computes the checksum of p from scratch.
func (e *Engine) Checksum(p []byte) uint32 {
	return e.Final(e.ExtendBytes(e.Init(), p))
}

// WordBytes returns the 4 bytes the target stores for checksum value v,
// per the declared byte order.
func (e *Engine) WordBytes(v uint32) []byte {
	b := make([]byte, 4)
	if e.params.BigEndian {
		b[0] = byte(v >> 24)
		b[1] = byte(v >> 16)
		b[2] = byte(v >> 8)
		b[3] = byte(v)
	} else {
		b[0] = byte(v)
		b[1] = byte(v >> 8)
		b[2] = byte(v >> 16)
		b[3] = byte(v >> 24)
	}
	return b
}

// WordValue is the inverse of WordBytes. Inputs shorter than 4 bytes are
// zero-padded at the tail, matching how a partial final payload chunk is
// promoted to a full-width checksum target.
func (e *Engine) WordValue(p []byte) uint32 {
	var buf [4]byte
	copy(buf[:], p)

	if e.params.BigEndian {
		return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

// Reverse4 computes the 32-bit value whose little-endian byte encoding
// checksums to crcVal. In other words:
//
//	e.Checksum([4 bytes of result, LSB first]) == crcVal
//
// The construction "appends" 4 bytes to a zero-length input, reducing
// modulo the polynomial while mixing in the inverse polynomial for each
// set bit of the target register.
func (e *Engine) Reverse4(crcVal uint32) uint32 {
	tcrcreg := crcVal ^ e.params.FinalXor
	var data uint32

	for i := 0; i < 32; i++ {
		// Reduce modulo polynomial
		if data&1 != 0 {
			data = (data >> 1) ^ e.params.Poly
		} else {
			data >>= 1
		}

		// Add inverse polynomial if corresponding bit of operand is set
		if tcrcreg&1 != 0 {
			data ^= e.params.InvPoly
		}

		tcrcreg >>= 1
	}

	return data ^ e.params.InitXor
}

// ReverseWord computes the checksum value that, once stored at a
// destination in the target's byte order, itself checksums to target.
// This is the single backwards step of an iterated checksum-write chain.
// For little-endian targets this is Reverse4; big-endian targets store
// the word byte-swapped, so the preimage word is swapped accordingly.
func (e *Engine) ReverseWord(target uint32) uint32 {
	v := e.Reverse4(target)
	if e.params.BigEndian {
		return byteSwap32(v)
	}
	return v
}

func bitReverse32(v uint32) uint32 {
	v = (v&0x55555555)<<1 | (v>>1)&0x55555555
	v = (v&0x33333333)<<2 | (v>>2)&0x33333333
	v = (v&0x0F0F0F0F)<<4 | (v>>4)&0x0F0F0F0F
	v = (v&0x00FF00FF)<<8 | (v>>8)&0x00FF00FF
	return v<<16 | v>>16
}

func byteSwap32(v uint32) uint32 {
	return v<<24 | (v&0xFF00)<<8 | (v>>8)&0xFF00 | v>>24
}
