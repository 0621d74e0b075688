package hunt

import (
	"bytes"
	"context"
	"regexp"

	"github.com/nccgroup/depthcharge/internal/arch"
	"github.com/nccgroup/depthcharge/internal/checksum"
	"github.com/nccgroup/depthcharge/internal/image"
	"github.com/nccgroup/depthcharge/internal/uboot"
)

// EnvType classifies a located environment instance.
type EnvType string

const (
	// EnvTypeBuiltin is a hard-coded default environment compiled into
	// the bootloader, used when no valid stored copy exists. It carries
	// no metadata header.
	EnvTypeBuiltin EnvType = "built-in"

	// EnvTypeStored is an environment imported from non-volatile
	// storage, prefixed with a 32-bit checksum of the data region.
	EnvTypeStored EnvType = "stored"

	// EnvTypeStoredRedundant is a stored environment from a target built
	// with redundant environment copies: the checksum word is followed
	// by a one-byte flags field selecting the active copy.
	EnvTypeStoredRedundant EnvType = "stored-redundant"
)

// Environment is the kind-specific payload of an environment Result.
type Environment struct {
	Type EnvType `json:"type"`

	// CRC is the header checksum of a stored environment. Unset for
	// built-in defaults.
	CRC    uint32 `json:"crc,omitempty"`
	HasCRC bool   `json:"has_crc"`

	// Flags is the active-copy selector byte of a redundant environment.
	Flags    byte `json:"flags,omitempty"`
	HasFlags bool `json:"has_flags"`

	Vars map[string]string `json:"variables"`
}

// EnvironmentOptions configures an EnvironmentHunter.
type EnvironmentOptions struct {
	// MinEntries is the minimum number of variable definitions required
	// for a candidate block. 0 means the default of 5.
	MinEntries int

	// MaxEntries bounds the number of definitions matched per block.
	// <= 0 means unbounded.
	MaxEntries int

	// EnvSizeMax bounds the compile-time environment storage size tried
	// during header checksum validation. The platform default is highly
	// configurable; 0x1000 to 0x100000 are all seen in the wild. 0 means
	// the default of 0x100000.
	EnvSizeMax int

	// Redundant pins whether the target was built with redundant
	// environment copies (flags byte present in the header). When nil,
	// both layouts are tried.
	Redundant *bool
}

// EnvironmentHunter locates environment variable storage in a memory or
// flash dump: runs of consecutive name=value definitions, optionally
// preceded by a checksum-plus-flags metadata header. Each result is
// classified as a built-in default, a stored environment, or a stored
// redundant environment.
type EnvironmentHunter struct {
	driver
	arch   *arch.Arch
	engine *checksum.Engine
	opts   EnvironmentOptions
	blkRE  *regexp.Regexp
}

// NewEnvironmentHunter creates a hunter over buf. The engine must
// implement the checksum algorithm the target uses for its environment
// header.
func NewEnvironmentHunter(buf *image.Buffer, a *arch.Arch, engine *checksum.Engine, opts EnvironmentOptions) (*EnvironmentHunter, error) {
	if opts.MinEntries <= 0 {
		opts.MinEntries = 5
	}
	if opts.EnvSizeMax <= 0 {
		opts.EnvSizeMax = 0x100000
	}

	blkRE, err := uboot.RawBlockRegex(opts.MinEntries, opts.MaxEntries)
	if err != nil {
		return nil, err
	}

	h := &EnvironmentHunter{arch: a, engine: engine, opts: opts, blkRE: blkRE}
	h.driver = driver{buf: buf, kind: KindEnvironment, probe: h.probeAt}
	return h, nil
}

// headerCRC reads the expected checksum word preceding offset. The
// metadata layout is {crc32, data[]} normally, and {crc32, flags, data[]}
// on redundant-environment builds.
func (h *EnvironmentHunter) headerCRC(offset int, redundant bool) (uint32, bool) {
	start := offset - 4
	if redundant {
		start = offset - 5
	}

	word, err := h.buf.Bytes(start, 4)
	if err != nil {
		return 0, false
	}
	crc, err := h.arch.Uint32(word)
	if err != nil {
		return 0, false
	}
	return crc, true
}

// resolveStored determines whether the block matched at offset is
// preceded by a valid checksum header, and if so, its actual start offset
// and full storage size.
//
// The checksum word can itself contain printable bytes that the block
// regex absorbs into the first variable name, so the true data start may
// lie a few bytes past the match; each candidate start is validated by
// checksum. The checksum covers the full storage region, which extends
// past the matched definitions into padding, so the computation is
// extended one byte at a time until it meets the header value or the size
// bound.
func (h *EnvironmentHunter) resolveStored(offset, matchSize int, redundant bool) (actualOff, actualSize int, crcVal uint32, ok bool) {
	block, err := h.buf.Bytes(offset, matchSize)
	if err != nil {
		return 0, 0, 0, false
	}

	// A variable name can be completely empty ("setenv '' oh_no"), so the
	// candidate range runs through the first '=' inclusive.
	maxOff := offset + bytes.IndexByte(block, '=')

	for ao := offset; ao <= maxOff; ao++ {
		expected, ok := h.headerCRC(ao, redundant)
		if !ok {
			continue
		}

		used, err := h.buf.Bytes(ao, matchSize)
		if err != nil {
			continue
		}

		// The used portion of the environment alone
		state := h.engine.ExtendBytes(h.engine.Init(), used)
		if h.engine.Final(state) == expected {
			return ao, matchSize, expected, true
		}

		// Extend into the unused portion
		limit := ao + h.opts.EnvSizeMax
		if limit > h.buf.Len() {
			limit = h.buf.Len()
		}
		for i := ao + matchSize; i < limit; i++ {
			b, _ := h.buf.Bytes(i, 1)
			state = h.engine.Extend(state, b[0])
			if h.engine.Final(state) == expected {
				return ao, i - ao + 1, expected, true
			}
		}
	}

	return 0, 0, 0, false
}

func (h *EnvironmentHunter) probeAt(ctx context.Context, off, end int) ([]*Result, error) {
	window, err := h.buf.Bytes(off, end-off)
	if err != nil {
		return nil, err
	}

	loc := h.blkRE.FindIndex(window)
	if loc == nil {
		return nil, errNoneInRange
	}

	matchOff := off + loc[0]
	matchSize := loc[1] - loc[0]

	redundantChoices := []bool{true, false}
	if h.opts.Redundant != nil {
		redundantChoices = []bool{*h.opts.Redundant}
	}

	env := &Environment{Type: EnvTypeBuiltin}
	actualOff, actualSize := matchOff, matchSize

	for _, redundant := range redundantChoices {
		ao, size, crcVal, ok := h.resolveStored(matchOff, matchSize, redundant)
		if !ok {
			continue
		}

		actualOff, actualSize = ao, size
		env.CRC = crcVal
		env.HasCRC = true
		env.Type = EnvTypeStored

		if redundant {
			flags, err := h.buf.Bytes(ao-1, 1)
			if err == nil {
				env.Flags = flags[0]
				env.HasFlags = true
				env.Type = EnvTypeStoredRedundant
			}
		}
		break
	}

	raw, err := h.buf.Bytes(actualOff, actualSize)
	if err != nil {
		return nil, nil
	}

	env.Vars, err = uboot.ParseRaw(raw)
	if err != nil {
		return nil, nil
	}

	return []*Result{{
		Kind:   KindEnvironment,
		Offset: actualOff,
		Addr:   h.buf.Addr(actualOff),
		Size:   actualSize,
		Env:    env,
	}}, nil
}
