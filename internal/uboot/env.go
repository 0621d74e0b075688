// Package uboot provides U-Boot environment variable parsing and handling:
// locating raw key=value blocks in binaries, expanding ${var}-style
// references, and producing the CRC-prefixed blob format used in
// non-volatile storage.
package uboot

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nccgroup/depthcharge/internal/checksum"
	"github.com/nccgroup/depthcharge/internal/logging"
)

// U-Boot lets you run pretty wild with variable naming (see its
// lib/hashtable.c), so these patterns intentionally accept more than
// "identifier-looking" names.

// Matches ${foo} or $bar references inside a variable value.
var varNameRE = regexp.MustCompile(`\$\{(.*?)\}|\$([^$\s{][^$\s]*)`)

// One stored environment variable definition: name=value followed by NUL.
var rawVarRE = regexp.MustCompile(`(?P<name>[\x20-\x3c\x3e-\x7f]+)=(?P<value>[\x09\x0a\x0d\x20-\x7f]+)\x00`)

// RawBlockRegex returns a compiled regular expression for locating a
// U-Boot environment block in a binary: minEntries or more consecutive
// name=value definitions. This does not include env_t metadata (the CRC32
// word and optional flags byte). maxEntries <= 0 means unbounded.
func RawBlockRegex(minEntries, maxEntries int) (*regexp.Regexp, error) {
	if minEntries < 1 {
		minEntries = 1
	}

	max := ""
	if maxEntries > 0 {
		max = fmt.Sprintf("%d", maxEntries)
	}

	pattern := fmt.Sprintf(`([\x20-\x3c\x3e-\x7f]+=[\x20-\x7f]+\x00){%d,%s}`, minEntries, max)
	return regexp.Compile(pattern)
}

// ParseRaw parses an environment carved from flash or memory and returns
// it as a map. data must begin at the variable definitions, without the
// env_t metadata (CRC32 word, flags byte).
func ParseRaw(data []byte) (map[string]string, error) {
	results := make(map[string]string)

	for _, match := range rawVarRE.FindAllSubmatch(data, -1) {
		results[string(match[1])] = string(match[2])
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("no environment variables found")
	}
	return results, nil
}

// Parse parses printenv-style text output into a map. Lines ending in a
// backslash continue onto the next line, matching console output.
func Parse(text string) (map[string]string, error) {
	results := make(map[string]string)
	prevName := ""
	expectContinuation := false

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")

		if expectContinuation {
			results[prevName] += "\n" + line
			expectContinuation = strings.HasSuffix(line, `\`)
			continue
		}

		if line == "" || strings.HasPrefix(line, "Environment size: ") {
			continue
		}

		delim := strings.Index(line, "=")
		if delim < 0 {
			// Be resilient and skip bizarre or malformed lines
			continue
		}

		name := line[:delim]
		value := line[delim+1:]
		results[name] = value

		prevName = name
		expectContinuation = strings.HasSuffix(value, `\`)
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("no environment variables found")
	}
	return results, nil
}

// ExpandLimit caps expansion passes in ExpandVariable. A definition that
// has not reached a fixed point by then contains a reference cycle.
const ExpandLimit = 100

// ExpandVariable returns the value of name with all variable references
// it contains fully resolved against env. Expansion iterates to a fixed
// point; reference cycles are detected via the iteration limit and
// reported as an error rather than looping indefinitely. References to
// undefined variables are left in place with a warning, since vendor
// environments commonly carry reference-design cruft.
func ExpandVariable(env map[string]string, name string) (string, error) {
	value, ok := env[name]
	if !ok {
		return "", fmt.Errorf("no such environment variable: %q", name)
	}

	resolved := false
	for i := 0; i < ExpandLimit; i++ {
		prev := value

		for _, match := range varNameRE.FindAllStringSubmatch(value, -1) {
			ref := match[1]
			braced := true
			if ref == "" {
				ref = match[2]
				braced = false
			}

			expansion, ok := env[ref]
			if !ok {
				continue
			}

			if braced {
				value = strings.ReplaceAll(value, "${"+ref+"}", expansion)
			} else {
				value = strings.ReplaceAll(value, "$"+ref, expansion)
			}
		}

		if prev == value {
			resolved = true
			break
		}
	}

	if !resolved {
		return "", fmt.Errorf("expansion of %q did not converge after %d passes (reference cycle?)",
			name, ExpandLimit)
	}

	// Are there any unexpanded definitions remaining?
	if match := varNameRE.FindStringSubmatch(value); match != nil {
		ref := match[1]
		if ref == "" {
			ref = match[2]
		}
		logging.Warn("No definition found while expanding environment variable",
			zap.String("variable", name),
			zap.String("undefined", ref),
		)
	}

	return value, nil
}

// Expand returns a copy of env with every variable definition fully
// resolved.
func Expand(env map[string]string) (map[string]string, error) {
	ret := make(map[string]string, len(env))

	for name := range env {
		value, err := ExpandVariable(env, name)
		if err != nil {
			return nil, err
		}
		ret[name] = value
	}

	return ret, nil
}

// CreateRaw converts env into the binary format used to replace an
// environment in non-volatile storage: variables sorted by name as
// name=value NUL sequences, zero-padded to size, preceded by the CRC32
// word and, if flags is non-nil, the redundant-environment flags byte.
//
// size must match the target's compile-time environment size; the
// checksum covers the padded data region. Setting noHeader omits the CRC
// word and flags byte entirely.
func CreateRaw(env map[string]string, size int, engine *checksum.Engine, flags *byte, noHeader bool) ([]byte, error) {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	var data []byte
	for _, name := range names {
		data = append(data, name...)
		data = append(data, '=')
		data = append(data, env[name]...)
		data = append(data, 0)
	}

	padding := size - len(data)
	if !noHeader {
		padding -= 4 // CRC word
		if flags != nil {
			padding--
		}
	}

	if padding < 0 {
		return nil, fmt.Errorf("environment contents (%d bytes) exceed storage size (%d bytes)",
			len(data)-padding, size)
	}

	data = append(data, make([]byte, padding)...)

	if noHeader {
		return data, nil
	}

	ret := engine.WordBytes(engine.Checksum(data))
	if flags != nil {
		ret = append(ret, *flags)
	}
	return append(ret, data...), nil
}

// SaveRaw writes env to path in the binary storage format produced by
// CreateRaw.
func SaveRaw(path string, env map[string]string, size int, engine *checksum.Engine, flags *byte, noHeader bool) error {
	data, err := CreateRaw(env, size, engine, flags, noHeader)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write environment file: %w", err)
	}
	return nil
}

// RawMetadata describes the env_t header of a raw environment file.
type RawMetadata struct {
	// CRC is the recorded header checksum; ActualCRC is the checksum
	// recomputed over the data region. A mismatch means the file is
	// corrupt or was carved with the wrong layout.
	CRC       uint32
	ActualCRC uint32
	HasCRC    bool

	// Flags is the redundant-environment active-copy counter byte.
	Flags    byte
	HasFlags bool

	// Size is the length of the data region, i.e. the target's
	// compile-time environment storage size when the file is a full
	// storage image.
	Size int
}

// LoadRaw reads an environment previously carved from a binary or written
// by SaveRaw. The environment must begin at offset 0. hasCRC and hasFlags
// describe the header layout; the header checksum is reported in the
// metadata, not enforced, so a stale redundant copy can still be
// inspected.
func LoadRaw(path string, engine *checksum.Engine, hasCRC, hasFlags bool) (map[string]string, *RawMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read environment file: %w", err)
	}

	meta := &RawMetadata{}

	if hasCRC {
		start := 4
		if hasFlags {
			start++
		}
		if len(data) < start {
			return nil, nil, fmt.Errorf("environment file too short for header (%d bytes)", len(data))
		}

		meta.CRC = engine.WordValue(data[:4])
		meta.HasCRC = true
		if hasFlags {
			meta.Flags = data[4]
			meta.HasFlags = true
		}

		data = data[start:]
		meta.ActualCRC = engine.Checksum(data)
	}
	meta.Size = len(data)

	env, err := ParseRaw(data)
	if err != nil {
		return nil, nil, err
	}
	return env, meta, nil
}
