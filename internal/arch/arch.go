package arch

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Arch describes the properties of a target CPU architecture that matter
// when interpreting a raw memory or flash dump: how wide a pointer is, how
// multi-byte values are ordered, and the alignment the bootloader's
// structures honor.
type Arch struct {
	Name      string
	WordSize  int // size of a pointer/word, in bytes
	Alignment int // required alignment of word accesses, in bytes
	ByteOrder binary.ByteOrder
}

// Supported architectures, keyed by canonical lowercase name.
var registry = map[string]*Arch{
	"arm":          {Name: "arm", WordSize: 4, Alignment: 4, ByteOrder: binary.LittleEndian},
	"arm64":        {Name: "arm64", WordSize: 8, Alignment: 8, ByteOrder: binary.LittleEndian},
	"powerpc":      {Name: "powerpc", WordSize: 4, Alignment: 4, ByteOrder: binary.BigEndian},
	"generic":      {Name: "generic", WordSize: 4, Alignment: 4, ByteOrder: binary.LittleEndian},
	"generic-be":   {Name: "generic-be", WordSize: 4, Alignment: 4, ByteOrder: binary.BigEndian},
	"generic64":    {Name: "generic64", WordSize: 8, Alignment: 8, ByteOrder: binary.LittleEndian},
	"generic64-be": {Name: "generic64-be", WordSize: 8, Alignment: 8, ByteOrder: binary.BigEndian},
}

var aliases = map[string]string{
	"aarch64": "arm64",
	"ppc":     "powerpc",
}

// Get returns the architecture description for the given name.
// Names are case-insensitive; a few common aliases are accepted.
func Get(name string) (*Arch, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[key]; ok {
		key = canonical
	}

	a, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("unsupported architecture: %q (supported: %s)",
			name, strings.Join(Names(), ", "))
	}
	return a, nil
}

// Names returns the canonical names of all supported architectures, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsWordAligned reports whether addr satisfies the architecture's word
// alignment requirement.
func (a *Arch) IsWordAligned(addr uint64) bool {
	return addr%uint64(a.Alignment) == 0
}

// Word decodes a native word (pointer-sized value) from the start of data.
func (a *Arch) Word(data []byte) (uint64, error) {
	if len(data) < a.WordSize {
		return 0, fmt.Errorf("need %d bytes for a %s word, have %d", a.WordSize, a.Name, len(data))
	}

	switch a.WordSize {
	case 4:
		return uint64(a.ByteOrder.Uint32(data)), nil
	case 8:
		return a.ByteOrder.Uint64(data), nil
	default:
		return 0, fmt.Errorf("unsupported word size: %d", a.WordSize)
	}
}

// Uint32 decodes a 32-bit value from the start of data using the
// architecture's byte order.
func (a *Arch) Uint32(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("need 4 bytes for a uint32, have %d", len(data))
	}
	return a.ByteOrder.Uint32(data), nil
}

// PutWord encodes v as a native word at the start of data.
func (a *Arch) PutWord(data []byte, v uint64) error {
	if len(data) < a.WordSize {
		return fmt.Errorf("need %d bytes for a %s word, have %d", a.WordSize, a.Name, len(data))
	}

	switch a.WordSize {
	case 4:
		a.ByteOrder.PutUint32(data, uint32(v))
	case 8:
		a.ByteOrder.PutUint64(data, v)
	default:
		return fmt.Errorf("unsupported word size: %d", a.WordSize)
	}
	return nil
}
