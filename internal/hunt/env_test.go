package hunt

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/nccgroup/depthcharge/internal/arch"
	"github.com/nccgroup/depthcharge/internal/checksum"
	"github.com/nccgroup/depthcharge/internal/image"
)

var testEnvVars = map[string]string{
	"baudrate":  "115200",
	"bootcmd":   "run distro_bootcmd",
	"bootdelay": "2",
	"stdin":     "serial",
	"stdout":    "serial",
}

// rawEnvData serializes vars as consecutive name=value NUL definitions,
// sorted by name.
func rawEnvData(vars map[string]string) []byte {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	var data []byte
	for _, name := range names {
		data = append(data, name...)
		data = append(data, '=')
		data = append(data, vars[name]...)
		data = append(data, 0)
	}
	return data
}

// storedEnvImage embeds a checksummed environment of the given storage
// size at offset 0x100 of a zero-filled image. With flags non-nil the
// header carries the redundant-copy flags byte.
func storedEnvImage(t *testing.T, a *arch.Arch, e *checksum.Engine, envSize int, flags *byte) (*image.Buffer, int) {
	t.Helper()

	payload := rawEnvData(testEnvVars)
	if len(payload) > envSize {
		t.Fatalf("test environment (%d bytes) exceeds storage size %d", len(payload), envSize)
	}
	storage := make([]byte, envSize)
	copy(storage, payload)

	header := make([]byte, 4)
	if err := a.PutWord(header[:4], uint64(e.Checksum(storage))); err != nil {
		t.Fatal(err)
	}
	if flags != nil {
		header = append(header, *flags)
	}

	data := make([]byte, 0x100+len(header)+envSize+0x80)
	copy(data[0x100:], header)
	copy(data[0x100+len(header):], storage)

	return image.New(data, 0x20000000), 0x100 + len(header)
}

func TestEnvironmentStored(t *testing.T) {
	a, err := arch.Get("arm")
	if err != nil {
		t.Fatal(err)
	}
	e := checksum.New(checksum.UBoot())

	buf, dataOff := storedEnvImage(t, a, e, 0x400, nil)

	h, err := NewEnvironmentHunter(buf, a, e, EnvironmentOptions{})
	if err != nil {
		t.Fatal(err)
	}

	r, err := h.Find(context.Background(), -1, -1)
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}

	if r.Offset != dataOff {
		t.Errorf("Offset = %d, want %d", r.Offset, dataOff)
	}
	if r.Size != 0x400 {
		t.Errorf("Size = %d, want full storage size 0x400", r.Size)
	}

	env := r.Env
	if env == nil {
		t.Fatal("Env payload missing")
	}
	if env.Type != EnvTypeStored {
		t.Errorf("Type = %q, want %q", env.Type, EnvTypeStored)
	}
	if !env.HasCRC {
		t.Error("header checksum not reported")
	}
	if env.HasFlags {
		t.Error("flags reported for a non-redundant environment")
	}

	storage, _ := buf.Bytes(dataOff, 0x400)
	if want := e.Checksum(storage); env.CRC != want {
		t.Errorf("CRC = 0x%08x, want 0x%08x", env.CRC, want)
	}

	for name, value := range testEnvVars {
		if env.Vars[name] != value {
			t.Errorf("Vars[%q] = %q, want %q", name, env.Vars[name], value)
		}
	}
}

func TestEnvironmentStoredRedundant(t *testing.T) {
	a, err := arch.Get("arm")
	if err != nil {
		t.Fatal(err)
	}
	e := checksum.New(checksum.UBoot())

	flags := byte(0x01)
	buf, dataOff := storedEnvImage(t, a, e, 0x200, &flags)

	h, err := NewEnvironmentHunter(buf, a, e, EnvironmentOptions{})
	if err != nil {
		t.Fatal(err)
	}

	r, err := h.Find(context.Background(), -1, -1)
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}

	env := r.Env
	if env.Type != EnvTypeStoredRedundant {
		t.Errorf("Type = %q, want %q", env.Type, EnvTypeStoredRedundant)
	}
	if !env.HasFlags || env.Flags != flags {
		t.Errorf("flags = %v/0x%02x, want present/0x%02x", env.HasFlags, env.Flags, flags)
	}
	if r.Offset != dataOff || r.Size != 0x200 {
		t.Errorf("span = offset %d size %d, want %d/0x200", r.Offset, r.Size, dataOff)
	}
}

func TestEnvironmentBuiltin(t *testing.T) {
	a, err := arch.Get("arm")
	if err != nil {
		t.Fatal(err)
	}
	e := checksum.New(checksum.UBoot())

	// Raw definitions with no metadata header anywhere near them
	payload := rawEnvData(testEnvVars)
	data := make([]byte, 0x100+len(payload)+0x40)
	copy(data[0x100:], payload)
	buf := image.New(data, 0x20000000)

	h, err := NewEnvironmentHunter(buf, a, e, EnvironmentOptions{})
	if err != nil {
		t.Fatal(err)
	}

	r, err := h.Find(context.Background(), -1, -1)
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}

	env := r.Env
	if env.Type != EnvTypeBuiltin {
		t.Errorf("Type = %q, want %q", env.Type, EnvTypeBuiltin)
	}
	if env.HasCRC || env.HasFlags {
		t.Error("built-in environment should carry no header metadata")
	}
	if r.Offset != 0x100 {
		t.Errorf("Offset = %d, want 0x100", r.Offset)
	}
	if env.Vars["bootcmd"] != "run distro_bootcmd" {
		t.Errorf("Vars[bootcmd] = %q", env.Vars["bootcmd"])
	}
}

func TestEnvironmentMinEntries(t *testing.T) {
	a, err := arch.Get("arm")
	if err != nil {
		t.Fatal(err)
	}
	e := checksum.New(checksum.UBoot())

	// Only 2 definitions; default minimum of 5 must reject them
	data := make([]byte, 0x200)
	copy(data[0x40:], rawEnvData(map[string]string{"bootdelay": "2", "baudrate": "115200"}))
	buf := image.New(data, 0)

	h, err := NewEnvironmentHunter(buf, a, e, EnvironmentOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Find(context.Background(), -1, -1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Find() = %v, want ErrNotFound", err)
	}

	// Lowering the bound admits them
	h, err = NewEnvironmentHunter(buf, a, e, EnvironmentOptions{MinEntries: 2})
	if err != nil {
		t.Fatal(err)
	}
	r, err := h.Find(context.Background(), -1, -1)
	if err != nil {
		t.Fatalf("Find() with MinEntries=2 error: %v", err)
	}
	if len(r.Env.Vars) != 2 {
		t.Errorf("parsed %d variables, want 2", len(r.Env.Vars))
	}
}

func TestEnvironmentPinnedRedundant(t *testing.T) {
	a, err := arch.Get("arm")
	if err != nil {
		t.Fatal(err)
	}
	e := checksum.New(checksum.UBoot())

	// A plain stored environment probed with redundant pinned true: the
	// header does not validate under that layout, so the result degrades
	// to a built-in classification.
	buf, _ := storedEnvImage(t, a, e, 0x400, nil)

	redundant := true
	h, err := NewEnvironmentHunter(buf, a, e, EnvironmentOptions{Redundant: &redundant})
	if err != nil {
		t.Fatal(err)
	}

	r, err := h.Find(context.Background(), -1, -1)
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if r.Env.Type != EnvTypeBuiltin {
		t.Errorf("Type = %q, want fallback to %q", r.Env.Type, EnvTypeBuiltin)
	}
}
