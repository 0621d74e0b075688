package config

import "github.com/nccgroup/depthcharge/internal/checksum"

// Registry represents the entire user configuration file: named target
// profiles plus application preferences.
type Registry struct {
	Version     int                 `yaml:"version"`
	Profiles    map[string]*Profile `yaml:"profiles,omitempty"` // Keyed by profile name
	Preferences *Preferences        `yaml:"preferences,omitempty"`
}

// Profile bundles everything needed to analyze dumps from one kind of
// target: its architecture, the checksum algorithm its console command
// implements, and default search limits.
type Profile struct {
	Arch     string          `yaml:"arch"`
	Checksum checksum.Params `yaml:"checksum"`

	// Structural search defaults
	Threshold  int `yaml:"threshold,omitempty"`   // consecutive command records required
	MinEntries int `yaml:"min_entries,omitempty"` // environment definitions required
	EnvSizeMax int `yaml:"env_size_max,omitempty"`

	// Synthesis defaults
	MaxWindowLen  int `yaml:"max_window_len,omitempty"`
	MaxIterations int `yaml:"max_iterations,omitempty"`
}

// Preferences represents application-wide user preferences.
type Preferences struct {
	DefaultProfile string `yaml:"default_profile"`
	Progress       bool   `yaml:"progress"` // show progress bars on long operations
}

// DefaultProfileName is used when the caller names no profile and the
// preferences don't either.
const DefaultProfileName = "uboot-arm"

// NewRegistry creates a new Registry with stock profiles for common
// targets.
func NewRegistry() *Registry {
	be := checksum.UBoot()
	be.BigEndian = true

	return &Registry{
		Version: 1,
		Profiles: map[string]*Profile{
			"uboot-arm":     {Arch: "arm", Checksum: checksum.UBoot()},
			"uboot-arm64":   {Arch: "arm64", Checksum: checksum.UBoot()},
			"uboot-powerpc": {Arch: "powerpc", Checksum: be},
		},
		Preferences: &Preferences{
			DefaultProfile: DefaultProfileName,
			Progress:       true,
		},
	}
}

// Profile retrieves a profile by name. An empty name selects the
// preferred default.
func (r *Registry) Profile(name string) (*Profile, bool) {
	if name == "" {
		name = DefaultProfileName
		if r.Preferences != nil && r.Preferences.DefaultProfile != "" {
			name = r.Preferences.DefaultProfile
		}
	}
	p, ok := r.Profiles[name]
	return p, ok
}

// EnsureProfile returns the named profile, creating a default-initialized
// entry if it doesn't exist yet.
func (r *Registry) EnsureProfile(name string) *Profile {
	if r.Profiles == nil {
		r.Profiles = make(map[string]*Profile)
	}

	if p, exists := r.Profiles[name]; exists {
		return p
	}

	p := &Profile{Arch: "arm", Checksum: checksum.UBoot()}
	r.Profiles[name] = p
	return p
}
