// Package config provides user configuration management for the Depthcharge
// tools.
//
// This package manages a YAML-based configuration file that stores named
// target profiles - architecture, checksum algorithm parameters, and default
// search limits for each kind of device being analyzed - plus application
// preferences such as the default profile. The configuration follows
// OS-specific conventions for storage location.
//
// # Configuration File Location
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/depthcharge/config.yaml or $HOME/.config/depthcharge/config.yaml
//   - macOS: $HOME/.config/depthcharge/config.yaml
//   - Windows: %LOCALAPPDATA%\depthcharge\config.yaml
//
// # Usage Example
//
//	// Load the global registry
//	registry, err := config.LoadRegistry()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Tune a profile for a specific board
//	profile := registry.EnsureProfile("router-x")
//	profile.Arch = "arm64"
//	profile.MaxWindowLen = 512
//
//	// Save changes atomically
//	if err := registry.Save(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Thread Safety
//
// The global registry uses sync.Once for safe initialization across
// goroutines. File operations are protected by a mutex to ensure atomic
// writes.
package config
