// Depthcharge-hunt locates known structures in memory and flash dumps.
//
// It searches a raw image for the structural fingerprints a bootloader
// leaves in memory: console command dispatch tables, environment variable
// storage (built-in or stored with a checksum header), and flattened
// device tree blobs. Results are reported with absolute target addresses
// when the image's load address is known.
//
// Usage:
//
//	depthcharge-hunt [command] <image> [flags]
//
// See 'depthcharge-hunt --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nccgroup/depthcharge/internal/logging"
	"github.com/nccgroup/depthcharge/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "depthcharge-hunt",
	Short: "Structural search over memory and flash dumps",
	Long: `Locate known structures in a raw memory or flash dump.

Searches for the structural fingerprints a bootloader leaves in memory:
  - Console command dispatch tables (cmdtable)
  - Environment variable storage (env)
  - Flattened device tree blobs (fdt)

Provide the image's load address with --address so results carry absolute
target addresses; without it, results are image-relative offsets.`,
	Version: version.Version,
	Example: `  # Find command tables in an ARM bootloader dump loaded at 0x87800000
  depthcharge-hunt cmdtable dump.bin --address 0x87800000 --arch arm

  # Locate and parse the stored environment
  depthcharge-hunt env dump.bin --address 0x87800000

  # List device tree blobs, JSON output
  depthcharge-hunt fdt flash.bin --format json`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel != "" {
			return logging.Initialize(logLevel)
		}
		return logging.InitializeFromEnv()
	},
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("depthcharge-hunt %s (commit: %s)\n", version.Version, version.Commit)
	},
}
