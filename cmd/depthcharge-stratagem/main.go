// Depthcharge-stratagem plans checksum-based memory writes.
//
// Given a memory dump of a target and a desired payload, it searches the
// dump for byte ranges whose checksums - possibly iterated through a
// chain of intermediate writes - produce the payload word by word, and
// emits the resulting operation sequence as a stratagem file. Replaying
// the sequence through the target's console checksum command deposits the
// payload at the chosen address without any dedicated write primitive.
//
// Usage:
//
//	depthcharge-stratagem [command] [flags]
//
// See 'depthcharge-stratagem --help' for available commands.
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
	Use:   "depthcharge-stratagem",
	Short: "Checksum-write payload planning",
	Long: `Plan, inspect, and verify checksum-write operation sequences.

A stratagem is an ordered list of checksum operations that, replayed
through a target's console checksum command, deposits a chosen payload at
a chosen memory address. Planning requires a dump of the target's memory
(the source of checksum inputs) and the payload bytes.`,
	Version: version.Version,
	Example: `  # Plan a 4-byte payload write
  depthcharge-stratagem build dump.bin payload.bin \
      --address 0x40000000 --dest 0x87f00000 -o plan.json

  # Summarize an existing plan
  depthcharge-stratagem show plan.json

  # Re-verify a plan against a (possibly newer) dump
  depthcharge-stratagem verify plan.json dump.bin --address 0x40000000`,
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
		fmt.Printf("depthcharge-stratagem %s (commit: %s)\n", version.Version, version.Commit)
	},
}
