package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nccgroup/depthcharge/internal/arch"
	"github.com/nccgroup/depthcharge/internal/checksum"
	"github.com/nccgroup/depthcharge/internal/config"
	"github.com/nccgroup/depthcharge/internal/hunt"
	"github.com/nccgroup/depthcharge/internal/image"
)

// Search command flags
var (
	addressStr   string
	archName     string
	profileName  string
	outputFormat string
	logLevel     string

	// cmdtable
	threshold      int
	noPointerCheck bool
	longHelp       string
	autocomplete   string
	subTables      bool

	// env
	minEntries int
	maxEntries int
	envSizeMax int
	redundant  string

	// fdt
	extractDir string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&addressStr, "address", "0", "Target load address of the image's first byte (e.g. 0x87800000)")
	rootCmd.PersistentFlags().StringVar(&archName, "arch", "", "Target architecture (arm, arm64, powerpc, ...); default from profile")
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "Target profile name from the config file")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(cmdtableCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(fdtCmd)
}

// target bundles everything the search commands derive from the shared
// flags: the loaded image, the architecture, and the active profile.
type target struct {
	buf     *image.Buffer
	arch    *arch.Arch
	profile *config.Profile
}

func loadTarget(imagePath string) (*target, error) {
	reg, err := config.LoadRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	profile, ok := reg.Profile(profileName)
	if !ok {
		return nil, fmt.Errorf("unknown profile %q (known: see config file)", profileName)
	}

	name := archName
	if name == "" {
		name = profile.Arch
	}
	a, err := arch.Get(name)
	if err != nil {
		return nil, err
	}

	addr, err := strconv.ParseUint(addressStr, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid --address %q: %w", addressStr, err)
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("image %s is empty", imagePath)
	}

	return &target{buf: image.New(data, addr), arch: a, profile: profile}, nil
}

// triState parses an auto/true/false flag value into the pointer form the
// search options use: nil means "try both layouts".
func triState(flagName, value string) (*bool, error) {
	switch value {
	case "", "auto":
		return nil, nil
	case "true", "yes", "on":
		v := true
		return &v, nil
	case "false", "no", "off":
		v := false
		return &v, nil
	}
	return nil, fmt.Errorf("invalid --%s value %q (use auto, true, or false)", flagName, value)
}

func emitResults(results []*hunt.Result, text func(*hunt.Result)) error {
	if outputFormat == "json" {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}
	for _, r := range results {
		text(r)
	}
	return nil
}

// cmdtableCmd locates console command dispatch tables
var cmdtableCmd = &cobra.Command{
	Use:   "cmdtable <image>",
	Short: "Find console command dispatch tables",
	Long: `Search the image for console command dispatch tables.

A dispatch table is a run of fixed-stride records, each holding a command
name pointer, argument bound, handler pointers, and usage text. The
optional long-help and tab-completion fields depend on the target's
compile-time configuration; both layouts are tried unless pinned with
--longhelp / --autocomplete.

The presence of such a table indicates a compiled-in command console;
multiple distinct tables can indicate authorization-gated command sets.`,
	Example: `  # Typical search
  depthcharge-hunt cmdtable dump.bin --address 0x87800000 --arch arm

  # Target known to be built without long help text
  depthcharge-hunt cmdtable dump.bin --address 0x87800000 --longhelp false

  # Also probe handler pointers for nested subcommand tables
  depthcharge-hunt cmdtable dump.bin --address 0x87800000 --subtables`,
	Args: cobra.ExactArgs(1),
	RunE: runCmdtable,
}

func init() {
	cmdtableCmd.Flags().IntVar(&threshold, "threshold", 0, "Consecutive valid records required (default from profile, else 5)")
	cmdtableCmd.Flags().BoolVar(&noPointerCheck, "no-pointer-check", false, "Skip validating that decoded pointers fall inside the image")
	cmdtableCmd.Flags().StringVar(&longHelp, "longhelp", "auto", "Records carry a long-help pointer (auto, true, false)")
	cmdtableCmd.Flags().StringVar(&autocomplete, "autocomplete", "auto", "Records carry a completion handler pointer (auto, true, false)")
	cmdtableCmd.Flags().BoolVar(&subTables, "subtables", false, "Probe handler pointers for nested subcommand tables")
}

func runCmdtable(cmd *cobra.Command, args []string) error {
	tgt, err := loadTarget(args[0])
	if err != nil {
		return err
	}

	lh, err := triState("longhelp", longHelp)
	if err != nil {
		return err
	}
	ac, err := triState("autocomplete", autocomplete)
	if err != nil {
		return err
	}

	opts := hunt.CommandTableOptions{
		Threshold:      threshold,
		NoPointerCheck: noPointerCheck,
		LongHelp:       lh,
		Autocomplete:   ac,
		SubTables:      subTables,
	}
	if opts.Threshold <= 0 {
		opts.Threshold = tgt.profile.Threshold
	}

	hunter := hunt.NewCommandTableHunter(tgt.buf, tgt.arch, opts)
	results, err := hunter.FindAll(cmd.Context(), -1, -1)
	if err != nil {
		return err
	}

	return emitResults(results, printCommandTable)
}

func printCommandTable(r *hunt.Result) {
	t := r.CmdTable

	label := "Command table"
	if t.IsSubCmdTable {
		label = "Subcommand table"
	}
	if r.Nested {
		label += " (nested)"
	}

	fmt.Printf("%s at 0x%08x (offset 0x%x, %d bytes)\n", label, r.Addr, r.Offset, r.Size)
	fmt.Printf("  Layout: longhelp=%v autocomplete=%v\n", t.LongHelp, t.Autocomplete)
	fmt.Printf("  Commands: %d\n", len(t.Commands))
	for _, c := range t.Commands {
		fmt.Printf("    %-12s maxargs=%-3d handler=0x%08x  %s\n", c.Name, c.MaxArgs, c.Handler, c.Usage)
	}
	fmt.Println()
}

// envCmd locates environment variable storage
var envCmd = &cobra.Command{
	Use:   "env <image>",
	Short: "Find environment variable storage",
	Long: `Search the image for environment variable storage.

An environment block is a run of consecutive NUL-terminated name=value
definitions. Stored environments are prefixed with a 32-bit checksum of
the storage region (plus a one-byte active-copy flag on targets built
with redundant copies); built-in defaults carry no header. The checksum
is validated against the profile's algorithm, which also recovers the
target's compile-time environment storage size.`,
	Example: `  # Typical search
  depthcharge-hunt env dump.bin --address 0x87800000

  # Small environments need a lower entry requirement
  depthcharge-hunt env dump.bin --address 0x87800000 --min-entries 2

  # Target known to use redundant environment copies
  depthcharge-hunt env flash.bin --redundant true`,
	Args: cobra.ExactArgs(1),
	RunE: runEnv,
}

func init() {
	envCmd.Flags().IntVar(&minEntries, "min-entries", 0, "Minimum variable definitions per block (default from profile, else 5)")
	envCmd.Flags().IntVar(&maxEntries, "max-entries", 0, "Maximum variable definitions matched per block (0 = unbounded)")
	envCmd.Flags().IntVar(&envSizeMax, "env-size-max", 0, "Upper bound on the target's environment storage size (default from profile, else 0x100000)")
	envCmd.Flags().StringVar(&redundant, "redundant", "auto", "Target uses redundant environment copies (auto, true, false)")
}

func runEnv(cmd *cobra.Command, args []string) error {
	tgt, err := loadTarget(args[0])
	if err != nil {
		return err
	}

	red, err := triState("redundant", redundant)
	if err != nil {
		return err
	}

	opts := hunt.EnvironmentOptions{
		MinEntries: minEntries,
		MaxEntries: maxEntries,
		EnvSizeMax: envSizeMax,
		Redundant:  red,
	}
	if opts.MinEntries <= 0 {
		opts.MinEntries = tgt.profile.MinEntries
	}
	if opts.EnvSizeMax <= 0 {
		opts.EnvSizeMax = tgt.profile.EnvSizeMax
	}

	engine := checksum.New(tgt.profile.Checksum)
	hunter, err := hunt.NewEnvironmentHunter(tgt.buf, tgt.arch, engine, opts)
	if err != nil {
		return err
	}

	results, err := hunter.FindAll(cmd.Context(), -1, -1)
	if err != nil {
		return err
	}

	return emitResults(results, printEnvironment)
}

func printEnvironment(r *hunt.Result) {
	e := r.Env

	fmt.Printf("Environment (%s) at 0x%08x (offset 0x%x, %d bytes)\n", e.Type, r.Addr, r.Offset, r.Size)
	if e.HasCRC {
		fmt.Printf("  CRC: 0x%08x\n", e.CRC)
	}
	if e.HasFlags {
		fmt.Printf("  Flags: 0x%02x\n", e.Flags)
	}
	fmt.Printf("  Variables: %d\n", len(e.Vars))

	names := make([]string, 0, len(e.Vars))
	for name := range e.Vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("    %s=%s\n", name, e.Vars[name])
	}
	fmt.Println()
}

// fdtCmd locates flattened device tree blobs
var fdtCmd = &cobra.Command{
	Use:   "fdt <image>",
	Short: "Find flattened device tree blobs",
	Long: `Search the image for flattened device tree (FDT) blobs.

Candidates are located by header magic and confirmed by validating the
header's size and offset fields against the remaining image, ruling out
incidental occurrences of the magic bytes. Confirmed blobs can be
extracted to files for inspection with dtc(1).`,
	Example: `  # List device tree blobs
  depthcharge-hunt fdt flash.bin

  # Extract each blob to ./dtbs/fdt_<address>.dtb
  depthcharge-hunt fdt flash.bin --extract ./dtbs`,
	Args: cobra.ExactArgs(1),
	RunE: runFDT,
}

func init() {
	fdtCmd.Flags().StringVar(&extractDir, "extract", "", "Directory to write extracted .dtb files (disabled if not specified)")
}

func runFDT(cmd *cobra.Command, args []string) error {
	tgt, err := loadTarget(args[0])
	if err != nil {
		return err
	}

	if extractDir != "" {
		info, err := os.Stat(extractDir)
		if err != nil {
			return fmt.Errorf("cannot access extract directory: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("extract path is not a directory: %s", extractDir)
		}
	}

	hunter := hunt.NewDeviceTreeHunter(tgt.buf)
	results, err := hunter.FindAll(cmd.Context(), -1, -1)
	if err != nil {
		return err
	}

	if extractDir != "" {
		for _, r := range results {
			path := filepath.Join(extractDir, fmt.Sprintf("fdt_0x%08x.dtb", r.Addr))
			if err := os.WriteFile(path, r.FDT.Blob, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			fmt.Printf("Wrote %s (%d bytes)\n", path, len(r.FDT.Blob))
		}
	}

	return emitResults(results, printDeviceTree)
}

func printDeviceTree(r *hunt.Result) {
	h := r.FDT.Header

	fmt.Printf("Device tree at 0x%08x (offset 0x%x, %d bytes)\n", r.Addr, r.Offset, r.Size)
	fmt.Printf("  Version: %d (last compatible: %d)\n", h.Version, h.LastCompVersion)
	fmt.Printf("  Structure block: offset 0x%x, %d bytes\n", h.OffDtStruct, h.SizeDtStruct)
	fmt.Printf("  Strings block:   offset 0x%x, %d bytes\n", h.OffDtStrings, h.SizeDtStrings)
	fmt.Println()
}
