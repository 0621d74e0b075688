package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nccgroup/depthcharge/internal/checksum"
	"github.com/nccgroup/depthcharge/internal/config"
	"github.com/nccgroup/depthcharge/internal/image"
	"github.com/nccgroup/depthcharge/internal/stratagem"
	"github.com/nccgroup/depthcharge/internal/synth"
)

// Planning command flags
var (
	addressStr  string
	profileName string
	logLevel    string

	// build
	destStr       string
	outputPath    string
	comment       string
	maxWindowLen  int
	maxIterations int
	workers       int
	allowPartial  bool
	gapSpecs      []string
	noProgress    bool
	skipVerify    bool

	// verify
	payloadPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&addressStr, "address", "0", "Target load address of the dump's first byte (e.g. 0x40000000)")
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "Target profile name from the config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(verifyCmd)
}

func parseAddr(flagName, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", flagName, s, err)
	}
	return v, nil
}

func loadDump(path string) (*image.Buffer, error) {
	addr, err := parseAddr("address", addressStr)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dump: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("dump %s is empty", path)
	}
	return image.New(data, addr), nil
}

func loadProfile() (*config.Profile, error) {
	reg, err := config.LoadRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	profile, ok := reg.Profile(profileName)
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", profileName)
	}
	return profile, nil
}

// parseGaps parses --gap values of the form start-end or start+length,
// with either bound in any base strconv accepts (0x prefix for hex).
func parseGaps(specs []string) ([]image.Region, error) {
	gaps := make([]image.Region, 0, len(specs))

	for _, spec := range specs {
		var sep string
		switch {
		case strings.Contains(spec, "+"):
			sep = "+"
		case strings.Count(spec, "-") >= 1:
			sep = "-"
		default:
			return nil, fmt.Errorf("invalid --gap %q (use start-end or start+length)", spec)
		}

		parts := strings.SplitN(spec, sep, 2)
		start, err := strconv.ParseUint(parts[0], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --gap start in %q: %w", spec, err)
		}
		second, err := strconv.ParseUint(parts[1], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --gap bound in %q: %w", spec, err)
		}

		if sep == "+" {
			gaps = append(gaps, image.NewRegion(start, int(second)))
		} else {
			if second <= start {
				return nil, fmt.Errorf("invalid --gap %q: end not after start", spec)
			}
			gaps = append(gaps, image.Region{Start: start, End: second})
		}
	}
	return gaps, nil
}

// buildCmd plans a payload write
var buildCmd = &cobra.Command{
	Use:   "build <dump> <payload>",
	Short: "Plan a checksum-write sequence for a payload",
	Long: `Plan the operation sequence that deposits the payload file's bytes at
the --dest address.

The dump must reflect the target's memory at replay time; every planned
operation checksums a range of it (or a word a previous operation has
already deposited). Regions that are volatile at replay time, including
the destination itself if it lies within the dump, must be excluded
with --gap.

The plan is verified by offline replay before it is written; use
--skip-verify only when diagnosing planner issues.`,
	Example: `  # Plan a payload write
  depthcharge-stratagem build dump.bin payload.bin \
      --address 0x40000000 --dest 0x87f00000 -o plan.json

  # Exclude a volatile region and the destination from checksum sources
  depthcharge-stratagem build dump.bin payload.bin \
      --address 0x40000000 --dest 0x40001000 \
      --gap 0x40000f00-0x40002000 -o plan.json

  # Payload length not a multiple of 4 (write spills up to 3 zero bytes)
  depthcharge-stratagem build dump.bin payload.bin \
      --address 0x40000000 --dest 0x87f00000 --allow-partial -o plan.json`,
	Args: cobra.ExactArgs(2),
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&destStr, "dest", "", "Destination address for the payload (required)")
	buildCmd.Flags().StringVarP(&outputPath, "output", "o", "stratagem.json", "Output stratagem file")
	buildCmd.Flags().StringVar(&comment, "comment", "", "Free-form comment recorded in the stratagem")
	buildCmd.Flags().IntVar(&maxWindowLen, "max-window-len", 0, "Largest source window length considered (default from profile, else 256)")
	buildCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Longest iterated checksum chain tried per word (default from profile, else 4096)")
	buildCmd.Flags().IntVar(&workers, "workers", 0, "Lookup table build parallelism (0 = all CPUs)")
	buildCmd.Flags().BoolVar(&allowPartial, "allow-partial", false, "Permit a payload length not a multiple of 4 (spills zero bytes past the end)")
	buildCmd.Flags().StringArrayVar(&gapSpecs, "gap", nil, "Address range excluded from checksum sources, as start-end or start+length (repeatable)")
	buildCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the lookup table build progress bar")
	buildCmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "Skip offline replay verification of the plan")

	_ = buildCmd.MarkFlagRequired("dest")
}

func runBuild(cmd *cobra.Command, args []string) error {
	buf, err := loadDump(args[0])
	if err != nil {
		return err
	}

	payload, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}
	if len(payload) == 0 {
		return fmt.Errorf("payload %s is empty", args[1])
	}

	dest, err := parseAddr("dest", destStr)
	if err != nil {
		return err
	}

	profile, err := loadProfile()
	if err != nil {
		return err
	}

	gaps, err := parseGaps(gapSpecs)
	if err != nil {
		return err
	}

	cfg := synth.Config{
		MaxWindowLen:      maxWindowLen,
		MaxIterations:     maxIterations,
		AllowPartialWrite: allowPartial,
		Workers:           workers,
		Gaps:              gaps,
		Progress:          !noProgress,
	}
	if cfg.MaxWindowLen <= 0 {
		cfg.MaxWindowLen = profile.MaxWindowLen
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = profile.MaxIterations
	}

	patches := &stratagem.PatchList{}
	if err := patches.Append(stratagem.MemoryPatch{
		Address: dest,
		Value:   payload,
		Desc:    args[1],
	}); err != nil {
		return err
	}

	engine := checksum.New(profile.Checksum)
	planner := synth.New(buf, engine, cfg)

	fmt.Printf("Planning %d payload byte(s) to 0x%08x...\n", len(payload), dest)

	plan, err := planner.Synthesize(cmd.Context(), patches, comment)
	if err != nil {
		return fmt.Errorf("planning failed: %w", err)
	}

	stats := planner.Stats()
	fmt.Printf("Scanned %d source windows (%d distinct checksums)\n",
		stats.WindowsScanned, stats.TableEntries)
	fmt.Printf("Planned %d entries, %d on-target operations\n",
		len(plan.Entries), plan.TotalOperations())

	if !skipVerify {
		if err := synth.Verify(plan, buf, patches); err != nil {
			return fmt.Errorf("offline replay verification failed: %w", err)
		}
		fmt.Println("Offline replay verified.")
	}

	if err := plan.Save(outputPath); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", outputPath)
	return nil
}

// showCmd summarizes a stratagem file
var showCmd = &cobra.Command{
	Use:   "show <stratagem>",
	Short: "Summarize a stratagem file",
	Long: `Print a stratagem file's metadata and operation list in a readable
form. Entries whose source is a previously deposited word are marked
"readback".`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	plan, err := stratagem.Load(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Stratagem %s\n", args[0])
	fmt.Printf("  Consumer:  %s\n", plan.Consumer)
	if plan.Tool != "" {
		fmt.Printf("  Tool:      %s\n", plan.Tool)
	}
	fmt.Printf("  Created:   %s\n", plan.Timestamp)
	if plan.Comment != "" {
		fmt.Printf("  Comment:   %s\n", plan.Comment)
	}
	fmt.Printf("  Algorithm: poly=0x%08x invpoly=0x%08x big_endian=%v\n",
		plan.Algorithm.Poly, plan.Algorithm.InvPoly, plan.Algorithm.BigEndian)
	fmt.Printf("  Entries:   %d (%d on-target operations)\n\n",
		len(plan.Entries), plan.TotalOperations())

	for i := range plan.Entries {
		e := &plan.Entries[i]

		src := fmt.Sprintf("0x%08x", e.SrcAddr)
		if e.ReadsBack() {
			src = fmt.Sprintf("0x%08x (readback)", e.TSrcAddr)
		}
		fmt.Printf("  %3d: src %s len %-4d -> dst 0x%08x iter %-4d checksum 0x%08x\n",
			i, src, e.SrcSize, e.DstAddr, e.Iterations, e.Checksum)
	}
	return nil
}

// verifyCmd replays a stratagem offline against a dump
var verifyCmd = &cobra.Command{
	Use:   "verify <stratagem> <dump>",
	Short: "Re-verify a stratagem against a dump",
	Long: `Replay a stratagem offline against a memory dump and check every
entry's recorded checksum. This catches a dump that has drifted since
the plan was built (a source range changed value) before anything is
replayed on the target.

With --payload, the replayed bytes are additionally compared against the
payload file at each entry's destination.`,
	Example: `  # Check recorded checksums against a fresh dump
  depthcharge-stratagem verify plan.json dump.bin --address 0x40000000

  # Also confirm the replay reproduces the payload
  depthcharge-stratagem verify plan.json dump.bin \
      --address 0x40000000 --payload payload.bin --dest 0x87f00000`,
	Args: cobra.ExactArgs(2),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&payloadPath, "payload", "", "Payload file to compare the replayed bytes against")
	verifyCmd.Flags().StringVar(&destStr, "dest", "", "Payload destination address (required with --payload)")
}

func runVerify(cmd *cobra.Command, args []string) error {
	plan, err := stratagem.Load(args[0])
	if err != nil {
		return err
	}

	buf, err := loadDump(args[1])
	if err != nil {
		return err
	}

	if payloadPath != "" {
		if destStr == "" {
			return fmt.Errorf("--payload requires --dest")
		}
		dest, err := parseAddr("dest", destStr)
		if err != nil {
			return err
		}
		payload, err := os.ReadFile(payloadPath)
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}

		patches := &stratagem.PatchList{}
		if err := patches.Append(stratagem.MemoryPatch{Address: dest, Value: payload}); err != nil {
			return err
		}
		if err := synth.Verify(plan, buf, patches); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		fmt.Printf("OK: %d entries replay cleanly and reproduce the %d-byte payload at 0x%08x\n",
			len(plan.Entries), len(payload), dest)
		return nil
	}

	out, err := synth.Simulate(plan, buf)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	fmt.Printf("OK: %d entries replay cleanly, writing [0x%08x, 0x%08x)\n",
		len(plan.Entries), out.BaseAddr(), out.EndAddr())
	return nil
}
