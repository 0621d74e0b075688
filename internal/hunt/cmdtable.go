package hunt

import (
	"context"
	"regexp"

	"go.uber.org/zap"

	"github.com/nccgroup/depthcharge/internal/arch"
	"github.com/nccgroup/depthcharge/internal/image"
	"github.com/nccgroup/depthcharge/internal/logging"
)

// Command names are typically lowercase alpha, but a few exceptions
// exist: '?' as a help alias, crc32, and underscores in product-specific
// commands.
var cmdNameRE = regexp.MustCompile(`^([a-z0-9_-]{2,}|\?)$`)

// Known/common false positives
var cmdNameFalsePositiveRE = regexp.MustCompile(`^unknown`)

// We shouldn't be seeing format strings in help/usage text
var textFalsePositiveRE = regexp.MustCompile(`%[0-9]*[a-z]`)

// maxSubTables bounds recursive sub-table discovery on adversarial or
// corrupted input.
const maxSubTables = 64

// Command is one decoded console command dispatch record.
type Command struct {
	Addr     uint64 `json:"address"`
	Name     string `json:"name"`
	MaxArgs  int    `json:"maxargs"`
	RepeatFn uint64 `json:"cmd_rep"`
	Handler  uint64 `json:"cmd"`
	Usage    string `json:"usage"`
	Help     string `json:"help,omitempty"`
	Complete uint64 `json:"complete,omitempty"`
	SubCmd   bool   `json:"subcmd"`
}

// CommandTable is the kind-specific payload of a command-table Result.
// LongHelp and Autocomplete report the record-layout combination that
// validated, i.e. the inferred compile-time configuration of the target.
type CommandTable struct {
	Commands      []Command `json:"commands"`
	LongHelp      bool      `json:"longhelp"`
	Autocomplete  bool      `json:"autocomplete"`
	IsSubCmdTable bool      `json:"is_subcmd_table"`
}

// CommandTableOptions configures a CommandTableHunter.
type CommandTableOptions struct {
	// Threshold is the number of consecutive structurally valid records
	// required before a candidate is accepted. 0 means the default of 5.
	Threshold int

	// NoPointerCheck disables validation that decoded pointers resolve
	// inside the buffer's mapped range. Only useful when the buffer's
	// base address is unknown; expect many false positives.
	NoPointerCheck bool

	// LongHelp / Autocomplete pin the optional per-record fields as
	// known-present or known-absent. When nil, both combinations are
	// tried and the winning one is reported in the result.
	LongHelp     *bool
	Autocomplete *bool

	// SubTables enables probing each confirmed record's handler pointer
	// for nested tables of the same shape, reported as Nested results.
	SubTables bool
}

// CommandTableHunter locates console command dispatch tables: fixed-stride
// records of {name pointer, argument bound, repeat handler, command
// handler, usage pointer} with optional long-help and completion pointers
// depending on the target's compile-time configuration.
//
// The presence of such tables indicates a compiled-in command console;
// multiple distinct tables can indicate authorization-gated command sets.
type CommandTableHunter struct {
	driver
	arch *arch.Arch
	opts CommandTableOptions
}

// NewCommandTableHunter creates a hunter over buf for the given
// architecture.
func NewCommandTableHunter(buf *image.Buffer, a *arch.Arch, opts CommandTableOptions) *CommandTableHunter {
	if opts.Threshold <= 0 {
		opts.Threshold = 5
	}

	h := &CommandTableHunter{arch: a, opts: opts}
	h.driver = driver{buf: buf, kind: KindCommandTable, probe: h.probeAt}
	return h
}

// Does this address fall within our data, or is it NULL? Used to infer
// that a value really is a pointer.
func (h *CommandTableHunter) validPtr(addr uint64, allowNull bool) bool {
	if h.opts.NoPointerCheck {
		return true
	}
	if addr == 0 {
		return allowNull
	}
	return h.buf.Contains(addr)
}

// record attempts to decode one dispatch record at offset. Returns nil
// when the bytes there cannot be a valid record under the given layout.
func (h *CommandTableHunter) record(offset int, longhelp, autocomplete bool) *Command {
	wordSize := h.arch.WordSize
	fields := 5
	if longhelp {
		fields++
	}
	if autocomplete {
		fields++
	}

	data, err := h.buf.Bytes(offset, fields*wordSize)
	if err != nil {
		return nil
	}

	word := func(i int) uint64 {
		v, _ := h.arch.Word(data[i*wordSize:])
		return v
	}

	namePtr := word(0)
	name, err := h.buf.CStringAt(namePtr)
	if err != nil {
		return nil
	}
	if !cmdNameRE.MatchString(name) || cmdNameFalsePositiveRE.MatchString(name) {
		return nil
	}

	cmd := Command{
		Addr:     h.buf.Addr(offset),
		Name:     name,
		MaxArgs:  int(word(1)),
		RepeatFn: word(2), // flag-or-pointer; not dereferenced
	}

	handler := word(3)
	if !h.validPtr(handler, false) {
		return nil
	}
	cmd.Handler = handler

	if usagePtr := word(4); usagePtr != 0 {
		usage, err := h.buf.CStringAt(usagePtr)
		if err != nil || textFalsePositiveRE.MatchString(usage) {
			return nil
		}
		cmd.Usage = usage
		// Subcommands typically have usage -> ""
		cmd.SubCmd = usage == ""
	}

	if longhelp {
		if helpPtr := word(5); helpPtr != 0 {
			help, err := h.buf.CStringAt(helpPtr)
			if err != nil || textFalsePositiveRE.MatchString(help) {
				return nil
			}
			cmd.Help = help
			cmd.SubCmd = cmd.Usage == "" && help == ""
		} else {
			// Some commands, like 'true', leave the help pointer NULL
			cmd.SubCmd = false
		}
	}

	if autocomplete {
		completePtr := word(fields - 1)
		if !h.validPtr(completePtr, true) {
			return nil
		}
		cmd.Complete = completePtr
	}

	return &cmd
}

// tableAt attempts to validate a run of consecutive records at offset
// under one layout combination. Returns nil when fewer than threshold
// consecutive records validate.
func (h *CommandTableHunter) tableAt(offset, end int, longhelp, autocomplete bool) (*CommandTable, int) {
	recordSize := (5 + boolToInt(longhelp) + boolToInt(autocomplete)) * h.arch.WordSize

	var commands []Command
	off := offset
	for off+recordSize <= end {
		cmd := h.record(off, longhelp, autocomplete)
		if cmd == nil {
			break
		}
		commands = append(commands, *cmd)
		off += recordSize

		if logging.DebugEnabled() {
			logging.Debug("Potential command record",
				zap.Uint64("address", cmd.Addr),
				zap.String("name", cmd.Name),
				zap.Bool("longhelp", longhelp),
				zap.Bool("autocomplete", autocomplete),
			)
		}
	}

	if len(commands) < h.opts.Threshold {
		return nil, 0
	}

	subCount := 0
	for _, c := range commands {
		if c.SubCmd {
			subCount++
		}
	}

	table := &CommandTable{
		Commands:      commands,
		LongHelp:      longhelp,
		Autocomplete:  autocomplete,
		IsSubCmdTable: subCount == len(commands),
	}
	return table, len(commands) * recordSize
}

func (h *CommandTableHunter) probeAt(ctx context.Context, off, end int) ([]*Result, error) {
	if !h.arch.IsWordAligned(h.buf.Addr(off)) {
		return nil, nil
	}

	// Iterate over the possible combinations of the optional record
	// fields, unless the caller pinned them.
	longhelpChoices := []bool{true, false}
	if h.opts.LongHelp != nil {
		longhelpChoices = []bool{*h.opts.LongHelp}
	}
	autocompChoices := []bool{true, false}
	if h.opts.Autocomplete != nil {
		autocompChoices = []bool{*h.opts.Autocomplete}
	}

	for _, longhelp := range longhelpChoices {
		for _, autocomplete := range autocompChoices {
			table, size := h.tableAt(off, end, longhelp, autocomplete)
			if table == nil {
				continue
			}

			primary := &Result{
				Kind:     KindCommandTable,
				Offset:   off,
				Addr:     h.buf.Addr(off),
				Size:     size,
				CmdTable: table,
			}

			results := []*Result{primary}
			if h.opts.SubTables {
				results = append(results, h.subTables(primary)...)
			}
			return results, nil
		}
	}

	return nil, nil
}

// subTables probes each confirmed record's handler pointer for a nested
// table of the same shape, using an explicit worklist so corrupted input
// cannot drive unbounded recursion.
func (h *CommandTableHunter) subTables(primary *Result) []*Result {
	visited := map[int]bool{primary.Offset: true}
	worklist := handlerOffsets(h.buf, primary.CmdTable)

	var nested []*Result
	for len(worklist) > 0 && len(nested) < maxSubTables {
		off := worklist[0]
		worklist = worklist[1:]

		if visited[off] {
			continue
		}
		visited[off] = true

		table, size := h.tableAt(off, h.buf.Len(), primary.CmdTable.LongHelp, primary.CmdTable.Autocomplete)
		if table == nil {
			continue
		}

		nested = append(nested, &Result{
			Kind:     KindCommandTable,
			Offset:   off,
			Addr:     h.buf.Addr(off),
			Size:     size,
			Nested:   true,
			CmdTable: table,
		})
		worklist = append(worklist, handlerOffsets(h.buf, table)...)
	}

	return nested
}

func handlerOffsets(buf *image.Buffer, table *CommandTable) []int {
	var offs []int
	for _, c := range table.Commands {
		if off, err := buf.Offset(c.Handler); err == nil {
			offs = append(offs, off)
		}
	}
	return offs
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
