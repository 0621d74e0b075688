// Package synth implements the checksum-inversion synthesizer: given a
// readable source image and a desired set of memory patches, it plans a
// sequence of checksum-write operations that deposits the patch bytes on
// the target, 4 bytes at a time.
//
// The planner builds a reverse lookup table mapping checksum values to the
// source window producing them, then walks each payload word backwards
// through the checksum's 4-byte inversion until it lands on a value the
// table can produce. Words occurring more than once in the payload are
// resolved once and fanned out with cheap copy operations.
package synth

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"

	"go.uber.org/zap"

	"github.com/nccgroup/depthcharge/internal/checksum"
	"github.com/nccgroup/depthcharge/internal/image"
	"github.com/nccgroup/depthcharge/internal/logging"
	"github.com/nccgroup/depthcharge/internal/stratagem"
)

// ErrDependencyConflict is returned when no replay order exists in which
// every operation's source bytes are still intact when it runs.
var ErrDependencyConflict = errors.New("operation dependencies are cyclic")

// ChunkError reports a payload chunk for which no sequence of checksum
// operations within the configured limits produces the required value.
type ChunkError struct {
	Index      int    // 0-based chunk index across the whole patch list
	DstAddr    uint64 // destination address of the chunk
	Target     uint32 // required checksum value
	Iterations int    // iteration limit that was exhausted
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("no source window yields chunk %d (0x%08x at 0x%08x) within %d iterations; "+
		"try increasing the window length or iteration limits",
		e.Index, e.Target, e.DstAddr, e.Iterations)
}

// Config bounds the synthesizer's search.
type Config struct {
	// MaxWindowLen is the largest source window length recorded in the
	// reverse lookup table. Larger values cost host memory and lookup
	// build time but resolve chunks in fewer on-target operations.
	// 0 means the default of 256.
	MaxWindowLen int

	// MaxIterations caps the length of the iterated checksum chain tried
	// per chunk. 0 means the default of 4096.
	MaxIterations int

	// AllowPartialWrite permits a patch whose length is not a multiple
	// of 4. The final short chunk is planned against its value
	// zero-padded to full width, and the write spills the zero bytes
	// past the patch end. When false such patches are rejected up front.
	AllowPartialWrite bool

	// Workers is the number of goroutines sharding the lookup table
	// build. 0 means GOMAXPROCS.
	Workers int

	// Gaps are absolute address ranges of the source image that must not
	// be used as operation sources (volatile data, or the region the
	// payload itself will be written to).
	Gaps []image.Region

	// Progress enables a terminal progress bar during the lookup table
	// build.
	Progress bool
}

func (c Config) withDefaults() Config {
	if c.MaxWindowLen <= 0 {
		c.MaxWindowLen = 256
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 4096
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	return c
}

// Stats describes the work a synthesizer has performed so far.
type Stats struct {
	WindowsScanned uint64 // source windows checksummed during table build
	TableEntries   int    // distinct checksum values in the table
	TableBuilt     bool
}

// Synthesizer plans checksum-write operation sequences over one source
// image. The reverse lookup table is built on first use and reused across
// Synthesize calls.
type Synthesizer struct {
	buf    *image.Buffer
	engine *checksum.Engine
	cfg    Config

	lut            map[uint32]window
	windowsScanned uint64
}

// window is a candidate source range, as a buffer offset and length.
type window struct {
	offset int
	length int
}

// New creates a Synthesizer over buf using the given checksum engine.
func New(buf *image.Buffer, engine *checksum.Engine, cfg Config) *Synthesizer {
	return &Synthesizer{
		buf:    buf,
		engine: engine,
		cfg:    cfg.withDefaults(),
	}
}

// Stats returns counters describing the search work done so far.
func (s *Synthesizer) Stats() Stats {
	return Stats{
		WindowsScanned: s.windowsScanned,
		TableEntries:   len(s.lut),
		TableBuilt:     s.lut != nil,
	}
}

// chunk is one word-sized unit of desired payload.
type chunk struct {
	index   int
	dstAddr uint64
	target  uint32
	width   int // bytes of the chunk that are real payload (4, or 1-3 for a tail)
}

// resolution is the plan for producing one distinct target word: checksum
// the window, then iterate the result in place.
type resolution struct {
	win        window
	iterations int
}

// Synthesize plans the operations depositing every patch in patches.
// Construction is all-or-nothing: the first unresolvable chunk aborts the
// call, and cancellation never yields a truncated plan.
func (s *Synthesizer) Synthesize(ctx context.Context, patches *stratagem.PatchList, comment string) (*stratagem.Stratagem, error) {
	if patches.Len() == 0 {
		return nil, errors.New("empty patch list")
	}

	chunks, err := s.split(patches)
	if err != nil {
		return nil, err
	}

	// All validation precedes any search work
	if err := s.buildTable(ctx); err != nil {
		return nil, err
	}

	// Resolve each distinct full-width word once; tail chunks are always
	// resolved individually since their write width differs.
	resolved := make(map[uint32]resolution)
	var entries []stratagem.Operation

	occurrences := make(map[uint32]int)
	for _, c := range chunks {
		if c.width == 4 {
			occurrences[c.target]++
		}
	}

	emitted := make(map[uint32]bool)
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if c.width < 4 {
			res, err := s.resolveWord(c)
			if err != nil {
				return nil, err
			}
			entries = append(entries, s.directEntry(c, res))
			continue
		}

		if emitted[c.target] {
			continue
		}
		emitted[c.target] = true

		res, ok := resolved[c.target]
		if !ok {
			res, err = s.resolveWord(c)
			if err != nil {
				return nil, err
			}
			resolved[c.target] = res
		}

		if occurrences[c.target] == 1 || res.iterations == 1 {
			for _, dup := range dupChunks(chunks, c.target) {
				entries = append(entries, s.directEntry(dup, res))
			}
			continue
		}

		entries = append(entries, s.splitEntries(chunks, c, res)...)
	}

	entries, err = reorder(entries)
	if err != nil {
		return nil, err
	}

	plan := stratagem.New(s.engine.Params(), comment)
	plan.Entries = entries

	logging.Debug("Synthesized stratagem",
		zap.Int("entries", len(plan.Entries)),
		zap.Int("total_operations", plan.TotalOperations()),
	)
	return plan, nil
}

// split partitions the patch list into word-sized chunks, enforcing the
// partial-write policy.
func (s *Synthesizer) split(patches *stratagem.PatchList) ([]chunk, error) {
	var chunks []chunk
	index := 0

	for _, p := range patches.Patches() {
		if len(p.Value)%4 != 0 && !s.cfg.AllowPartialWrite {
			return nil, fmt.Errorf("patch at 0x%08x is %d bytes; length must be a multiple of 4 "+
				"unless partial writes are permitted", p.Address, len(p.Value))
		}

		for off := 0; off < len(p.Value); off += 4 {
			end := off + 4
			if end > len(p.Value) {
				end = len(p.Value)
			}
			piece := p.Value[off:end]

			chunks = append(chunks, chunk{
				index:   index,
				dstAddr: p.Address + uint64(off),
				target:  s.engine.WordValue(piece),
				width:   len(piece),
			})
			index++
		}
	}
	return chunks, nil
}

// resolveWord walks the chunk's target value backwards through the
// checksum inversion until the lookup table can produce it.
func (s *Synthesizer) resolveWord(c chunk) (resolution, error) {
	target := c.target
	for iter := 1; iter <= s.cfg.MaxIterations; iter++ {
		if win, ok := s.lut[target]; ok {
			return resolution{win: win, iterations: iter}, nil
		}
		target = s.engine.ReverseWord(target)
	}

	return resolution{}, &ChunkError{
		Index:      c.index,
		DstAddr:    c.dstAddr,
		Target:     c.target,
		Iterations: s.cfg.MaxIterations,
	}
}

// directEntry emits the plain form: checksum the source window, iterate
// in place at the destination.
func (s *Synthesizer) directEntry(c chunk, res resolution) stratagem.Operation {
	return stratagem.Operation{
		SrcAddr:    int64(s.buf.Addr(res.win.offset)),
		SrcSize:    res.win.length,
		DstAddr:    c.dstAddr,
		Width:      c.width,
		Iterations: res.iterations,
		Checksum:   c.target,
	}
}

// splitEntries emits the reduced form for a word occurring at several
// destinations: run the chain one short of completion at the first
// destination, copy that intermediate word to every other destination
// with a single operation each, then finalize the first in place.
func (s *Synthesizer) splitEntries(chunks []chunk, first chunk, res resolution) []stratagem.Operation {
	dups := dupChunks(chunks, first.target)
	intermediate := s.engine.ReverseWord(first.target)

	entries := make([]stratagem.Operation, 0, len(dups)+1)
	entries = append(entries, stratagem.Operation{
		SrcAddr:    int64(s.buf.Addr(res.win.offset)),
		SrcSize:    res.win.length,
		DstAddr:    first.dstAddr,
		Width:      4,
		Iterations: res.iterations - 1,
		Checksum:   intermediate,
	})

	for _, dup := range dups[1:] {
		entries = append(entries, stratagem.Operation{
			SrcAddr:    -1,
			TSrcAddr:   first.dstAddr,
			SrcSize:    4,
			DstAddr:    dup.dstAddr,
			Width:      4,
			Iterations: 1,
			Checksum:   first.target,
		})
	}

	entries = append(entries, stratagem.Operation{
		SrcAddr:    -1,
		TSrcAddr:   first.dstAddr,
		SrcSize:    4,
		DstAddr:    first.dstAddr,
		Width:      4,
		Iterations: 1,
		Checksum:   first.target,
	})
	return entries
}

func dupChunks(chunks []chunk, target uint32) []chunk {
	var out []chunk
	for _, c := range chunks {
		if c.width == 4 && c.target == target {
			out = append(out, c)
		}
	}
	return out
}

// reorder sorts entries so that no operation overwrites bytes a
// later-running operation still needs to read. Three dependency sources:
// an image-sourced operation must run before anything that writes over
// its source range; a copy must run after the operation producing its
// input word; and a finalizing self-iteration must run after every copy
// of the word it overwrites.
func reorder(entries []stratagem.Operation) ([]stratagem.Operation, error) {
	n := len(entries)
	after := make([][]int, n) // after[i] = indices that must run after i
	indeg := make([]int, n)

	addEdge := func(before, then int) {
		after[before] = append(after[before], then)
		indeg[then]++
	}

	for i := range entries {
		for j := range entries {
			if i == j {
				continue
			}

			if entries[i].ReadsBack() {
				// Input is a payload word: its producer (any earlier
				// writer of that word's region) must run first, and the
				// reader must run before that region is overwritten
				// again.
				src := entries[i].SourceRegion()
				if entries[j].DstRegion().Overlaps(src) {
					if j < i {
						addEdge(j, i)
					} else {
						addEdge(i, j)
					}
				}
				continue
			}

			// Input is a range of the pristine source image: it must be
			// read before anything writes over it.
			if entries[j].DstRegion().Overlaps(entries[i].SourceRegion()) {
				addEdge(i, j)
			}
		}
	}

	// A partial-width write still stores a full word; its zero spill
	// bytes must land before any overlapping payload bytes, never on
	// top of them.
	for i := range entries {
		if entries[i].Width >= 4 {
			continue
		}
		spill := image.Region{
			Start: entries[i].DstAddr + uint64(entries[i].Width),
			End:   entries[i].DstAddr + 4,
		}
		for j := range entries {
			if i == j {
				continue
			}
			if spill.Overlaps(entries[j].PayloadRegion()) {
				addEdge(i, j)
			}
		}
	}

	// Kahn's algorithm, picking the lowest-index ready entry so the
	// result is deterministic and preserves emission order when no
	// reordering is needed.
	ready := &minQueue{}
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			ready.push(i)
		}
	}

	out := make([]stratagem.Operation, 0, n)
	for ready.len() > 0 {
		i := ready.pop()
		out = append(out, entries[i])
		for _, j := range after[i] {
			if indeg[j]--; indeg[j] == 0 {
				ready.push(j)
			}
		}
	}

	if len(out) != n {
		return nil, fmt.Errorf("%d operations cannot be ordered without clobbering a needed source: %w",
			n-len(out), ErrDependencyConflict)
	}
	return out, nil
}

// minQueue yields pending entry indices lowest-first. Plans are small, so
// re-sorting on insert is fine.
type minQueue struct {
	v []int
}

func (q *minQueue) len() int { return len(q.v) }

func (q *minQueue) push(x int) {
	q.v = append(q.v, x)
	sort.Ints(q.v)
}

func (q *minQueue) pop() int {
	x := q.v[0]
	q.v = q.v[1:]
	return x
}
