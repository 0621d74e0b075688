package hunt

import (
	"context"
	"errors"
	"fmt"

	"github.com/nccgroup/depthcharge/internal/image"
)

// Kind identifies which structural matcher produced a Result. The set is
// closed; the generic driver never interprets kind-specific payloads.
type Kind string

const (
	KindCommandTable Kind = "command-table"
	KindEnvironment  Kind = "environment"
	KindDeviceTree   Kind = "device-tree"
)

// ErrNotFound is returned when a search exhausts its window without a
// match. Relaxing options (lower threshold, wider window) may be needed
// to yield a result.
var ErrNotFound = errors.New("no result found")

// errNoneInRange is returned by a probe that performed its own bounded
// scan of the remaining window and determined that nothing exists
// anywhere in it, allowing the driver to stop early instead of advancing
// byte by byte.
var errNoneInRange = errors.New("nothing in remaining range")

// Result describes one located structure. Exactly one of the
// kind-specific fields is populated, per Kind.
type Result struct {
	Kind   Kind
	Offset int    // 0-based offset within the searched buffer
	Addr   uint64 // absolute target address of the structure
	Size   int    // structure size in bytes
	Nested bool   // true for sub-results discovered inside another result

	CmdTable *CommandTable `json:",omitempty"`
	Env      *Environment  `json:",omitempty"`
	FDT      *DeviceTree   `json:",omitempty"`
}

// probeFunc is the single primitive a concrete matcher supplies. Given a
// candidate offset and an exclusive window end, it either:
//
//   - returns one or more results (the first is the primary match, which
//     need not be anchored exactly at off if the probe scanned ahead
//     itself; any additional entries are nested sub-results),
//   - returns (nil, nil), meaning "no match at this offset", and the
//     driver advances one byte,
//   - returns errNoneInRange after a self-contained scan proving nothing
//     exists in [off, end).
//
// A probe that finds an internally inconsistent candidate (bad pointer,
// impossible size field) rejects it silently via (nil, nil); malformed
// false positives are expected and are never surfaced as errors.
type probeFunc func(ctx context.Context, off, end int) ([]*Result, error)

// driver owns the iteration and bounds bookkeeping shared by all
// matchers: advancing past confirmed matches by their reported size and
// past non-matches by one byte. Concrete matchers embed it and supply
// only their probe.
type driver struct {
	buf   *image.Buffer
	kind  Kind
	probe probeFunc
}

// cancelCheckInterval bounds how many offsets are probed between
// context checks.
const cancelCheckInterval = 1 << 12

func (d *driver) window(start, end int) (int, int, error) {
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = d.buf.Len()
	}

	if start > end || end > d.buf.Len() {
		return 0, 0, fmt.Errorf("invalid search window [%d, %d) for %d-byte buffer",
			start, end, d.buf.Len())
	}
	return start, end, nil
}

// find drives the probe across [start, end) and returns the first match
// set encountered.
func (d *driver) find(ctx context.Context, start, end int) ([]*Result, error) {
	sinceCheck := 0

	for off := start; off < end; off++ {
		if sinceCheck++; sinceCheck >= cancelCheckInterval {
			sinceCheck = 0
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		results, err := d.probe(ctx, off, end)
		if errors.Is(err, errNoneInRange) {
			break
		}
		if err != nil {
			return nil, err
		}
		if results != nil {
			return results, nil
		}
	}

	return nil, ErrNotFound
}

// Find returns the first result in [start, end). Negative bounds mean
// "start of buffer" and "end of buffer" respectively.
func (d *driver) Find(ctx context.Context, start, end int) (*Result, error) {
	start, end, err := d.window(start, end)
	if err != nil {
		return nil, err
	}

	results, err := d.find(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// FindIter returns a lazy iterator over all results in [start, end).
// Iteration is restartable: calling FindIter again re-scans from start.
// Primary results of the same kind never overlap; nested sub-results are
// interleaved after the primary that produced them.
func (d *driver) FindIter(ctx context.Context, start, end int) (*Iterator, error) {
	start, end, err := d.window(start, end)
	if err != nil {
		return nil, err
	}

	return &Iterator{d: d, ctx: ctx, cur: start, end: end}, nil
}

// FindAll collects every result in [start, end). An empty slice (not an
// error) is returned when nothing is found.
func (d *driver) FindAll(ctx context.Context, start, end int) ([]*Result, error) {
	it, err := d.FindIter(ctx, start, end)
	if err != nil {
		return nil, err
	}

	results := []*Result{}
	for {
		r, err := it.Next()
		if errors.Is(err, ErrNotFound) {
			return results, nil
		}
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
}

// Iterator yields successive search results. It is single-use; a fresh
// iterator re-scans from its start offset.
type Iterator struct {
	d       *driver
	ctx     context.Context
	cur     int
	end     int
	pending []*Result
	done    bool
}

// Next returns the next result, or ErrNotFound once the window is
// exhausted.
func (it *Iterator) Next() (*Result, error) {
	if len(it.pending) > 0 {
		r := it.pending[0]
		it.pending = it.pending[1:]
		return r, nil
	}

	if it.done || it.cur >= it.end {
		it.done = true
		return nil, ErrNotFound
	}

	results, err := it.d.find(it.ctx, it.cur, it.end)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			it.done = true
		}
		return nil, err
	}

	primary := results[0]

	// Advance past the primary match so successive primaries never overlap
	it.cur = primary.Offset + primary.Size
	if primary.Size <= 0 {
		it.cur = primary.Offset + 1
	}

	it.pending = results[1:]
	return primary, nil
}
