package synth

import (
	"context"

	"github.com/cheggaaa/pb/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nccgroup/depthcharge/internal/image"
	"github.com/nccgroup/depthcharge/internal/logging"
)

// ctxCheckStride bounds how many start offsets a worker processes between
// context checks.
const ctxCheckStride = 1 << 10

// buildTable populates the reverse lookup table on first use: for every
// start offset not excluded by a gap, the checksum of every window length
// up to MaxWindowLen, computed by incremental extension. Insert-if-absent
// with offsets ascending and lengths ascending realizes the deterministic
// tie-break: the lowest offset wins, then the shortest length at that
// offset.
//
// The offset range is sharded across workers; shard maps are merged in
// ascending order, which preserves the same tie-break since each shard
// map already holds its own best candidate per checksum value.
func (s *Synthesizer) buildTable(ctx context.Context) error {
	if s.lut != nil {
		return nil
	}

	total := s.buf.Len()
	workers := s.cfg.Workers
	if workers > total {
		workers = 1
	}

	var bar *pb.ProgressBar
	if s.cfg.Progress {
		bar = pb.StartNew(total)
	}

	type shardResult struct {
		lut     map[uint32]window
		scanned uint64
	}
	results := make([]shardResult, workers)

	g, gctx := errgroup.WithContext(ctx)
	per := (total + workers - 1) / workers

	for w := 0; w < workers; w++ {
		w := w
		start := w * per
		end := start + per
		if end > total {
			end = total
		}

		g.Go(func() error {
			shard := shardResult{lut: make(map[uint32]window)}

			for off := start; off < end; off++ {
				if off%ctxCheckStride == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}

				shard.scanned += s.scanOffset(off, shard.lut)
				if bar != nil {
					bar.Increment()
				}
			}

			results[w] = shard
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if bar != nil {
			bar.Finish()
		}
		return err
	}
	if bar != nil {
		bar.Finish()
	}

	lut := make(map[uint32]window)
	for _, shard := range results {
		for crc, win := range shard.lut {
			if have, ok := lut[crc]; !ok || better(win, have) {
				lut[crc] = win
			}
		}
		s.windowsScanned += shard.scanned
	}
	s.lut = lut

	logging.Debug("Built reverse lookup table",
		zap.Int("entries", len(lut)),
		zap.Uint64("windows_scanned", s.windowsScanned),
		zap.Int("max_window_len", s.cfg.MaxWindowLen),
	)
	return nil
}

// better reports whether candidate a beats b under the deterministic
// tie-break. Only relevant when merging shard maps; within a shard,
// insert-if-absent already suffices.
func better(a, b window) bool {
	if a.offset != b.offset {
		return a.offset < b.offset
	}
	return a.length < b.length
}

// scanOffset evaluates every admissible window starting at off into lut,
// returning the number of windows checksummed.
func (s *Synthesizer) scanOffset(off int, lut map[uint32]window) uint64 {
	if s.inGap(off, 1) {
		return 0
	}

	maxLen := s.cfg.MaxWindowLen
	if rest := s.buf.Len() - off; maxLen > rest {
		maxLen = rest
	}

	data := s.buf.Data()
	state := s.engine.Init()
	var scanned uint64

	for length := 1; length <= maxLen; length++ {
		// Windows reaching into a gap only grow; stop extending
		if s.inGap(off, length) {
			break
		}

		state = s.engine.Extend(state, data[off+length-1])
		scanned++

		crc := s.engine.Final(state)
		if _, ok := lut[crc]; !ok {
			lut[crc] = window{offset: off, length: length}
		}
	}
	return scanned
}

// inGap reports whether the window [off, off+length) intersects any
// excluded region.
func (s *Synthesizer) inGap(off, length int) bool {
	win := image.NewRegion(s.buf.Addr(off), length)
	for _, gap := range s.cfg.Gaps {
		if gap.Overlaps(win) {
			return true
		}
	}
	return false
}
