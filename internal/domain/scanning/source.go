package scanning

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
)

// ErrChunksConsumed is yielded when a single-pass chunk source is iterated a
// second time. Re-scanning requires a new source bound to the same target.
var ErrChunksConsumed = errors.New("chunk source already consumed")

// ChunkSource produces the chunks of one scan target. The returned sequence
// is lazy, finite and single-pass: it reads live repository or filesystem
// state while being iterated. A non-nil error ends the sequence.
type ChunkSource interface {
	Chunks(ctx context.Context) iter.Seq2[*Chunk, error]
}

// SinglePass guards a ChunkSource against being iterated twice.
type SinglePass struct {
	used atomic.Bool
}

// Acquire marks the source as consumed. It returns ErrChunksConsumed on every
// call after the first.
func (p *SinglePass) Acquire() error {
	if p.used.Swap(true) {
		return ErrChunksConsumed
	}
	return nil
}

// PathFilter decides whether a file path takes part in a scan. Sources consult
// it before reading content so rejected files are never loaded.
type PathFilter interface {
	ShouldScan(path string) bool
}
