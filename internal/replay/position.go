// Package replay implements ReplayPosition, the commit-log coordinate used
// both for durability ordering and for replay idempotence, and the oneshot
// Future a commit-log append resolves once its batch is durable.
//
// Position comparison is a total order on (segmentId, offset), implemented
// as a pair with lexicographic compare rather than packing both into one
// integer and relying on overflow never happening.
package replay

import (
	"context"
	"sync"
)

// Position is a totally ordered (segmentID, offset) coordinate.
type Position struct {
	SegmentID uint64
	Offset    uint64
}

// Zero is the position before anything has ever been written.
var Zero = Position{}

// Less implements the total order: segment id dominates, offset breaks ties
// within a segment.
func Less(a, b Position) bool {
	if a.SegmentID != b.SegmentID {
		return a.SegmentID < b.SegmentID
	}
	return a.Offset < b.Offset
}

// LessOrEqual reports a <= b under the same total order, the comparison
// replay idempotence is built on: a partition receiving a replay entry whose
// position is <= its persisted position ignores it.
func LessOrEqual(a, b Position) bool {
	return !Less(b, a)
}

// Max returns the greater of a and b under the total order.
func Max(a, b Position) Position {
	if Less(a, b) {
		return b
	}
	return a
}

// Future is a single-fire completion handle a commit-log append returns
// immediately and resolves once the batch containing it has been written and
// fsynced. It is a oneshot signalling primitive, not a general promise: the
// only cancellation semantics it supports are aborting before the batch
// containing it has started being written.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	pos       Position
	err       error
	cancelled bool
	started   bool
}

// NewFuture returns an unresolved Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Cancel aborts the future if its batch has not yet started being written.
// It reports whether the cancellation took effect; once a batch has
// started, every future in it must complete, so Cancel is a no-op and
// returns false.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return false
	}
	if f.cancelled {
		return true
	}
	f.cancelled = true
	f.err = context.Canceled
	close(f.done)
	return true
}

// MarkStarted records that the future's batch has begun being written,
// fencing off any further Cancel call.
func (f *Future) MarkStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
}

// Resolve completes the future with a position (success) or an error.
// Resolving an already-cancelled or already-resolved future is a no-op.
func (f *Future) Resolve(pos Position, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return
	default:
	}
	f.pos = pos
	f.err = err
	close(f.done)
}

// Wait blocks until the future resolves or ctx is cancelled, whichever comes
// first.
func (f *Future) Wait(ctx context.Context) (Position, error) {
	select {
	case <-f.done:
		return f.pos, f.err
	case <-ctx.Done():
		return Position{}, ctx.Err()
	}
}

// Done reports whether the future has already resolved, letting a caller
// with a batched ack avoid a redundant Wait when a prior batched ack has
// already covered it.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
