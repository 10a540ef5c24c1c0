// Package commitlog implements the segmented write-ahead log: rotating
// append, group commit, replay, and segment retention keyed by partition
// flush state.
//
// A single background loop batches pending appends into one write, fsyncs
// it, then resolves every pending frame's future with its durable position
// — group commit, rather than a separate fsync per caller.
package commitlog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	hderrors "horizondb/pkg/errors"
	"horizondb/internal/replay"
	"horizondb/pkg/options"
)

// ReplayEntry is one record recovered from the log during Replay.
type ReplayEntry struct {
	Position replay.Position
	Payload  []byte
}

type appendRequest struct {
	frame  []byte
	future *replay.Future
}

// CommitLog is a segmented, group-committing write-ahead log. One
// CommitLog serves every partition in a database; partitions are
// distinguished only by the PartitionKey string they pass to MarkFlushed.
type CommitLog struct {
	dir                 string
	segmentSize         uint64
	groupCommitInterval time.Duration
	groupCommitBytes    uint64
	truncateTailWAL     bool
	log                 *zap.SugaredLogger

	mu            sync.Mutex
	currentID     uint64
	currentFile   *os.File
	currentOffset uint64
	pending       []appendRequest
	pendingBytes  uint64
	closed        bool

	flushNow chan struct{}
	closeCh  chan struct{}
	wg       sync.WaitGroup

	retentionMu sync.Mutex
	retention   map[string]uint64
}

// Open opens (or creates) the commit log rooted at dir and starts its
// background group-commit loop.
func Open(dir string, opts options.SegmentOptions, truncateTailWAL bool, log *zap.SugaredLogger) (*CommitLog, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, hderrors.New(err, hderrors.CodeIO, "create commit log directory").WithPath(dir)
	}

	ids, err := listSegments(dir)
	if err != nil {
		return nil, hderrors.New(err, hderrors.CodeIO, "list commit log segments").WithPath(dir)
	}

	cl := &CommitLog{
		dir:                 dir,
		segmentSize:         opts.Size,
		groupCommitInterval: opts.GroupCommitInterval,
		groupCommitBytes:    opts.GroupCommitBytes,
		truncateTailWAL:     truncateTailWAL,
		log:                 log,
		flushNow:            make(chan struct{}, 1),
		closeCh:             make(chan struct{}),
		retention:           map[string]uint64{},
	}

	var currentID uint64 = 1
	if len(ids) > 0 {
		currentID = ids[len(ids)-1]
	}
	if err := cl.openSegmentForAppend(currentID); err != nil {
		return nil, err
	}

	cl.wg.Add(1)
	go cl.run()

	return cl, nil
}

func (cl *CommitLog) openSegmentForAppend(id uint64) error {
	path := segmentPath(cl.dir, id)
	info, statErr := os.Stat(path)
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return hderrors.New(err, hderrors.CodeIO, "open commit log segment").WithPath(path)
	}
	if statErr != nil || info.Size() == 0 {
		if _, err := fh.WriteAt(encodeSegmentHeader(), 0); err != nil {
			fh.Close()
			return hderrors.New(err, hderrors.CodeIO, "write segment header").WithPath(path)
		}
		cl.currentOffset = uint64(segmentHeaderSize())
	} else {
		cl.currentOffset = uint64(info.Size())
	}
	cl.currentID = id
	cl.currentFile = fh
	return nil
}

// Append enqueues payload (a serialized record) for the next group-commit
// batch and returns a future that resolves once the batch is durable.
func (cl *CommitLog) Append(payload []byte) (*replay.Future, error) {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return nil, hderrors.New(nil, hderrors.CodeClosed, "commit log is closed")
	}
	frame := buildFrame(payload)
	future := replay.NewFuture()
	cl.pending = append(cl.pending, appendRequest{frame: frame, future: future})
	cl.pendingBytes += uint64(len(frame))
	shouldFlush := cl.pendingBytes >= cl.groupCommitBytes
	cl.mu.Unlock()

	if shouldFlush {
		select {
		case cl.flushNow <- struct{}{}:
		default:
		}
	}
	return future, nil
}

// Sync forces an immediate group-commit flush and waits for it to complete.
func (cl *CommitLog) Sync() error {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return hderrors.New(nil, hderrors.CodeClosed, "commit log is closed")
	}
	cl.mu.Unlock()
	return cl.flush()
}

func (cl *CommitLog) run() {
	defer cl.wg.Done()
	ticker := time.NewTicker(cl.groupCommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cl.flush()
		case <-cl.flushNow:
			cl.flush()
		case <-cl.closeCh:
			cl.flush()
			return
		}
	}
}

// flush writes every pending frame as one batch, fsyncs, then resolves each
// frame's future with its (segmentID, offset) position. A write failure
// resolves every future in the batch with that error instead, so the
// caller's append is treated as having failed rather than left pending.
func (cl *CommitLog) flush() error {
	cl.mu.Lock()
	if len(cl.pending) == 0 {
		cl.mu.Unlock()
		return nil
	}
	batch := cl.pending
	cl.pending = nil
	cl.pendingBytes = 0
	for _, req := range batch {
		req.future.MarkStarted()
	}

	var combined []byte
	for _, req := range batch {
		combined = append(combined, req.frame...)
	}

	writeErr := writeAt(cl.currentFile, combined, cl.currentOffset)
	if writeErr == nil {
		writeErr = cl.currentFile.Sync()
	}
	if writeErr != nil {
		cl.mu.Unlock()
		err := hderrors.New(writeErr, hderrors.CodeIO, "write commit log batch").WithPath(segmentPath(cl.dir, cl.currentID))
		for _, req := range batch {
			req.future.Resolve(replay.Position{}, err)
		}
		return err
	}

	offset := cl.currentOffset
	for _, req := range batch {
		pos := replay.Position{SegmentID: cl.currentID, Offset: offset}
		offset += uint64(len(req.frame))
		req.future.Resolve(pos, nil)
	}
	cl.currentOffset = offset

	if cl.currentOffset >= cl.segmentSize {
		if err := cl.rotate(); err != nil {
			cl.mu.Unlock()
			return err
		}
	}
	cl.mu.Unlock()
	return nil
}

func (cl *CommitLog) rotate() error {
	if err := cl.currentFile.Close(); err != nil {
		return hderrors.New(err, hderrors.CodeIO, "close commit log segment")
	}
	return cl.openSegmentForAppend(cl.currentID + 1)
}

// Register gives partitionKey a retention floor at the commit log's current
// segment, if it does not already have one. Called once, when a partition is
// opened, before it can have appended anything: without this, a partition
// that has received writes but never yet flushed has no entry in retention
// at all, so Prune's min-across-retention computation simply does not see
// it and can delete the segment holding its only durable copy. An existing
// entry (from a prior flush) is left untouched.
func (cl *CommitLog) Register(partitionKey string) {
	cl.mu.Lock()
	current := cl.currentID
	cl.mu.Unlock()

	cl.retentionMu.Lock()
	defer cl.retentionMu.Unlock()
	if _, ok := cl.retention[partitionKey]; !ok {
		cl.retention[partitionKey] = current
	}
}

// MarkFlushed records that partitionKey's data is durable up to (but not
// including) firstNonFlushedSegment, the value TimeSeriesPartition computes
// via firstSegmentContainingNonPersistedData after a successful flush.
func (cl *CommitLog) MarkFlushed(partitionKey string, firstNonFlushedSegment uint64) {
	cl.retentionMu.Lock()
	defer cl.retentionMu.Unlock()
	cl.retention[partitionKey] = firstNonFlushedSegment
}

// Prune deletes every segment strictly below every tracked partition's
// firstNonFlushedSegment, returning the ids it deleted. A segment is kept
// whenever any registered partition still depends on it.
func (cl *CommitLog) Prune() ([]uint64, error) {
	cl.retentionMu.Lock()
	min := cl.minRetainedSegmentLocked()
	cl.retentionMu.Unlock()

	ids, err := listSegments(cl.dir)
	if err != nil {
		return nil, hderrors.New(err, hderrors.CodeIO, "list commit log segments").WithPath(cl.dir)
	}
	var deleted []uint64
	cl.mu.Lock()
	currentID := cl.currentID
	cl.mu.Unlock()
	for _, id := range ids {
		if id >= min || id == currentID {
			continue
		}
		path := segmentPath(cl.dir, id)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return deleted, hderrors.New(err, hderrors.CodeIO, "delete commit log segment").WithPath(path)
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}

func (cl *CommitLog) minRetainedSegmentLocked() uint64 {
	if len(cl.retention) == 0 {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		return cl.currentID
	}
	min := ^uint64(0)
	for _, v := range cl.retention {
		if v < min {
			min = v
		}
	}
	return min
}

// Replay reads every frame at or after from, in segment order, handing each
// decoded payload to the caller. A segment whose trailing bytes are
// corrupt (a torn write from a crash) is fatal unless truncateTailWAL was
// configured, in which case the tail from the first bad frame is discarded
// and a warning logged.
func (cl *CommitLog) Replay(from replay.Position) ([]ReplayEntry, error) {
	ids, err := listSegments(cl.dir)
	if err != nil {
		return nil, hderrors.New(err, hderrors.CodeIO, "list commit log segments").WithPath(cl.dir)
	}

	var entries []ReplayEntry
	for _, id := range ids {
		if id < from.SegmentID {
			continue
		}
		raw, err := os.ReadFile(segmentPath(cl.dir, id))
		if err != nil {
			return nil, hderrors.New(err, hderrors.CodeIO, "read commit log segment").WithPath(segmentPath(cl.dir, id))
		}
		if err := validateSegmentHeader(raw); err != nil {
			return nil, hderrors.New(err, hderrors.CodeChecksumMismatch, "validate segment header").WithPath(segmentPath(cl.dir, id))
		}

		off := segmentHeaderSize()
		if id == from.SegmentID && uint64(off) < from.Offset {
			off = int(from.Offset)
		}

		for off < len(raw) {
			payload, consumed, err := readFrame(raw[off:])
			if err != nil {
				if cl.truncateTailWAL {
					cl.log.Warnw("truncating corrupt commit log tail", "segment", id, "offset", off, "error", err)
					break
				}
				return nil, hderrors.New(err, hderrors.CodeChecksumMismatch, "replay commit log frame").
					WithDetail("segment", id).WithDetail("offset", off)
			}
			entries = append(entries, ReplayEntry{
				Position: replay.Position{SegmentID: id, Offset: uint64(off)},
				Payload:  payload,
			})
			off += consumed
		}
	}
	return entries, nil
}

// Close flushes any remaining batch and stops the background loop.
func (cl *CommitLog) Close() error {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return nil
	}
	cl.closed = true
	cl.mu.Unlock()

	close(cl.closeCh)
	cl.wg.Wait()
	return cl.currentFile.Close()
}

func writeAt(f *os.File, data []byte, offset uint64) error {
	_, err := f.WriteAt(data, int64(offset))
	if err != nil {
		return fmt.Errorf("commitlog: write: %w", err)
	}
	return nil
}
