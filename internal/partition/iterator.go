package partition

import (
	"io"
	"sort"

	"horizondb/internal/block"
	"horizondb/internal/rangeset"
	"horizondb/internal/record"
	"horizondb/internal/tsfile"
)

// Iterator walks one partition's data: file blocks first, then the records
// of every mem-series (sealed blocks and still-pending records together),
// merged and sorted by timestamp. It is built over one immutable Elements snapshot
// captured at Read time, so a Write racing against an in-flight Iterator
// never changes what it yields.
//
// The file side streams one block at a time via tsfile.Input, since a file
// can be arbitrarily large; the mem side is fully materialized and sorted up
// front, since mem-series content is bounded by MaxBlocksPerSeries and the
// pending-record threshold.
type Iterator struct {
	rs           rangeset.Set
	typeFilter   func(record.Type) bool
	recordFilter func(record.Record) bool

	input             *tsfile.Input
	lastRecordPerType map[record.Type]record.Record
	curFileRecords    []record.Record

	memRecords []record.Record
	memPos     int

	cur record.Record
	err error
}

func newIterator(elements *Elements, rs rangeset.Set, typeFilter func(record.Type) bool, recordFilter func(record.Record) bool) (*Iterator, error) {
	var input *tsfile.Input
	if elements.File != nil {
		in, err := elements.File.NewInput(rs)
		if err != nil {
			return nil, err
		}
		input = in
	}

	var memRecords []record.Record
	for _, m := range elements.mems {
		for _, b := range m.snapshot.Iterator(rs) {
			recs, _, err := block.Decode(b.Raw, map[record.Type]record.Record{})
			if err != nil {
				if input != nil {
					input.Close()
				}
				return nil, err
			}
			memRecords = append(memRecords, recs...)
		}
		// A mem can be full (block cap or allocator exhaustion) while still
		// holding unsealed Pending records, so every mem's Pending must be
		// read here, not only the active (last) one's.
		if len(m.snapshot.Pending) != 0 {
			memRecords = append(memRecords, m.snapshot.Pending...)
		}
	}
	sort.SliceStable(memRecords, func(i, j int) bool { return record.Less(memRecords[i], memRecords[j]) })

	return &Iterator{
		rs:                rs,
		typeFilter:        typeFilter,
		recordFilter:      recordFilter,
		input:             input,
		lastRecordPerType: map[record.Type]record.Record{},
		memRecords:        memRecords,
	}, nil
}

// Next advances the iterator, returning false once exhausted or on error
// (check Err to distinguish the two).
func (it *Iterator) Next() bool {
	for {
		if len(it.curFileRecords) > 0 {
			r := it.curFileRecords[0]
			it.curFileRecords = it.curFileRecords[1:]
			if it.accept(r) {
				it.cur = r
				return true
			}
			continue
		}

		if it.input != nil {
			_, raw, err := it.input.Next()
			if err == io.EOF {
				it.input.Close()
				it.input = nil
				continue
			}
			if err != nil {
				it.err = err
				return false
			}
			recs, _, err := block.Decode(raw, it.lastRecordPerType)
			if err != nil {
				it.err = err
				return false
			}
			it.curFileRecords = recs
			continue
		}

		if it.memPos < len(it.memRecords) {
			r := it.memRecords[it.memPos]
			it.memPos++
			if it.accept(r) {
				it.cur = r
				return true
			}
			continue
		}

		return false
	}
}

func (it *Iterator) accept(r record.Record) bool {
	if !it.rs.Contains(r.Timestamp()) {
		return false
	}
	if it.typeFilter != nil && !it.typeFilter(r.RecordType) {
		return false
	}
	if it.recordFilter != nil && !it.recordFilter(r) {
		return false
	}
	return true
}

// Record returns the record the last Next call advanced to.
func (it *Iterator) Record() record.Record { return it.cur }

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the file input backing this iterator, if any. Callers must
// close every Iterator they obtain from Read.
func (it *Iterator) Close() error {
	if it.input != nil {
		return it.input.Close()
	}
	return nil
}
