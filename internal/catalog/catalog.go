// Package catalog implements the minimal "database/series definitions"
// store: just enough structure for the partition manager to resolve a
// PartitionId (database, series, partition width, compression) from a name
// pair. It is explicitly not a schema catalog — there is no column typing,
// retention policy, or tagging here, only the facts the storage core itself
// needs before it can open a partition.
//
// Storage is a second, independent B⁺-tree file from the partition
// manifest one, since the two have very different write frequencies: the
// catalogue is written rarely, by administrative calls, while the manifest
// is written on every flush. Series creation requires its database to
// already exist, checked up front rather than left to a dangling reference.
package catalog

import (
	"bytes"
	"fmt"
	"time"

	"horizondb/internal/block"
	"horizondb/internal/btree"
	hderrors "horizondb/pkg/errors"
)

// DatabaseDefinition is the unit of namespace the catalogue tracks: nothing
// beyond a name.
type DatabaseDefinition struct {
	Name string
}

// SeriesDefinition is the fact the partition manager needs before it can
// resolve a PartitionId for a (database, series) pair: the time-range width
// new partitions are cut to, and the compression codec chosen for the
// series at creation time. Compression is stored and returned here, but the
// partition manager does not read it: every block is sealed with the
// engine-wide options.BlockOptions.Compression codec.
type SeriesDefinition struct {
	Database       string
	Series         string
	PartitionWidth time.Duration
	Compression    block.Compression
}

// Catalog is the on-disk database/series definition store.
type Catalog struct {
	tree *btree.BTree
}

// Open opens (or creates) the catalogue B⁺-tree at path.
func Open(path string, pageSize uint32, order int) (*Catalog, error) {
	tree, err := btree.Open(path, pageSize, order)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	return &Catalog{tree: tree}, nil
}

// Close closes the underlying B⁺-tree file.
func (c *Catalog) Close() error {
	return c.tree.Close()
}

// CreateDatabase registers a new database name. Returns CodeDuplicateDatabase
// if the name is already registered.
func (c *Catalog) CreateDatabase(name string) error {
	if name == "" {
		return hderrors.New(nil, hderrors.CodeInvalidRecord, "database name must not be empty")
	}
	key := databaseKey(name)
	if _, found, err := c.tree.Get(key); err != nil {
		return hderrors.New(err, hderrors.CodeIO, "read database catalogue").WithDetail("database", name)
	} else if found {
		return hderrors.New(nil, hderrors.CodeDuplicateDatabase, "database already exists").WithDetail("database", name)
	}
	if err := c.tree.Insert(key, encodeDatabase(DatabaseDefinition{Name: name})); err != nil {
		return hderrors.New(err, hderrors.CodeIO, "write database catalogue").WithDetail("database", name)
	}
	return nil
}

// HasDatabase reports whether name is a registered database.
func (c *Catalog) HasDatabase(name string) (bool, error) {
	_, found, err := c.tree.Get(databaseKey(name))
	if err != nil {
		return false, hderrors.New(err, hderrors.CodeIO, "read database catalogue").WithDetail("database", name)
	}
	return found, nil
}

// CreateSeries registers a new time series within an already-created
// database. Returns CodeUnknownDatabase if the database was never created,
// or CodeDuplicateTimeSeries if the series already exists.
func (c *Catalog) CreateSeries(def SeriesDefinition) error {
	if def.Series == "" {
		return hderrors.New(nil, hderrors.CodeInvalidRecord, "series name must not be empty")
	}
	if def.PartitionWidth <= 0 {
		return hderrors.New(nil, hderrors.CodeInvalidRecord, "partition width must be positive").WithDetail("series", def.Series)
	}
	if ok, err := c.HasDatabase(def.Database); err != nil {
		return err
	} else if !ok {
		return hderrors.New(nil, hderrors.CodeUnknownDatabase, "database does not exist").WithDetail("database", def.Database)
	}

	key := seriesKey(def.Database, def.Series)
	if _, found, err := c.tree.Get(key); err != nil {
		return hderrors.New(err, hderrors.CodeIO, "read series catalogue").WithDetail("series", def.Series)
	} else if found {
		return hderrors.New(nil, hderrors.CodeDuplicateTimeSeries, "time series already exists").
			WithDetail("database", def.Database).WithDetail("series", def.Series)
	}
	if err := c.tree.Insert(key, encodeSeries(def)); err != nil {
		return hderrors.New(err, hderrors.CodeIO, "write series catalogue").WithDetail("series", def.Series)
	}
	return nil
}

// GetSeries looks up a series definition. Returns CodeUnknownTimeSeries if
// it does not exist.
func (c *Catalog) GetSeries(database, series string) (SeriesDefinition, error) {
	raw, found, err := c.tree.Get(seriesKey(database, series))
	if err != nil {
		return SeriesDefinition{}, hderrors.New(err, hderrors.CodeIO, "read series catalogue").WithDetail("series", series)
	}
	if !found {
		return SeriesDefinition{}, hderrors.New(nil, hderrors.CodeUnknownTimeSeries, "time series does not exist").
			WithDetail("database", database).WithDetail("series", series)
	}
	return decodeSeries(raw)
}

// ListSeries returns every series definition registered under database, in
// name order.
func (c *Catalog) ListSeries(database string) ([]SeriesDefinition, error) {
	prefix := seriesPrefix(database)
	upper := append(append([]byte(nil), prefix...), bytes.Repeat([]byte{0xFF}, 256)...)

	it, err := c.tree.RangeIterator(prefix, upper)
	if err != nil {
		return nil, hderrors.New(err, hderrors.CodeIO, "scan series catalogue").WithDetail("database", database)
	}
	var out []SeriesDefinition
	for {
		ok, err := it.Next()
		if err != nil {
			return nil, hderrors.New(err, hderrors.CodeIO, "scan series catalogue").WithDetail("database", database)
		}
		if !ok {
			break
		}
		def, err := decodeSeries(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func databaseKey(name string) []byte {
	buf := make([]byte, 0, len(name)+4)
	buf = append(buf, "db\x00"...)
	buf = append(buf, name...)
	return buf
}

func seriesPrefix(database string) []byte {
	buf := make([]byte, 0, len(database)+4)
	buf = append(buf, "se\x00"...)
	buf = append(buf, database...)
	buf = append(buf, 0)
	return buf
}

func seriesKey(database, series string) []byte {
	buf := seriesPrefix(database)
	buf = append(buf, series...)
	return buf
}

func encodeDatabase(d DatabaseDefinition) []byte {
	return []byte(d.Name)
}

func encodeSeries(def SeriesDefinition) []byte {
	buf := make([]byte, 0, len(def.Database)+len(def.Series)+10)
	buf = append(buf, byte(len(def.Database)))
	buf = append(buf, def.Database...)
	buf = append(buf, byte(len(def.Series)))
	buf = append(buf, def.Series...)
	buf = append(buf, byte(def.Compression))
	var width [8]byte
	v := uint64(def.PartitionWidth)
	for i := 0; i < 8; i++ {
		width[i] = byte(v >> (56 - 8*i))
	}
	buf = append(buf, width[:]...)
	return buf
}

func decodeSeries(raw []byte) (SeriesDefinition, error) {
	if len(raw) < 2 {
		return SeriesDefinition{}, fmt.Errorf("catalog: truncated series record")
	}
	off := 0
	dbLen := int(raw[off])
	off++
	if off+dbLen > len(raw) {
		return SeriesDefinition{}, fmt.Errorf("catalog: truncated database name")
	}
	database := string(raw[off : off+dbLen])
	off += dbLen

	if off >= len(raw) {
		return SeriesDefinition{}, fmt.Errorf("catalog: truncated series record")
	}
	seriesLen := int(raw[off])
	off++
	if off+seriesLen > len(raw) {
		return SeriesDefinition{}, fmt.Errorf("catalog: truncated series name")
	}
	series := string(raw[off : off+seriesLen])
	off += seriesLen

	if off+9 > len(raw) {
		return SeriesDefinition{}, fmt.Errorf("catalog: truncated series tail")
	}
	compression := block.Compression(raw[off])
	off++
	var width uint64
	for i := 0; i < 8; i++ {
		width = width<<8 | uint64(raw[off+i])
	}

	return SeriesDefinition{
		Database:       database,
		Series:         series,
		PartitionWidth: time.Duration(width),
		Compression:    compression,
	}, nil
}
