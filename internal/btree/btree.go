package btree

import (
	"bytes"
	"os"
	"sort"
	"sync"

	hderrors "horizondb/pkg/errors"
)

// BTree is an on-disk, copy-on-write B⁺-tree mapping opaque keys to opaque
// values, used as the partition catalogue. Every Insert writes new pages for
// the full root-to-leaf path and publishes a new root via an appended
// manifest trailer; pages reachable from an already published root are never
// mutated in place, which is what lets RangeIterator capture a root once and
// scan consistently behind concurrent writers.
//
// Freed pages (superseded by a later Insert) are recorded in an in-memory
// free list only: the list is not persisted (every manifest trailer carries
// noOffset in its freeListOffset field), and its pages are never handed
// back out by writeNewNode. Reclaiming them safely
// would require tracking which in-flight readers might still be walking an
// older root, which is out of scope here. The file instead grows
// monotonically, the same conservative tradeoff an arena allocator without
// reference counting makes.
type BTree struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	pageSize uint32
	order    int // max children per internal node; max keys per node is order-1

	root       uint64
	generation uint64
	nextOffset uint64
	freed      []uint64
}

// Open opens (or creates) the B⁺-tree file at path, reading the latest
// manifest trailer if one exists.
func Open(path string, pageSize uint32, order int) (*BTree, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, hderrors.New(err, hderrors.CodeIO, "open btree file").WithPath(path)
	}
	bt := &BTree{
		f:          f,
		path:       path,
		pageSize:   pageSize,
		order:      order,
		root:       noOffset,
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, hderrors.New(err, hderrors.CodeIO, "stat btree file").WithPath(path)
	}
	if info.Size() == 0 {
		return bt, nil
	}

	m, ok, err := readLatestManifest(f)
	if err != nil {
		f.Close()
		return nil, hderrors.New(err, hderrors.CodeIO, "read btree manifest").WithPath(path)
	}
	if !ok {
		f.Close()
		return nil, hderrors.New(nil, hderrors.CodeChecksumMismatch, "no valid btree manifest found").WithPath(path)
	}
	bt.root = m.rootOffset
	bt.generation = m.generation
	bt.nextOffset = uint64(info.Size())
	return bt, nil
}

// Get returns the value stored for key, if any.
func (bt *BTree) Get(key []byte) ([]byte, bool, error) {
	bt.mu.Lock()
	root := bt.root
	bt.mu.Unlock()
	if root == noOffset {
		return nil, false, nil
	}

	offset := root
	for {
		n, err := bt.readNode(offset)
		if err != nil {
			return nil, false, err
		}
		if n.leaf {
			idx := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) >= 0 })
			if idx < len(n.keys) && bytes.Equal(n.keys[idx], key) {
				return n.values[idx], true, nil
			}
			return nil, false, nil
		}
		idx := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) > 0 })
		offset = n.children[idx]
	}
}

type pathEntry struct {
	offset uint64
	node   node
}

// Insert inserts or updates the value for key.
func (bt *BTree) Insert(key, value []byte) error {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	if bt.root == noOffset {
		leaf := node{leaf: true, keys: [][]byte{key}, values: [][]byte{value}}
		offset, err := bt.writeNewNode(leaf)
		if err != nil {
			return err
		}
		return bt.publishRoot(offset)
	}

	var path []pathEntry
	offset := bt.root
	for {
		n, err := bt.readNode(offset)
		if err != nil {
			return err
		}
		path = append(path, pathEntry{offset: offset, node: n})
		if n.leaf {
			break
		}
		idx := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) > 0 })
		offset = n.children[idx]
	}

	leaf := cloneNode(path[len(path)-1].node)
	idx := sort.Search(len(leaf.keys), func(i int) bool { return bytes.Compare(leaf.keys[i], key) >= 0 })
	if idx < len(leaf.keys) && bytes.Equal(leaf.keys[idx], key) {
		leaf.values[idx] = value
	} else {
		leaf.keys = insertAt(leaf.keys, idx, key)
		leaf.values = insertValueAt(leaf.values, idx, value)
	}

	newOffset, promoted, hasPromotion, err := bt.writeNodeOrSplit(leaf)
	if err != nil {
		return err
	}

	for i := len(path) - 2; i >= 0; i-- {
		parent := cloneNode(path[i].node)
		oldChildOffset := path[i+1].offset
		childIdx := indexOfChild(parent.children, oldChildOffset)

		parent.children[childIdx] = newOffset
		if hasPromotion {
			parent.keys = insertAt(parent.keys, childIdx, promoted.key)
			parent.children = insertChildAt(parent.children, childIdx+1, promoted.rightOffset)
		}

		newOffset, promoted, hasPromotion, err = bt.writeNodeOrSplit(parent)
		if err != nil {
			return err
		}
	}

	finalRoot := newOffset
	if hasPromotion {
		newRoot := node{
			leaf:     false,
			keys:     [][]byte{promoted.key},
			children: []uint64{newOffset, promoted.rightOffset},
		}
		finalRoot, err = bt.writeNewNode(newRoot)
		if err != nil {
			return err
		}
	}

	for _, p := range path {
		bt.freed = append(bt.freed, p.offset)
	}
	return bt.publishRoot(finalRoot)
}

type promotion struct {
	key         []byte
	rightOffset uint64
}

// writeNodeOrSplit writes n as a single new page, or if it overflows the
// tree's order, splits it into two pages and returns the promoted key.
func (bt *BTree) writeNodeOrSplit(n node) (offset uint64, p promotion, hasPromotion bool, err error) {
	maxKeys := bt.order - 1
	if len(n.keys) <= maxKeys {
		offset, err = bt.writeNewNode(n)
		return offset, promotion{}, false, err
	}

	mid := len(n.keys) / 2
	if n.leaf {
		left := node{leaf: true, keys: n.keys[:mid], values: n.values[:mid]}
		right := node{leaf: true, keys: n.keys[mid:], values: n.values[mid:]}
		leftOffset, err := bt.writeNewNode(left)
		if err != nil {
			return 0, promotion{}, false, err
		}
		rightOffset, err := bt.writeNewNode(right)
		if err != nil {
			return 0, promotion{}, false, err
		}
		return leftOffset, promotion{key: right.keys[0], rightOffset: rightOffset}, true, nil
	}

	promotedKey := n.keys[mid]
	left := node{leaf: false, keys: n.keys[:mid], children: n.children[:mid+1]}
	right := node{leaf: false, keys: n.keys[mid+1:], children: n.children[mid+1:]}
	leftOffset, err := bt.writeNewNode(left)
	if err != nil {
		return 0, promotion{}, false, err
	}
	rightOffset, err := bt.writeNewNode(right)
	if err != nil {
		return 0, promotion{}, false, err
	}
	return leftOffset, promotion{key: promotedKey, rightOffset: rightOffset}, true, nil
}

func (bt *BTree) readNode(offset uint64) (node, error) {
	buf := make([]byte, bt.pageSize)
	if _, err := bt.f.ReadAt(buf, int64(offset)); err != nil {
		return node{}, hderrors.New(err, hderrors.CodeIO, "read btree page").WithPath(bt.path)
	}
	n, err := decode(buf)
	if err != nil {
		return node{}, hderrors.New(err, hderrors.CodeChecksumMismatch, "decode btree page").WithPath(bt.path)
	}
	return n, nil
}

// writeNewNode always allocates a fresh offset at EOF, never reusing a
// freed page (see the BTree doc comment).
func (bt *BTree) writeNewNode(n node) (uint64, error) {
	raw, err := encode(n, bt.pageSize)
	if err != nil {
		return 0, hderrors.New(err, hderrors.CodeInvalidRecord, "encode btree page").WithPath(bt.path)
	}
	offset := bt.nextOffset
	if _, err := bt.f.WriteAt(raw, int64(offset)); err != nil {
		return 0, hderrors.New(err, hderrors.CodeIO, "write btree page").WithPath(bt.path)
	}
	bt.nextOffset += uint64(bt.pageSize)
	return offset, nil
}

// publishRoot appends a new manifest trailer pointing at root and fsyncs,
// making the new tree version durable and visible.
func (bt *BTree) publishRoot(root uint64) error {
	bt.generation++
	m := manifest{rootOffset: root, freeListOffset: noOffset, generation: bt.generation}
	trailer := encodeManifest(m)
	if _, err := bt.f.WriteAt(trailer, int64(bt.nextOffset)); err != nil {
		return hderrors.New(err, hderrors.CodeIO, "write btree manifest").WithPath(bt.path)
	}
	if err := bt.f.Sync(); err != nil {
		return hderrors.New(err, hderrors.CodeIO, "sync btree file").WithPath(bt.path)
	}
	bt.nextOffset += manifestSize
	bt.root = root
	return nil
}

// Close closes the underlying file.
func (bt *BTree) Close() error {
	return bt.f.Close()
}

// Iterator yields (key, value) pairs in ascending key order over a
// half-open-on-construction snapshot of the tree: it re-descends from the
// root captured at RangeIterator time for each step, so it is unaffected
// by inserts that publish a newer root after it starts.
type Iterator struct {
	bt       *BTree
	root     uint64
	to       []byte
	cursor   []byte
	done     bool
	key, val []byte
}

// RangeIterator returns an iterator over [from, to] (inclusive), captured
// against the tree's current root.
func (bt *BTree) RangeIterator(from, to []byte) (*Iterator, error) {
	bt.mu.Lock()
	root := bt.root
	bt.mu.Unlock()
	return &Iterator{bt: bt, root: root, to: to, cursor: from}, nil
}

// Next advances the iterator, returning false once exhausted.
func (it *Iterator) Next() (bool, error) {
	if it.done {
		return false, nil
	}
	if it.root == noOffset {
		it.done = true
		return false, nil
	}

	key, val, found, err := it.bt.seekGreaterOrEqual(it.root, it.cursor)
	if err != nil {
		return false, err
	}
	if !found || bytes.Compare(key, it.to) > 0 {
		it.done = true
		return false, nil
	}
	it.key, it.val = key, val
	it.cursor = nextKey(key)
	return true, nil
}

// Key returns the current key. Valid only after Next returns true.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value. Valid only after Next returns true.
func (it *Iterator) Value() []byte { return it.val }

// seekGreaterOrEqual descends from offset to find the smallest key >= cursor.
func (bt *BTree) seekGreaterOrEqual(offset uint64, cursor []byte) ([]byte, []byte, bool, error) {
	n, err := bt.readNode(offset)
	if err != nil {
		return nil, nil, false, err
	}
	if n.leaf {
		idx := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], cursor) >= 0 })
		if idx >= len(n.keys) {
			return nil, nil, false, nil
		}
		return n.keys[idx], n.values[idx], true, nil
	}
	idx := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], cursor) > 0 })
	return bt.seekGreaterOrEqual(n.children[idx], cursor)
}

// nextKey returns the smallest byte string strictly greater than key, used
// to advance the scan cursor past a key just returned.
func nextKey(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}

func cloneNode(n node) node {
	out := node{leaf: n.leaf}
	out.keys = append([][]byte(nil), n.keys...)
	if n.leaf {
		out.values = append([][]byte(nil), n.values...)
	} else {
		out.children = append([]uint64(nil), n.children...)
	}
	return out
}

func insertAt(s [][]byte, idx int, v []byte) [][]byte {
	s = append(s, nil)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func insertValueAt(s [][]byte, idx int, v []byte) [][]byte {
	return insertAt(s, idx, v)
}

func insertChildAt(s []uint64, idx int, v uint64) []uint64 {
	s = append(s, 0)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func indexOfChild(children []uint64, offset uint64) int {
	for i, c := range children {
		if c == offset {
			return i
		}
	}
	return -1
}
