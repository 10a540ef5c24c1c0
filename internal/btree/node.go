// Package btree implements the on-disk, copy-on-write B⁺-tree used as the
// partition catalogue: an ordered map of opaque, lexically comparable keys
// to opaque values, fixed-order nodes, and a backward-scanned manifest
// trailer. Superseded pages are not reclaimed: every new page is written at
// the end of the file, so the file only grows.
//
// Nodes are paged and offset-addressed rather than in-heap pointers: an
// insert never mutates a page already reachable from the published root, it
// writes new pages and publishes a new root, order-triggered leaf splits
// propagating a promoted key upward as usual.
package btree

import (
	"encoding/binary"
	"fmt"
)

const noOffset = ^uint64(0)

const (
	tagInternal byte = 0
	tagLeaf     byte = 1
)

// node is the in-memory form of one page, decoded for reading or built fresh
// for writing. Leaves carry sorted (key, value) pairs; internal nodes carry
// sorted keys and len(keys)+1 child offsets.
//
// Leaves deliberately do not carry a right-sibling pointer: under
// copy-on-write, a sibling untouched by an insert keeps pointing at the
// modified leaf's pre-insert offset (that page is never mutated, only
// superseded), so a classic leaf-chain scan would silently skip the new
// data. RangeIterator instead re-descends from its captured root for each
// step, which is always consistent since nothing reachable from one
// published root is ever mutated in place.
type node struct {
	leaf     bool
	keys     [][]byte
	values   [][]byte // leaf only
	children []uint64 // internal only, len(children) == len(keys)+1
}

// encode serializes n into a page of exactly pageSize bytes, returning an
// error if the content does not fit — the caller is expected to have
// already split the node before this point.
func encode(n node, pageSize uint32) ([]byte, error) {
	buf := make([]byte, 0, pageSize)
	if n.leaf {
		buf = append(buf, tagLeaf)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(n.keys)))
		for i, k := range n.keys {
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(k)))
			buf = append(buf, k...)
			v := n.values[i]
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(v)))
			buf = append(buf, v...)
		}
	} else {
		buf = append(buf, tagInternal)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(n.keys)))
		for _, k := range n.keys {
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(k)))
			buf = append(buf, k...)
		}
		for _, c := range n.children {
			buf = binary.BigEndian.AppendUint64(buf, c)
		}
	}
	if uint32(len(buf)) > pageSize {
		return nil, fmt.Errorf("btree: encoded node (%d bytes) exceeds page size (%d)", len(buf), pageSize)
	}
	out := make([]byte, pageSize)
	copy(out, buf)
	return out, nil
}

func decode(raw []byte) (node, error) {
	if len(raw) < 3 {
		return node{}, fmt.Errorf("btree: page too small to contain a header")
	}
	tag := raw[0]
	keyCount := int(binary.BigEndian.Uint16(raw[1:3]))
	off := 3

	switch tag {
	case tagLeaf:
		n := node{leaf: true}
		for i := 0; i < keyCount; i++ {
			k, consumed, err := readLenPrefixed(raw[off:])
			if err != nil {
				return node{}, fmt.Errorf("btree: read key %d: %w", i, err)
			}
			off += consumed
			v, consumed, err := readLenPrefixed(raw[off:])
			if err != nil {
				return node{}, fmt.Errorf("btree: read value %d: %w", i, err)
			}
			off += consumed
			n.keys = append(n.keys, k)
			n.values = append(n.values, v)
		}
		return n, nil
	case tagInternal:
		n := node{leaf: false}
		for i := 0; i < keyCount; i++ {
			k, consumed, err := readLenPrefixed(raw[off:])
			if err != nil {
				return node{}, fmt.Errorf("btree: read key %d: %w", i, err)
			}
			off += consumed
			n.keys = append(n.keys, k)
		}
		for i := 0; i < keyCount+1; i++ {
			if off+8 > len(raw) {
				return node{}, fmt.Errorf("btree: truncated child pointer %d", i)
			}
			n.children = append(n.children, binary.BigEndian.Uint64(raw[off:]))
			off += 8
		}
		return n, nil
	default:
		return node{}, fmt.Errorf("btree: unknown page tag %d", tag)
	}
}

func readLenPrefixed(src []byte) ([]byte, int, error) {
	if len(src) < 2 {
		return nil, 0, fmt.Errorf("truncated length prefix")
	}
	l := int(binary.BigEndian.Uint16(src))
	if 2+l > len(src) {
		return nil, 0, fmt.Errorf("truncated payload")
	}
	out := make([]byte, l)
	copy(out, src[2:2+l])
	return out, 2 + l, nil
}
