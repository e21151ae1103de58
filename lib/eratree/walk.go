// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package eratree walks the three metadata trees of an era device: the
// era array, the bitset sub-trees, and the writeset tree.
//
// All three share one recursive descent over a persistent B-tree; the
// era array and the bitsets hang dense "array nodes" off the B-tree
// leaves, while the writeset tree carries its descriptors directly in
// B-tree leaves.
package eratree

import (
	"encoding/binary"
	"fmt"

	"github.com/004helix/erasetup-go/lib/eramd"
	"github.com/004helix/erasetup-go/lib/eraprim"
)

// BlockFunc is invoked once per visited node, before descent, with
// the node's block number and raw contents.  The space-map rebuild
// uses it to mark blocks in use.
type BlockFunc func(nr uint64, raw []byte) error

type leafKind int

const (
	leafArray leafKind = iota + 1
	leafBitset
	leafWriteset
)

type walker struct {
	md    *eramd.MD
	kind  leafKind
	block BlockFunc

	emitEras      func(eras []uint32) error
	emitWords     func(words []uint64) error
	emitWritesets func(eras []uint64, sets []eraprim.Writeset) error
}

// WalkArray walks the era array rooted at root, calling data with
// each leaf range of 32-bit era values and once more with an empty
// range at the end of the walk.
func WalkArray(md *eramd.MD, root uint64, data func(eras []uint32) error, block BlockFunc) error {
	w := &walker{md: md, kind: leafArray, block: block, emitEras: data}
	if err := w.walkBTreeNode(root); err != nil {
		return err
	}
	return data(nil)
}

// WalkBitset walks the bitset rooted at root, calling data with each
// leaf range of 64-bit words and once more with an empty range at the
// end of the walk.
func WalkBitset(md *eramd.MD, root uint64, data func(words []uint64) error, block BlockFunc) error {
	w := &walker{md: md, kind: leafBitset, block: block, emitWords: data}
	if err := w.walkBTreeNode(root); err != nil {
		return err
	}
	return data(nil)
}

// WalkWritesets walks the writeset tree rooted at root, calling data
// with each leaf range of (era, descriptor) pairs and once more with
// an empty range at the end of the walk.
func WalkWritesets(md *eramd.MD, root uint64, data func(eras []uint64, sets []eraprim.Writeset) error, block BlockFunc) error {
	w := &walker{md: md, kind: leafWriteset, block: block, emitWritesets: data}
	if err := w.walkBTreeNode(root); err != nil {
		return err
	}
	return data(nil, nil)
}

func (w *walker) walkBTreeNode(nr uint64) error {
	node, err := w.md.Block(eramd.Cached, nr, eraprim.BTreeCSumXor)
	if err != nil {
		return err
	}

	if w.block != nil {
		if err := w.block(nr, node); err != nil {
			return err
		}
	}

	hdr := eraprim.UnmarshalNodeHeader(node)

	if hdr.BlockNr != nr {
		return fmt.Errorf("bad btree node: block number incorrect (want: %d, on disk: %d): %w",
			nr, hdr.BlockNr, eraprim.ErrCorrupt)
	}
	if hdr.Flags&eraprim.InternalNode != 0 && hdr.Flags&eraprim.LeafNode != 0 {
		return fmt.Errorf("bad btree node %d: both internal and leaf bits are set: %w",
			nr, eraprim.ErrCorrupt)
	}
	internal := hdr.Flags&eraprim.InternalNode != 0

	wantValueSize := uint32(8)
	if !internal && w.kind == leafWriteset {
		wantValueSize = eraprim.WritesetSize
	}
	if hdr.ValueSize != wantValueSize {
		return fmt.Errorf("bad btree node %d: value_size %d != %d: %w",
			nr, hdr.ValueSize, wantValueSize, eraprim.ErrCorrupt)
	}
	if hdr.MaxEntries > eraprim.BTreeMaxEntries(hdr.ValueSize) {
		return fmt.Errorf("bad btree node %d: max_entries too large (%d): %w",
			nr, hdr.MaxEntries, eraprim.ErrCorrupt)
	}
	if hdr.MaxEntries%3 != 0 {
		return fmt.Errorf("bad btree node %d: max_entries is not divisible by 3 (%d): %w",
			nr, hdr.MaxEntries, eraprim.ErrCorrupt)
	}
	if hdr.NrEntries > hdr.MaxEntries {
		return fmt.Errorf("bad btree node %d: nr_entries > max_entries (%d > %d): %w",
			nr, hdr.NrEntries, hdr.MaxEntries, eraprim.ErrCorrupt)
	}
	for i := 1; i < int(hdr.NrEntries); i++ {
		if eraprim.NodeKey(node, i-1) >= eraprim.NodeKey(node, i) {
			return fmt.Errorf("bad btree node %d: keys not strictly ascending at entry %d: %w",
				nr, i, eraprim.ErrCorrupt)
		}
	}

	if !internal && w.kind == leafWriteset {
		eras := make([]uint64, hdr.NrEntries)
		sets := make([]eraprim.Writeset, hdr.NrEntries)
		for i := range eras {
			eras[i] = eraprim.NodeKey(node, i)
			off := eraprim.NodeValueOffset(hdr.MaxEntries, hdr.ValueSize, i)
			sets[i].NrBits = binary.LittleEndian.Uint32(node[off:])
			sets[i].Root = binary.LittleEndian.Uint64(node[off+4:])
		}
		if len(eras) == 0 {
			return nil
		}
		return w.emitWritesets(eras, sets)
	}

	for i := 0; i < int(hdr.NrEntries); i++ {
		// The node view can move between iterations: the cache
		// may be flushed and refilled by a nested walk, so
		// re-fetch the node by block number instead of holding
		// the old view across the recursion.
		node, err = w.md.Block(eramd.Cached, nr, eraprim.BTreeCSumXor)
		if err != nil {
			return err
		}

		off := eraprim.NodeValueOffset(hdr.MaxEntries, hdr.ValueSize, i)
		next := binary.LittleEndian.Uint64(node[off:])

		if internal {
			err = w.walkBTreeNode(next)
		} else {
			err = w.walkArrayNode(next)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (w *walker) walkArrayNode(nr uint64) error {
	node, err := w.md.Block(0, nr, eraprim.ArrayCSumXor)
	if err != nil {
		return err
	}

	if w.block != nil {
		if err := w.block(nr, node); err != nil {
			return err
		}
	}

	hdr := eraprim.UnmarshalArrayHeader(node)

	if hdr.BlockNr != nr {
		return fmt.Errorf("bad array node: block number incorrect (want: %d, on disk: %d): %w",
			nr, hdr.BlockNr, eraprim.ErrCorrupt)
	}
	if hdr.ValueSize == 0 || hdr.ValueSize >= eraprim.BlockSize {
		return fmt.Errorf("bad array node %d: incorrect value size (%d): %w",
			nr, hdr.ValueSize, eraprim.ErrCorrupt)
	}
	if hdr.MaxEntries > eraprim.ArrayMaxEntries(hdr.ValueSize) {
		return fmt.Errorf("bad array node %d: max_entries too large (%d): %w",
			nr, hdr.MaxEntries, eraprim.ErrCorrupt)
	}
	if hdr.NrEntries > hdr.MaxEntries {
		return fmt.Errorf("bad array node %d: nr_entries > max_entries (%d > %d): %w",
			nr, hdr.NrEntries, hdr.MaxEntries, eraprim.ErrCorrupt)
	}

	switch w.kind {
	case leafArray:
		if hdr.ValueSize != eraprim.EraEntrySize {
			return fmt.Errorf("bad array node %d: incorrect value size for era leaf (%d): %w",
				nr, hdr.ValueSize, eraprim.ErrCorrupt)
		}
		if hdr.NrEntries == 0 {
			return nil
		}
		eras := make([]uint32, hdr.NrEntries)
		for i := range eras {
			eras[i] = binary.LittleEndian.Uint32(node[eraprim.ArrayHeaderSize+4*i:])
		}
		return w.emitEras(eras)

	case leafBitset:
		if hdr.ValueSize != eraprim.BitsetEntrySize {
			return fmt.Errorf("bad array node %d: incorrect value size for bitset leaf (%d): %w",
				nr, hdr.ValueSize, eraprim.ErrCorrupt)
		}
		if hdr.NrEntries == 0 {
			return nil
		}
		words := make([]uint64, hdr.NrEntries)
		for i := range words {
			words[i] = binary.LittleEndian.Uint64(node[eraprim.ArrayHeaderSize+8*i:])
		}
		return w.emitWords(words)

	default:
		return fmt.Errorf("bad array node %d: unexpected leaf kind: %w", nr, eraprim.ErrCorrupt)
	}
}
