// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package erabuild constructs complete era metadata trees: the era
// array, bitsets, and the writeset tree, each built bottom-up into
// freshly allocated blocks.  There is no in-place mutation; a tree is
// always written whole.
package erabuild

import (
	"encoding/binary"
	"fmt"

	"github.com/004helix/erasetup-go/lib/eramd"
	"github.com/004helix/erasetup-go/lib/eraprim"
)

// Builder allocates blocks sequentially on a metadata device and
// writes tree nodes into them.
type Builder struct {
	md   *eramd.MD
	next uint64

	// Reduced capacities force deeper trees; zero means the
	// on-disk maximum for the node's value size.
	ArrayCap uint32
	BTreeCap uint32
}

// New returns a Builder allocating from block firstFree upwards.
func New(md *eramd.MD, firstFree uint64) *Builder {
	return &Builder{md: md, next: firstFree}
}

// NextFree returns the next unallocated block.
func (b *Builder) NextFree() uint64 { return b.next }

func (b *Builder) alloc() (uint64, error) {
	if b.next >= b.md.Blocks {
		return 0, fmt.Errorf("metadata device full at block %d: %w", b.next, eraprim.ErrIO)
	}
	nr := b.next
	b.next++
	return nr, nil
}

func (b *Builder) btreeCap(valueSize uint32) uint32 {
	cap := b.BTreeCap
	if cap == 0 {
		cap = eraprim.BTreeMaxEntries(valueSize)
	}
	return cap - cap%3
}

func (b *Builder) arrayCap(valueSize uint32) uint32 {
	if b.ArrayCap != 0 {
		return b.ArrayCap
	}
	return eraprim.ArrayMaxEntries(valueSize)
}

// writeBTreeNode writes one B-tree node and returns its block number.
func (b *Builder) writeBTreeNode(flags eraprim.NodeFlags, valueSize uint32, keys []uint64, values []byte) (uint64, error) {
	nr, err := b.alloc()
	if err != nil {
		return 0, err
	}
	maxEntries := b.btreeCap(valueSize)
	if uint32(len(keys)) > maxEntries {
		return 0, fmt.Errorf("btree node overflow: %d > %d: %w", len(keys), maxEntries, eraprim.ErrArg)
	}
	block := make([]byte, eraprim.BlockSize)
	eraprim.MarshalNodeHeader(block, eraprim.NodeHeader{
		Flags:      flags,
		BlockNr:    nr,
		NrEntries:  uint32(len(keys)),
		MaxEntries: maxEntries,
		ValueSize:  valueSize,
	})
	for i, key := range keys {
		binary.LittleEndian.PutUint64(block[eraprim.NodeHeaderSize+8*i:], key)
	}
	copy(block[eraprim.NodeValueOffset(maxEntries, valueSize, 0):], values)
	eraprim.StampBlock(block, eraprim.BTreeCSumXor)
	return nr, b.md.Write(nr, block)
}

// buildBTree builds a B-tree over pre-sorted (key, value) pairs and
// returns its root.  An empty input produces a single empty leaf.
func (b *Builder) buildBTree(valueSize uint32, keys []uint64, values []byte) (uint64, error) {
	cap := int(b.btreeCap(valueSize))

	var levelKeys []uint64
	var levelBlocks []uint64
	for start := 0; start == 0 || start < len(keys); start += cap {
		end := start + cap
		if end > len(keys) {
			end = len(keys)
		}
		nr, err := b.writeBTreeNode(eraprim.LeafNode, valueSize,
			keys[start:end], values[start*int(valueSize):end*int(valueSize)])
		if err != nil {
			return 0, err
		}
		if end > start {
			levelKeys = append(levelKeys, keys[start])
		} else {
			levelKeys = append(levelKeys, 0)
		}
		levelBlocks = append(levelBlocks, nr)
		if len(keys) == 0 {
			break
		}
	}

	for len(levelBlocks) > 1 {
		var upKeys []uint64
		var upBlocks []uint64
		for start := 0; start < len(levelBlocks); start += cap {
			end := start + cap
			if end > len(levelBlocks) {
				end = len(levelBlocks)
			}
			values := make([]byte, 8*(end-start))
			for i, child := range levelBlocks[start:end] {
				binary.LittleEndian.PutUint64(values[8*i:], child)
			}
			nr, err := b.writeBTreeNode(eraprim.InternalNode, 8, levelKeys[start:end], values)
			if err != nil {
				return 0, err
			}
			upKeys = append(upKeys, levelKeys[start])
			upBlocks = append(upBlocks, nr)
		}
		levelKeys, levelBlocks = upKeys, upBlocks
	}

	return levelBlocks[0], nil
}

// writeArrayNode writes one array node and returns its block number.
func (b *Builder) writeArrayNode(valueSize uint32, values []byte) (uint64, error) {
	nr, err := b.alloc()
	if err != nil {
		return 0, err
	}
	maxEntries := b.arrayCap(valueSize)
	nrEntries := uint32(len(values)) / valueSize
	if nrEntries > maxEntries {
		return 0, fmt.Errorf("array node overflow: %d > %d: %w", nrEntries, maxEntries, eraprim.ErrArg)
	}
	block := make([]byte, eraprim.BlockSize)
	eraprim.MarshalArrayHeader(block, eraprim.ArrayHeader{
		MaxEntries: maxEntries,
		NrEntries:  nrEntries,
		ValueSize:  valueSize,
		BlockNr:    nr,
	})
	copy(block[eraprim.ArrayHeaderSize:], values)
	eraprim.StampBlock(block, eraprim.ArrayCSumXor)
	return nr, b.md.Write(nr, block)
}

// buildArray builds the two-level array structure: array nodes of
// packed values hanging off a B-tree keyed by starting entry index.
func (b *Builder) buildArray(valueSize uint32, values []byte) (uint64, error) {
	cap := int(b.arrayCap(valueSize))
	nrValues := len(values) / int(valueSize)

	var keys []uint64
	var blocks []uint64
	for start := 0; start < nrValues; start += cap {
		end := start + cap
		if end > nrValues {
			end = nrValues
		}
		nr, err := b.writeArrayNode(valueSize, values[start*int(valueSize):end*int(valueSize)])
		if err != nil {
			return 0, err
		}
		keys = append(keys, uint64(start))
		blocks = append(blocks, nr)
	}

	leafValues := make([]byte, 8*len(blocks))
	for i, nr := range blocks {
		binary.LittleEndian.PutUint64(leafValues[8*i:], nr)
	}
	return b.buildBTree(8, keys, leafValues)
}

// BuildEraArray writes the era array and returns its root.
func (b *Builder) BuildEraArray(eras []uint32) (uint64, error) {
	values := make([]byte, eraprim.EraEntrySize*len(eras))
	for i, era := range eras {
		binary.LittleEndian.PutUint32(values[4*i:], era)
	}
	return b.buildArray(eraprim.EraEntrySize, values)
}

// BuildBitset writes a bitset from packed 64-bit words, one array
// value per word, and returns its root.
func (b *Builder) BuildBitset(words []uint64) (uint64, error) {
	values := make([]byte, eraprim.BitsetEntrySize*len(words))
	for i, word := range words {
		binary.LittleEndian.PutUint64(values[8*i:], word)
	}
	return b.buildArray(eraprim.BitsetEntrySize, values)
}

// WritesetEntry is one archived writeset to be placed in the
// writeset tree.
type WritesetEntry struct {
	Era      uint64
	Writeset eraprim.Writeset
}

// BuildWritesetTree writes the writeset tree over entries (which must
// be sorted by era) and returns its root.
func (b *Builder) BuildWritesetTree(entries []WritesetEntry) (uint64, error) {
	keys := make([]uint64, len(entries))
	values := make([]byte, eraprim.WritesetSize*len(entries))
	for i, ent := range entries {
		keys[i] = ent.Era
		off := eraprim.WritesetSize * i
		binary.LittleEndian.PutUint32(values[off:], ent.Writeset.NrBits)
		binary.LittleEndian.PutUint64(values[off+4:], ent.Writeset.Root)
	}
	return b.buildBTree(eraprim.WritesetSize, keys, values)
}

// WriteSuperblock marshals and writes the superblock at block 0.
func (b *Builder) WriteSuperblock(sb eraprim.Superblock) error {
	return b.md.Write(0, eraprim.MarshalSuperblock(sb))
}
