// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eraprim

import (
	"encoding/binary"
)

// NodeFlags is the flags word of a B-tree node header.  Internal and
// leaf are mutually exclusive.
type NodeFlags uint32

const (
	InternalNode NodeFlags = 1 << iota
	LeafNode
)

// NodeHeader is the 32-byte header of a B-tree node.  max_entries
// 64-bit keys follow it, then the value area.
type NodeHeader struct {
	CSum       uint32
	Flags      NodeFlags
	BlockNr    uint64
	NrEntries  uint32
	MaxEntries uint32
	ValueSize  uint32
	Padding    uint32
}

const NodeHeaderSize = 32

func UnmarshalNodeHeader(block []byte) NodeHeader {
	le := binary.LittleEndian
	return NodeHeader{
		CSum:       le.Uint32(block[0:]),
		Flags:      NodeFlags(le.Uint32(block[4:])),
		BlockNr:    le.Uint64(block[8:]),
		NrEntries:  le.Uint32(block[16:]),
		MaxEntries: le.Uint32(block[20:]),
		ValueSize:  le.Uint32(block[24:]),
		Padding:    le.Uint32(block[28:]),
	}
}

func MarshalNodeHeader(block []byte, hdr NodeHeader) {
	le := binary.LittleEndian
	le.PutUint32(block[4:], uint32(hdr.Flags))
	le.PutUint64(block[8:], hdr.BlockNr)
	le.PutUint32(block[16:], hdr.NrEntries)
	le.PutUint32(block[20:], hdr.MaxEntries)
	le.PutUint32(block[24:], hdr.ValueSize)
	le.PutUint32(block[28:], hdr.Padding)
}

// NodeKey returns the i'th 64-bit key of a B-tree node.
func NodeKey(block []byte, i int) uint64 {
	return binary.LittleEndian.Uint64(block[NodeHeaderSize+8*i:])
}

// NodeValueOffset returns the byte offset of the i'th value of a
// B-tree node with the given geometry.
func NodeValueOffset(maxEntries uint32, valueSize uint32, i int) int {
	return NodeHeaderSize + 8*int(maxEntries) + int(valueSize)*i
}

// BTreeMaxEntries returns the capacity envelope of a B-tree node for
// a given value size: key plus value per entry over the block body.
func BTreeMaxEntries(valueSize uint32) uint32 {
	return (BlockSize - NodeHeaderSize) / (8 + valueSize)
}

// ArrayHeader is the 24-byte header of an array node; nr_entries
// values of value_size bytes follow it, tightly packed.
type ArrayHeader struct {
	CSum       uint32
	MaxEntries uint32
	NrEntries  uint32
	ValueSize  uint32
	BlockNr    uint64
}

const ArrayHeaderSize = 24

func UnmarshalArrayHeader(block []byte) ArrayHeader {
	le := binary.LittleEndian
	return ArrayHeader{
		CSum:       le.Uint32(block[0:]),
		MaxEntries: le.Uint32(block[4:]),
		NrEntries:  le.Uint32(block[8:]),
		ValueSize:  le.Uint32(block[12:]),
		BlockNr:    le.Uint64(block[16:]),
	}
}

func MarshalArrayHeader(block []byte, hdr ArrayHeader) {
	le := binary.LittleEndian
	le.PutUint32(block[4:], hdr.MaxEntries)
	le.PutUint32(block[8:], hdr.NrEntries)
	le.PutUint32(block[12:], hdr.ValueSize)
	le.PutUint64(block[16:], hdr.BlockNr)
}

// ArrayMaxEntries returns the capacity envelope of an array node for
// a given value size.
func ArrayMaxEntries(valueSize uint32) uint32 {
	return (BlockSize - ArrayHeaderSize) / valueSize
}

// Array node value sizes by leaf kind.
const (
	EraEntrySize    = 4 // era array: one 32-bit era per chunk
	BitsetEntrySize = 8 // bitset: one 64-bit word per 64 chunks
)
