// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eraprim

import (
	"encoding/binary"
)

const bitmapHeaderSize = 16

// SpaceMapRoot is the leading portion of the superblock's 128-byte
// opaque space-map root.
type SpaceMapRoot struct {
	NrBlocks     uint64
	NrAllocated  uint64
	BitmapRoot   uint64
	RefCountRoot uint64
}

func UnmarshalSpaceMapRoot(raw [SpaceMapRootSize]byte) SpaceMapRoot {
	le := binary.LittleEndian
	return SpaceMapRoot{
		NrBlocks:     le.Uint64(raw[0:]),
		NrAllocated:  le.Uint64(raw[8:]),
		BitmapRoot:   le.Uint64(raw[16:]),
		RefCountRoot: le.Uint64(raw[24:]),
	}
}

func MarshalSpaceMapRoot(root SpaceMapRoot) [SpaceMapRootSize]byte {
	le := binary.LittleEndian
	var raw [SpaceMapRootSize]byte
	le.PutUint64(raw[0:], root.NrBlocks)
	le.PutUint64(raw[8:], root.NrAllocated)
	le.PutUint64(raw[16:], root.BitmapRoot)
	le.PutUint64(raw[24:], root.RefCountRoot)
	return raw
}

// IndexEntry describes one space-map bitmap block.
type IndexEntry struct {
	BlockNr        uint64
	NrFree         uint32
	NoneFreeBefore uint32
}

const indexEntrySize = 16

// Index node layout: checksum, padding, self block number, then up to
// MaxMetadataBitmaps entries.
const indexHeaderSize = 16

func UnmarshalIndexEntry(block []byte, i int) IndexEntry {
	le := binary.LittleEndian
	off := indexHeaderSize + i*indexEntrySize
	return IndexEntry{
		BlockNr:        le.Uint64(block[off:]),
		NrFree:         le.Uint32(block[off+8:]),
		NoneFreeBefore: le.Uint32(block[off+12:]),
	}
}

func MarshalIndexEntry(block []byte, i int, ie IndexEntry) {
	le := binary.LittleEndian
	off := indexHeaderSize + i*indexEntrySize
	le.PutUint64(block[off:], ie.BlockNr)
	le.PutUint32(block[off+8:], ie.NrFree)
	le.PutUint32(block[off+12:], ie.NoneFreeBefore)
}

// IndexBlockNr reads the self block number of an index node.
func IndexBlockNr(block []byte) uint64 {
	return binary.LittleEndian.Uint64(block[8:])
}

// SetIndexBlockNr stamps the self block number of an index node.
func SetIndexBlockNr(block []byte, nr uint64) {
	binary.LittleEndian.PutUint64(block[8:], nr)
}

// BitmapBlockNr reads the self block number of a bitmap block.
func BitmapBlockNr(block []byte) uint64 {
	return binary.LittleEndian.Uint64(block[8:])
}

// SetBitmapBlockNr stamps the self block number of a bitmap block.
func SetBitmapBlockNr(block []byte, nr uint64) {
	binary.LittleEndian.PutUint64(block[8:], nr)
}

// BitmapGet extracts the 2-bit reference count of entry i from a
// bitmap block.  The pair is stored with its high and low bits
// swapped relative to natural order.
func BitmapGet(block []byte, i int) uint8 {
	b := block[bitmapHeaderSize+i/EntriesPerByte]
	pair := (b >> (2 * (i % EntriesPerByte))) & 3
	hi := pair & 1
	lo := (pair & 2) >> 1
	return hi<<1 | lo
}

// BitmapSet stores the 2-bit reference count of entry i into a
// bitmap block, applying the same bit swap.
func BitmapSet(block []byte, i int, count uint8) {
	hi := (count & 2) >> 1
	lo := count & 1
	pair := lo<<1 | hi
	idx := bitmapHeaderSize + i/EntriesPerByte
	shift := 2 * (i % EntriesPerByte)
	block[idx] = block[idx]&^(3<<shift) | pair<<shift
}
