// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package eraprim holds the on-disk formats of the dm-era metadata
// device and of the erasetup snapshot device, together with the
// checksum primitive shared by every block type.
//
// All multi-byte fields are little-endian.  Every on-disk block is
// BlockSize bytes and starts with a 4-byte checksum over the rest of
// the block, XORed with a block-type constant.
package eraprim

// Geometry shared by the metadata and snapshot devices.
const (
	SectorSize  = 512
	SectorShift = 9

	BlockSize = 4096

	// MetadataBlockSectors is the only accepted value of the
	// superblock's metadata_block_size field.
	MetadataBlockSectors = BlockSize >> SectorShift
)

// Era metadata superblock.
const (
	SuperblockMagic   uint64 = 2126579579
	SuperblockCSumXor uint32 = 146538381

	MinEraVersion uint32 = 1
	MaxEraVersion uint32 = 1

	SpaceMapRootSize = 128
	UUIDSize         = 16
)

// B-tree and array nodes.
const (
	BTreeCSumXor uint32 = 121107
	ArrayCSumXor uint32 = 595846735
)

// Space map.
const (
	IndexCSumXor  uint32 = 160478
	BitmapCSumXor uint32 = 240779

	MaxMetadataBitmaps = 255

	// Each space-map bitmap block packs 2-bit reference counts
	// after a 16-byte header.
	EntriesPerByte  = 4
	BytesPerBlock   = BlockSize - bitmapHeaderSize
	EntriesPerBlock = BytesPerBlock * EntriesPerByte
)

// Snapshot device.
const (
	SnapSuperblockMagic   uint32 = 118135908
	SnapSuperblockCSumXor uint32 = 13116488
	SnapshotCSumXor       uint32 = 18275559

	SnapVersion uint32 = 1

	// ErasPerBlock is the era[] capacity of one snapshot-array
	// node: a block minus the node header, in 32-bit entries.
	ErasPerBlock = (BlockSize - snapshotNodeHeaderSize) / 4
)

// Device-mapper naming.  The era target's devices are tagged with
// these UUID prefixes/suffixes so that a status scan can enumerate
// every related device.
const (
	UUIDPrefix     = "ERA-"
	TargetEra      = "era"
	TargetLinear   = "linear"
	TargetSnapshot = "snapshot"
	TargetOrigin   = "snapshot-origin"
)
