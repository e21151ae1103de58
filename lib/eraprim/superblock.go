// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eraprim

import (
	"encoding/binary"
	"fmt"
)

// Writeset is the 12-byte descriptor of one era's bitset: a bit
// count and the root block of the bitset sub-tree (0 if absent).
type Writeset struct {
	NrBits uint32
	Root   uint64
}

const WritesetSize = 12

// Superblock is block 0 of the era metadata device.
type Superblock struct {
	CSum    uint32
	Flags   uint32
	BlockNr uint64

	UUID    UUID
	Magic   uint64
	Version uint32

	SpaceMapRoot [SpaceMapRootSize]byte

	DataBlockSize     uint32 // sectors
	MetadataBlockSize uint32 // sectors
	NrBlocks          uint32

	CurrentEra      uint32
	CurrentWriteset Writeset

	WritesetTreeRoot uint64
	EraArrayRoot     uint64

	MetadataSnap uint64
}

// Field offsets within the packed on-disk layout.
const (
	sbOffFlags             = 4
	sbOffBlockNr           = 8
	sbOffUUID              = 16
	sbOffMagic             = 32
	sbOffVersion           = 40
	sbOffSpaceMapRoot      = 44
	sbOffDataBlockSize     = 172
	sbOffMetadataBlockSize = 176
	sbOffNrBlocks          = 180
	sbOffCurrentEra        = 184
	sbOffCurrentWriteset   = 188
	sbOffWritesetTreeRoot  = 200
	sbOffEraArrayRoot      = 208
	sbOffMetadataSnap      = 216
)

// UnmarshalSuperblock decodes a raw metadata block.  It does not
// verify the checksum (the block layer does) nor the structural
// invariants (CheckSuperblock does).
func UnmarshalSuperblock(block []byte) Superblock {
	le := binary.LittleEndian
	var sb Superblock
	sb.CSum = le.Uint32(block[0:])
	sb.Flags = le.Uint32(block[sbOffFlags:])
	sb.BlockNr = le.Uint64(block[sbOffBlockNr:])
	copy(sb.UUID[:], block[sbOffUUID:sbOffUUID+UUIDSize])
	sb.Magic = le.Uint64(block[sbOffMagic:])
	sb.Version = le.Uint32(block[sbOffVersion:])
	copy(sb.SpaceMapRoot[:], block[sbOffSpaceMapRoot:sbOffSpaceMapRoot+SpaceMapRootSize])
	sb.DataBlockSize = le.Uint32(block[sbOffDataBlockSize:])
	sb.MetadataBlockSize = le.Uint32(block[sbOffMetadataBlockSize:])
	sb.NrBlocks = le.Uint32(block[sbOffNrBlocks:])
	sb.CurrentEra = le.Uint32(block[sbOffCurrentEra:])
	sb.CurrentWriteset.NrBits = le.Uint32(block[sbOffCurrentWriteset:])
	sb.CurrentWriteset.Root = le.Uint64(block[sbOffCurrentWriteset+4:])
	sb.WritesetTreeRoot = le.Uint64(block[sbOffWritesetTreeRoot:])
	sb.EraArrayRoot = le.Uint64(block[sbOffEraArrayRoot:])
	sb.MetadataSnap = le.Uint64(block[sbOffMetadataSnap:])
	return sb
}

// MarshalSuperblock encodes sb into a fresh BlockSize buffer and
// stamps the checksum.
func MarshalSuperblock(sb Superblock) []byte {
	le := binary.LittleEndian
	block := make([]byte, BlockSize)
	le.PutUint32(block[sbOffFlags:], sb.Flags)
	le.PutUint64(block[sbOffBlockNr:], sb.BlockNr)
	copy(block[sbOffUUID:], sb.UUID[:])
	le.PutUint64(block[sbOffMagic:], sb.Magic)
	le.PutUint32(block[sbOffVersion:], sb.Version)
	copy(block[sbOffSpaceMapRoot:], sb.SpaceMapRoot[:])
	le.PutUint32(block[sbOffDataBlockSize:], sb.DataBlockSize)
	le.PutUint32(block[sbOffMetadataBlockSize:], sb.MetadataBlockSize)
	le.PutUint32(block[sbOffNrBlocks:], sb.NrBlocks)
	le.PutUint32(block[sbOffCurrentEra:], sb.CurrentEra)
	le.PutUint32(block[sbOffCurrentWriteset:], sb.CurrentWriteset.NrBits)
	le.PutUint64(block[sbOffCurrentWriteset+4:], sb.CurrentWriteset.Root)
	le.PutUint64(block[sbOffWritesetTreeRoot:], sb.WritesetTreeRoot)
	le.PutUint64(block[sbOffEraArrayRoot:], sb.EraArrayRoot)
	le.PutUint64(block[sbOffMetadataSnap:], sb.MetadataSnap)
	StampBlock(block, SuperblockCSumXor)
	return block
}

// CheckSuperblock validates the structural invariants of a decoded
// superblock: magic, self block number, accepted version range, and
// the fixed metadata block size.
func CheckSuperblock(sb Superblock) error {
	if sb.Magic != SuperblockMagic {
		return fmt.Errorf("superblock: bad magic %d: %w", sb.Magic, ErrCorrupt)
	}
	if sb.BlockNr != 0 {
		return fmt.Errorf("superblock: bad block number %d: %w", sb.BlockNr, ErrCorrupt)
	}
	if sb.Version < MinEraVersion || sb.Version > MaxEraVersion {
		return fmt.Errorf("superblock: unsupported version %d: %w", sb.Version, ErrUnsupported)
	}
	if sb.MetadataBlockSize != MetadataBlockSectors {
		return fmt.Errorf("superblock: unsupported metadata block size %d sectors: %w",
			sb.MetadataBlockSize, ErrUnsupported)
	}
	return nil
}
