// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eraprim

import (
	"encoding/binary"
	"fmt"
)

const snapshotNodeHeaderSize = 24

// SnapSuperblock is block 0 of a snapshot device.  It mirrors the
// head of the era superblock so the two can be told apart by magic
// alone.
type SnapSuperblock struct {
	CSum    uint32
	Flags   uint32
	BlockNr uint64

	UUID    UUID
	Magic   uint32
	Version uint32

	DataBlockSize     uint32 // sectors
	MetadataBlockSize uint32 // sectors
	NrBlocks          uint32
	SnapshotEra       uint32
}

const (
	ssbOffFlags             = 4
	ssbOffBlockNr           = 8
	ssbOffUUID              = 16
	ssbOffMagic             = 32
	ssbOffVersion           = 36
	ssbOffDataBlockSize     = 40
	ssbOffMetadataBlockSize = 44
	ssbOffNrBlocks          = 48
	ssbOffSnapshotEra       = 52
)

func UnmarshalSnapSuperblock(block []byte) SnapSuperblock {
	le := binary.LittleEndian
	var sb SnapSuperblock
	sb.CSum = le.Uint32(block[0:])
	sb.Flags = le.Uint32(block[ssbOffFlags:])
	sb.BlockNr = le.Uint64(block[ssbOffBlockNr:])
	copy(sb.UUID[:], block[ssbOffUUID:ssbOffUUID+UUIDSize])
	sb.Magic = le.Uint32(block[ssbOffMagic:])
	sb.Version = le.Uint32(block[ssbOffVersion:])
	sb.DataBlockSize = le.Uint32(block[ssbOffDataBlockSize:])
	sb.MetadataBlockSize = le.Uint32(block[ssbOffMetadataBlockSize:])
	sb.NrBlocks = le.Uint32(block[ssbOffNrBlocks:])
	sb.SnapshotEra = le.Uint32(block[ssbOffSnapshotEra:])
	return sb
}

func MarshalSnapSuperblock(sb SnapSuperblock) []byte {
	le := binary.LittleEndian
	block := make([]byte, BlockSize)
	le.PutUint32(block[ssbOffFlags:], sb.Flags)
	le.PutUint64(block[ssbOffBlockNr:], sb.BlockNr)
	copy(block[ssbOffUUID:], sb.UUID[:])
	le.PutUint32(block[ssbOffMagic:], sb.Magic)
	le.PutUint32(block[ssbOffVersion:], sb.Version)
	le.PutUint32(block[ssbOffDataBlockSize:], sb.DataBlockSize)
	le.PutUint32(block[ssbOffMetadataBlockSize:], sb.MetadataBlockSize)
	le.PutUint32(block[ssbOffNrBlocks:], sb.NrBlocks)
	le.PutUint32(block[ssbOffSnapshotEra:], sb.SnapshotEra)
	StampBlock(block, SnapSuperblockCSumXor)
	return block
}

// CheckSnapSuperblock validates magic, self block number and version.
func CheckSnapSuperblock(sb SnapSuperblock) error {
	if sb.Magic != SnapSuperblockMagic {
		return fmt.Errorf("snapshot superblock: bad magic %d: %w", sb.Magic, ErrCorrupt)
	}
	if sb.BlockNr != 0 {
		return fmt.Errorf("snapshot superblock: bad block number %d: %w", sb.BlockNr, ErrCorrupt)
	}
	if sb.Version != SnapVersion {
		return fmt.Errorf("snapshot superblock: unsupported version %d: %w", sb.Version, ErrUnsupported)
	}
	return nil
}

// Snapshot-array node accessors.  A node is (checksum, flags, self
// block number, padding) followed by ErasPerBlock 32-bit eras.

// SnapNodeBlockNr reads the self block number of a snapshot node.
func SnapNodeBlockNr(block []byte) uint64 {
	return binary.LittleEndian.Uint64(block[8:])
}

// SetSnapNodeBlockNr stamps the self block number of a snapshot node.
func SetSnapNodeBlockNr(block []byte, nr uint64) {
	binary.LittleEndian.PutUint64(block[8:], nr)
}

// SnapNodeEra reads era slot i of a snapshot node.
func SnapNodeEra(block []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(block[snapshotNodeHeaderSize+4*i:])
}

// SetSnapNodeEra stores era slot i of a snapshot node.
func SetSnapNodeEra(block []byte, i int, era uint32) {
	binary.LittleEndian.PutUint32(block[snapshotNodeHeaderSize+4*i:], era)
}
