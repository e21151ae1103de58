// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eraprim_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/004helix/erasetup-go/lib/eraprim"
)

func validSuperblock() eraprim.Superblock {
	return eraprim.Superblock{
		UUID:              eraprim.UUID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Magic:             eraprim.SuperblockMagic,
		Version:           1,
		DataBlockSize:     128,
		MetadataBlockSize: eraprim.MetadataBlockSectors,
		NrBlocks:          1000,
		CurrentEra:        7,
		CurrentWriteset:   eraprim.Writeset{NrBits: 1000, Root: 42},
		WritesetTreeRoot:  17,
		EraArrayRoot:      23,
		MetadataSnap:      0,
	}
}

func TestSuperblockRoundTrip(t *testing.T) {
	sb := validSuperblock()
	block := eraprim.MarshalSuperblock(sb)
	require.Len(t, block, eraprim.BlockSize)
	require.NoError(t, eraprim.VerifyBlock(block, 0, eraprim.SuperblockCSumXor))

	got := eraprim.UnmarshalSuperblock(block)
	sb.CSum = got.CSum // stamped during marshal
	assert.Equal(t, sb, got)

	// re-marshalling yields identical bytes
	assert.Equal(t, block, eraprim.MarshalSuperblock(got))
}

func TestSuperblockLayout(t *testing.T) {
	block := eraprim.MarshalSuperblock(validSuperblock())
	le := binary.LittleEndian

	// pinned on-disk offsets
	assert.Equal(t, uint64(eraprim.SuperblockMagic), le.Uint64(block[32:]))
	assert.Equal(t, uint32(1), le.Uint32(block[40:]))
	assert.Equal(t, uint32(128), le.Uint32(block[172:]))
	assert.Equal(t, uint32(8), le.Uint32(block[176:]))
	assert.Equal(t, uint32(1000), le.Uint32(block[180:]))
	assert.Equal(t, uint32(7), le.Uint32(block[184:]))
	assert.Equal(t, uint32(1000), le.Uint32(block[188:]))
	assert.Equal(t, uint64(42), le.Uint64(block[192:]))
	assert.Equal(t, uint64(17), le.Uint64(block[200:]))
	assert.Equal(t, uint64(23), le.Uint64(block[208:]))
}

func TestCheckSuperblock(t *testing.T) {
	sb := validSuperblock()
	require.NoError(t, eraprim.CheckSuperblock(sb))

	bad := sb
	bad.Magic = 12345
	require.ErrorIs(t, eraprim.CheckSuperblock(bad), eraprim.ErrCorrupt)

	bad = sb
	bad.BlockNr = 1
	require.ErrorIs(t, eraprim.CheckSuperblock(bad), eraprim.ErrCorrupt)

	bad = sb
	bad.Version = 2
	require.ErrorIs(t, eraprim.CheckSuperblock(bad), eraprim.ErrUnsupported)

	bad = sb
	bad.MetadataBlockSize = 16
	require.ErrorIs(t, eraprim.CheckSuperblock(bad), eraprim.ErrUnsupported)
}

func TestSnapSuperblockRoundTrip(t *testing.T) {
	sb := eraprim.SnapSuperblock{
		UUID:              eraprim.UUID{0xaa, 0xbb, 0xcc},
		Magic:             eraprim.SnapSuperblockMagic,
		Version:           eraprim.SnapVersion,
		DataBlockSize:     128,
		MetadataBlockSize: eraprim.MetadataBlockSectors,
		NrBlocks:          8,
		SnapshotEra:       5,
	}
	block := eraprim.MarshalSnapSuperblock(sb)
	require.NoError(t, eraprim.VerifyBlock(block, 0, eraprim.SnapSuperblockCSumXor))

	got := eraprim.UnmarshalSnapSuperblock(block)
	sb.CSum = got.CSum
	assert.Equal(t, sb, got)
	require.NoError(t, eraprim.CheckSnapSuperblock(got))

	// write, read, re-write yields identical bytes
	assert.Equal(t, block, eraprim.MarshalSnapSuperblock(got))
}
