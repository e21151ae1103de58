// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eraspace_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/004helix/erasetup-go/lib/diskio"
	"github.com/004helix/erasetup-go/lib/erabuild"
	"github.com/004helix/erasetup-go/lib/eramd"
	"github.com/004helix/erasetup-go/lib/eraprim"
	"github.com/004helix/erasetup-go/lib/eraspace"
	"github.com/004helix/erasetup-go/lib/eratree"
)

func newTestMD(t *testing.T, blocks int) *eramd.MD {
	t.Helper()
	file := diskio.NewMemFile[int64]("test-md", int64(blocks)*eraprim.BlockSize)
	return eramd.New(file, 0, 0)
}

const testNrBlocks = 100

// buildImage writes a full consistent metadata image: an era array of
// testNrBlocks entries, two archived writesets with bitsets, a
// current writeset bitset, and the superblock.
func buildImage(t *testing.T, md *eramd.MD) eraprim.Superblock {
	t.Helper()
	b := erabuild.New(md, 1)
	b.ArrayCap = 16
	b.BTreeCap = 6

	words := make([]uint64, (testNrBlocks+63)/64)
	words[0] = 0xdeadbeef

	bitset1, err := b.BuildBitset(words)
	require.NoError(t, err)
	bitset2, err := b.BuildBitset(words)
	require.NoError(t, err)
	current, err := b.BuildBitset(words)
	require.NoError(t, err)

	wsRoot, err := b.BuildWritesetTree([]erabuild.WritesetEntry{
		{Era: 2, Writeset: eraprim.Writeset{NrBits: testNrBlocks, Root: bitset1}},
		{Era: 4, Writeset: eraprim.Writeset{NrBits: testNrBlocks, Root: bitset2}},
	})
	require.NoError(t, err)

	eras := make([]uint32, testNrBlocks)
	for i := range eras {
		eras[i] = uint32(i % 5)
	}
	arrayRoot, err := b.BuildEraArray(eras)
	require.NoError(t, err)

	sb := eraprim.Superblock{
		UUID:              eraprim.UUID{1},
		Magic:             eraprim.SuperblockMagic,
		Version:           1,
		DataBlockSize:     128,
		MetadataBlockSize: eraprim.MetadataBlockSectors,
		NrBlocks:          testNrBlocks,
		CurrentEra:        5,
		CurrentWriteset:   eraprim.Writeset{NrBits: testNrBlocks, Root: current},
		WritesetTreeRoot:  wsRoot,
		EraArrayRoot:      arrayRoot,
		MetadataSnap:      77, // dropped by the rebuild
	}
	require.NoError(t, b.WriteSuperblock(sb))
	return sb
}

func reachable(t *testing.T, md *eramd.MD, sb eraprim.Superblock) map[uint64]bool {
	t.Helper()
	seen := map[uint64]bool{0: true}
	mark := func(nr uint64, _ []byte) error {
		seen[nr] = true
		return nil
	}
	require.NoError(t, eratree.WalkBitset(md, sb.CurrentWriteset.Root,
		func([]uint64) error { return nil }, mark))
	var roots []uint64
	require.NoError(t, eratree.WalkWritesets(md, sb.WritesetTreeRoot,
		func(_ []uint64, sets []eraprim.Writeset) error {
			for _, ws := range sets {
				roots = append(roots, ws.Root)
			}
			return nil
		}, mark))
	for _, root := range roots {
		require.NoError(t, eratree.WalkBitset(md, root,
			func([]uint64) error { return nil }, mark))
	}
	require.NoError(t, eratree.WalkArray(md, sb.EraArrayRoot,
		func([]uint32) error { return nil }, mark))
	return seen
}

func TestRebuild(t *testing.T) {
	md := newTestMD(t, 256)
	buildImage(t, md)

	require.NoError(t, eraspace.Rebuild(context.Background(), md))

	raw, err := md.Block(eramd.Cached, 0, eraprim.SuperblockCSumXor)
	require.NoError(t, err)
	sb := eraprim.UnmarshalSuperblock(raw)
	require.NoError(t, eraprim.CheckSuperblock(sb))

	// the held metadata snapshot is dropped
	assert.Equal(t, uint64(0), sb.MetadataSnap)

	sm := eraprim.UnmarshalSpaceMapRoot(sb.SpaceMapRoot)
	assert.Equal(t, md.Blocks, sm.NrBlocks)
	assert.NotZero(t, sm.BitmapRoot)
	assert.NotZero(t, sm.RefCountRoot)

	refcnt, err := eraspace.Refcounts(md, sm)
	require.NoError(t, err)

	// every reachable block is counted exactly once, and the new
	// space map counts itself
	seen := reachable(t, md, sb)
	seen[sm.BitmapRoot] = true
	seen[sm.RefCountRoot] = true
	nrBitmaps := (md.Blocks + eraprim.EntriesPerBlock - 1) / eraprim.EntriesPerBlock
	idx, err := md.Block(eramd.Cached, sm.BitmapRoot, eraprim.IndexCSumXor)
	require.NoError(t, err)
	for i := uint64(0); i < nrBitmaps; i++ {
		seen[eraprim.UnmarshalIndexEntry(idx, int(i)).BlockNr] = true
	}

	var allocated uint64
	for nr, count := range refcnt {
		if seen[uint64(nr)] {
			assert.Equal(t, uint8(1), count, "block %d should be allocated", nr)
			allocated++
		} else {
			assert.Equal(t, uint8(0), count, "block %d should be free", nr)
		}
	}
	assert.Equal(t, allocated, sm.NrAllocated)

	// the overflow tree root is an empty leaf
	leaf, err := md.Block(0, sm.RefCountRoot, eraprim.BTreeCSumXor)
	require.NoError(t, err)
	hdr := eraprim.UnmarshalNodeHeader(leaf)
	assert.Equal(t, eraprim.LeafNode, hdr.Flags)
	assert.Zero(t, hdr.NrEntries)
	assert.Equal(t, uint32(4), hdr.ValueSize)
	assert.Zero(t, hdr.MaxEntries%3)
}

func TestRebuildIdempotent(t *testing.T) {
	md := newTestMD(t, 256)
	buildImage(t, md)

	require.NoError(t, eraspace.Rebuild(context.Background(), md))

	raw, err := md.Block(0, 0, eraprim.SuperblockCSumXor)
	require.NoError(t, err)
	sm1 := eraprim.UnmarshalSpaceMapRoot(eraprim.UnmarshalSuperblock(raw).SpaceMapRoot)
	first, err := eraspace.Refcounts(md, sm1)
	require.NoError(t, err)

	require.NoError(t, eraspace.Rebuild(context.Background(), md))

	raw, err = md.Block(0, 0, eraprim.SuperblockCSumXor)
	require.NoError(t, err)
	sm2 := eraprim.UnmarshalSpaceMapRoot(eraprim.UnmarshalSuperblock(raw).SpaceMapRoot)
	second, err := eraspace.Refcounts(md, sm2)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, sm1.NrAllocated, sm2.NrAllocated)
}

func TestRebuildDetectsSharedBlock(t *testing.T) {
	md := newTestMD(t, 256)
	b := erabuild.New(md, 1)
	b.ArrayCap = 16
	b.BTreeCap = 6

	words := make([]uint64, (testNrBlocks+63)/64)
	bitset, err := b.BuildBitset(words)
	require.NoError(t, err)

	// two archived writesets sharing one bitset
	wsRoot, err := b.BuildWritesetTree([]erabuild.WritesetEntry{
		{Era: 2, Writeset: eraprim.Writeset{NrBits: testNrBlocks, Root: bitset}},
		{Era: 4, Writeset: eraprim.Writeset{NrBits: testNrBlocks, Root: bitset}},
	})
	require.NoError(t, err)

	eras := make([]uint32, testNrBlocks)
	arrayRoot, err := b.BuildEraArray(eras)
	require.NoError(t, err)

	require.NoError(t, b.WriteSuperblock(eraprim.Superblock{
		Magic:             eraprim.SuperblockMagic,
		Version:           1,
		DataBlockSize:     128,
		MetadataBlockSize: eraprim.MetadataBlockSectors,
		NrBlocks:          testNrBlocks,
		WritesetTreeRoot:  wsRoot,
		EraArrayRoot:      arrayRoot,
	}))

	err = eraspace.Rebuild(context.Background(), md)
	require.ErrorIs(t, err, eraprim.ErrCorrupt)

	// the superblock was not touched
	raw, err := md.Block(0, 0, eraprim.SuperblockCSumXor)
	require.NoError(t, err)
	assert.Equal(t, uint64(wsRoot), eraprim.UnmarshalSuperblock(raw).WritesetTreeRoot)
}

func TestRebuildChecksCounts(t *testing.T) {
	md := newTestMD(t, 256)
	b := erabuild.New(md, 1)
	b.ArrayCap = 16
	b.BTreeCap = 6

	// era array one entry short
	eras := make([]uint32, testNrBlocks-1)
	arrayRoot, err := b.BuildEraArray(eras)
	require.NoError(t, err)
	wsRoot, err := b.BuildWritesetTree(nil)
	require.NoError(t, err)

	require.NoError(t, b.WriteSuperblock(eraprim.Superblock{
		Magic:             eraprim.SuperblockMagic,
		Version:           1,
		DataBlockSize:     128,
		MetadataBlockSize: eraprim.MetadataBlockSectors,
		NrBlocks:          testNrBlocks,
		WritesetTreeRoot:  wsRoot,
		EraArrayRoot:      arrayRoot,
	}))

	err = eraspace.Rebuild(context.Background(), md)
	require.ErrorIs(t, err, eraprim.ErrCorrupt)
}
