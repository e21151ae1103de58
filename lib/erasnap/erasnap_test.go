// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package erasnap_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/004helix/erasetup-go/lib/bitmaps"
	"github.com/004helix/erasetup-go/lib/diskio"
	"github.com/004helix/erasetup-go/lib/erabuild"
	"github.com/004helix/erasetup-go/lib/eramd"
	"github.com/004helix/erasetup-go/lib/eraprim"
	"github.com/004helix/erasetup-go/lib/erasnap"
)

func newTestMD(t *testing.T, blocks int) *eramd.MD {
	t.Helper()
	file := diskio.NewMemFile[int64]("test-md", int64(blocks)*eraprim.BlockSize)
	return eramd.New(file, 0, 0)
}

// buildMetadata writes a superblock plus era array and writeset tree
// onto md and returns the superblock.
func buildMetadata(t *testing.T, md *eramd.MD, eras []uint32, writesets map[uint32][]uint64) eraprim.Superblock {
	t.Helper()
	b := erabuild.New(md, 1)
	b.ArrayCap = 8
	b.BTreeCap = 6

	var entries []erabuild.WritesetEntry
	for era := uint32(0); era < 64; era++ {
		words, ok := writesets[era]
		if !ok {
			continue
		}
		root, err := b.BuildBitset(words)
		require.NoError(t, err)
		entries = append(entries, erabuild.WritesetEntry{
			Era:      uint64(era),
			Writeset: eraprim.Writeset{NrBits: uint32(len(eras)), Root: root},
		})
	}
	wsRoot, err := b.BuildWritesetTree(entries)
	require.NoError(t, err)

	arrayRoot, err := b.BuildEraArray(eras)
	require.NoError(t, err)

	sb := eraprim.Superblock{
		Magic:             eraprim.SuperblockMagic,
		Version:           1,
		DataBlockSize:     128,
		MetadataBlockSize: eraprim.MetadataBlockSectors,
		NrBlocks:          uint32(len(eras)),
		CurrentEra:        10,
		WritesetTreeRoot:  wsRoot,
		EraArrayRoot:      arrayRoot,
	}
	require.NoError(t, b.WriteSuperblock(sb))
	return sb
}

func snapEras(t *testing.T, sn *eramd.MD, entries int) []uint32 {
	t.Helper()
	out := make([]uint32, entries)
	for i := range out {
		nr := uint64(1 + i/eraprim.ErasPerBlock)
		node, err := sn.Block(eramd.Cached, nr, eraprim.SnapshotCSumXor)
		require.NoError(t, err)
		require.Equal(t, nr, eraprim.SnapNodeBlockNr(node))
		out[i] = eraprim.SnapNodeEra(node, i%eraprim.ErasPerBlock)
	}
	return out
}

func TestCopyFusesWritesets(t *testing.T) {
	ctx := context.Background()
	md := newTestMD(t, 128)
	sn := newTestMD(t, 16)

	// chunks 0 and 2 were written during era 5
	buildMetadata(t, md,
		[]uint32{1, 1, 2, 2, 3, 3, 4, 4},
		map[uint32][]uint64{5: {0b101}})

	require.NoError(t, erasnap.Copy(ctx, md, sn, 0, 8))
	assert.Equal(t, []uint32{5, 1, 5, 2, 3, 3, 4, 4}, snapEras(t, sn, 8))

	// the rest of the first node's slots stay zero
	node, err := sn.Block(0, 1, eraprim.SnapshotCSumXor)
	require.NoError(t, err)
	for i := 8; i < eraprim.ErasPerBlock; i++ {
		require.Zero(t, eraprim.SnapNodeEra(node, i))
	}
}

func TestCopyMultipleWritesetsTakeMax(t *testing.T) {
	ctx := context.Background()
	md := newTestMD(t, 128)
	sn := newTestMD(t, 16)

	buildMetadata(t, md,
		[]uint32{9, 0, 0, 0},
		map[uint32][]uint64{
			3: {0b1111},
			7: {0b0011},
		})

	require.NoError(t, erasnap.Copy(ctx, md, sn, 0, 4))
	assert.Equal(t, []uint32{9, 7, 3, 3}, snapEras(t, sn, 4))
}

func TestCopySpansNodes(t *testing.T) {
	ctx := context.Background()
	md := newTestMD(t, 256)
	sn := newTestMD(t, 16)

	entries := eraprim.ErasPerBlock + 10
	eras := make([]uint32, entries)
	for i := range eras {
		eras[i] = uint32(i)
	}
	buildMetadata(t, md, eras, nil)

	require.NoError(t, erasnap.Copy(ctx, md, sn, 0, uint32(entries)))
	assert.Equal(t, eras, snapEras(t, sn, entries))

	// the second node's tail is zero
	node, err := sn.Block(0, 2, eraprim.SnapshotCSumXor)
	require.NoError(t, err)
	for i := 10; i < eraprim.ErasPerBlock; i++ {
		require.Zero(t, eraprim.SnapNodeEra(node, i))
	}
}

func TestCopyEmpty(t *testing.T) {
	ctx := context.Background()
	md := newTestMD(t, 64)
	sn := newTestMD(t, 4)

	buildMetadata(t, md, nil, nil)
	require.NoError(t, erasnap.Copy(ctx, md, sn, 0, 0))
}

func TestCopyTruncatedArray(t *testing.T) {
	ctx := context.Background()
	md := newTestMD(t, 128)
	sn := newTestMD(t, 16)

	buildMetadata(t, md, []uint32{1, 2, 3}, nil)
	err := erasnap.Copy(ctx, md, sn, 0, 8)
	require.ErrorIs(t, err, eraprim.ErrCorrupt)
}

func TestGetBitmap(t *testing.T) {
	ctx := context.Background()
	md := newTestMD(t, 128)

	buildMetadata(t, md,
		make([]uint32, 70),
		map[uint32][]uint64{
			5: {0b101, 1 << 5},
			8: {0, 0},
		})

	bm, err := erasnap.GetBitmap(ctx, md, 5, 0, 70)
	require.NoError(t, err)
	assert.True(t, bm.Test(0))
	assert.False(t, bm.Test(1))
	assert.True(t, bm.Test(2))
	assert.True(t, bm.Test(69))
	assert.Equal(t, uint64(3), bm.Count())

	_, err = erasnap.GetBitmap(ctx, md, 6, 0, 70)
	require.ErrorIs(t, err, eraprim.ErrNotFound)

	_, err = erasnap.GetBitmap(ctx, md, 5, 0, 80)
	require.ErrorIs(t, err, eraprim.ErrCorrupt)
}

func TestDigest(t *testing.T) {
	ctx := context.Background()
	md := newTestMD(t, 256)
	sn := newTestMD(t, 16)

	entries := eraprim.ErasPerBlock + 100
	eras := make([]uint32, entries)
	buildMetadata(t, md, eras, nil)
	require.NoError(t, erasnap.Copy(ctx, md, sn, 0, uint32(entries)))

	before1, err := sn.Block(0, 1, eraprim.SnapshotCSumXor)
	require.NoError(t, err)
	node1 := append([]byte(nil), before1...)

	// only bits in the second node's range are set, so the first
	// node must not be rewritten
	bm := bitmaps.New(uint64(entries))
	bm.Set(uint64(eraprim.ErasPerBlock)) // slot 0 of node 2
	bm.Set(uint64(eraprim.ErasPerBlock + 99))

	require.NoError(t, erasnap.Digest(ctx, sn, 12, bm, uint32(entries)))

	after1, err := sn.Block(0, 1, eraprim.SnapshotCSumXor)
	require.NoError(t, err)
	assert.Equal(t, node1, append([]byte(nil), after1...))

	got := snapEras(t, sn, entries)
	assert.Equal(t, uint32(12), got[eraprim.ErasPerBlock])
	assert.Equal(t, uint32(12), got[eraprim.ErasPerBlock+99])
	assert.Equal(t, uint32(0), got[eraprim.ErasPerBlock+1])

	// digest never lowers an era
	bm2 := bitmaps.New(uint64(entries))
	bm2.Set(uint64(eraprim.ErasPerBlock))
	require.NoError(t, erasnap.Digest(ctx, sn, 3, bm2, uint32(entries)))
	got = snapEras(t, sn, entries)
	assert.Equal(t, uint32(12), got[eraprim.ErasPerBlock])
}

func TestSuperblockRoundTrip(t *testing.T) {
	sn := newTestMD(t, 4)

	sb := eraprim.SnapSuperblock{
		UUID:              eraprim.UUID{9, 9, 9},
		Magic:             eraprim.SnapSuperblockMagic,
		Version:           eraprim.SnapVersion,
		DataBlockSize:     128,
		MetadataBlockSize: eraprim.MetadataBlockSectors,
		NrBlocks:          8,
		SnapshotEra:       5,
	}
	require.NoError(t, erasnap.WriteSuperblock(sn, sb))

	got, err := erasnap.ReadSuperblock(sn)
	require.NoError(t, err)
	sb.CSum = got.CSum
	assert.Equal(t, sb, got)
}
