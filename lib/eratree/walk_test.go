// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eratree_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/004helix/erasetup-go/lib/diskio"
	"github.com/004helix/erasetup-go/lib/erabuild"
	"github.com/004helix/erasetup-go/lib/eramd"
	"github.com/004helix/erasetup-go/lib/eraprim"
	"github.com/004helix/erasetup-go/lib/eratree"
)

func newTestMD(t *testing.T, blocks int) *eramd.MD {
	t.Helper()
	file := diskio.NewMemFile[int64]("test-md", int64(blocks)*eraprim.BlockSize)
	return eramd.New(file, 0, 0)
}

// newTestBuilder returns a builder with tiny node capacities so that
// even small data sets produce multi-level trees.
func newTestBuilder(md *eramd.MD) *erabuild.Builder {
	b := erabuild.New(md, 1)
	b.ArrayCap = 4
	b.BTreeCap = 6
	return b
}

func TestWalkArray(t *testing.T) {
	md := newTestMD(t, 256)
	b := newTestBuilder(md)

	eras := make([]uint32, 37)
	for i := range eras {
		eras[i] = uint32(100 + i)
	}
	root, err := b.BuildEraArray(eras)
	require.NoError(t, err)

	var got []uint32
	sentinels := 0
	var visited []uint64
	err = eratree.WalkArray(md, root, func(leaf []uint32) error {
		if len(leaf) == 0 {
			sentinels++
			return nil
		}
		got = append(got, leaf...)
		return nil
	}, func(nr uint64, _ []byte) error {
		visited = append(visited, nr)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, eras, got)
	assert.Equal(t, 1, sentinels, "end-of-walk sentinel must fire exactly once")
	// 37 values at 4 per array node = 10 array nodes, plus the
	// btree above them
	assert.GreaterOrEqual(t, len(visited), 12)
}

func TestWalkArrayEmpty(t *testing.T) {
	md := newTestMD(t, 16)
	b := newTestBuilder(md)

	root, err := b.BuildEraArray(nil)
	require.NoError(t, err)

	calls := 0
	err = eratree.WalkArray(md, root, func(leaf []uint32) error {
		calls++
		assert.Empty(t, leaf)
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWalkBitset(t *testing.T) {
	md := newTestMD(t, 64)
	b := newTestBuilder(md)

	words := []uint64{0b101, 0, ^uint64(0), 1 << 63, 7}
	root, err := b.BuildBitset(words)
	require.NoError(t, err)

	var got []uint64
	err = eratree.WalkBitset(md, root, func(leaf []uint64) error {
		got = append(got, leaf...)
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, words, got)
}

func TestWalkWritesets(t *testing.T) {
	md := newTestMD(t, 64)
	b := newTestBuilder(md)

	entries := []erabuild.WritesetEntry{
		{Era: 3, Writeset: eraprim.Writeset{NrBits: 128, Root: 77}},
		{Era: 5, Writeset: eraprim.Writeset{NrBits: 128, Root: 88}},
		{Era: 9, Writeset: eraprim.Writeset{NrBits: 128, Root: 99}},
	}
	root, err := b.BuildWritesetTree(entries)
	require.NoError(t, err)

	var gotEras []uint64
	var gotSets []eraprim.Writeset
	err = eratree.WalkWritesets(md, root, func(eras []uint64, sets []eraprim.Writeset) error {
		gotEras = append(gotEras, eras...)
		gotSets = append(gotSets, sets...)
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 5, 9}, gotEras)
	assert.Equal(t, []eraprim.Writeset{
		{NrBits: 128, Root: 77},
		{NrBits: 128, Root: 88},
		{NrBits: 128, Root: 99},
	}, gotSets)
}

func writeRawBTreeLeaf(t *testing.T, md *eramd.MD, nr uint64, mutate func(block []byte)) {
	t.Helper()
	block := make([]byte, eraprim.BlockSize)
	eraprim.MarshalNodeHeader(block, eraprim.NodeHeader{
		Flags:      eraprim.LeafNode,
		BlockNr:    nr,
		NrEntries:  0,
		MaxEntries: 252,
		ValueSize:  8,
	})
	if mutate != nil {
		mutate(block)
	}
	eraprim.StampBlock(block, eraprim.BTreeCSumXor)
	require.NoError(t, md.Write(nr, block))
}

func TestWalkRejectsBadNodes(t *testing.T) {
	le := binary.LittleEndian

	t.Run("checksum", func(t *testing.T) {
		md := newTestMD(t, 8)
		writeRawBTreeLeaf(t, md, 1, nil)
		raw, err := md.Block(eramd.NoCSum, 1, 0)
		require.NoError(t, err)
		corrupt := append([]byte(nil), raw...)
		corrupt[200] ^= 1
		require.NoError(t, md.Write(1, corrupt))

		err = eratree.WalkArray(md, 1, func([]uint32) error { return nil }, nil)
		require.ErrorIs(t, err, eraprim.ErrChecksum)
	})

	t.Run("self-blocknr", func(t *testing.T) {
		md := newTestMD(t, 8)
		writeRawBTreeLeaf(t, md, 1, func(block []byte) {
			le.PutUint64(block[8:], 5)
		})
		err := eratree.WalkArray(md, 1, func([]uint32) error { return nil }, nil)
		require.ErrorIs(t, err, eraprim.ErrCorrupt)
	})

	t.Run("flags", func(t *testing.T) {
		md := newTestMD(t, 8)
		writeRawBTreeLeaf(t, md, 1, func(block []byte) {
			le.PutUint32(block[4:], uint32(eraprim.InternalNode|eraprim.LeafNode))
		})
		err := eratree.WalkArray(md, 1, func([]uint32) error { return nil }, nil)
		require.ErrorIs(t, err, eraprim.ErrCorrupt)
	})

	t.Run("max-entries-not-multiple-of-3", func(t *testing.T) {
		md := newTestMD(t, 8)
		writeRawBTreeLeaf(t, md, 1, func(block []byte) {
			le.PutUint32(block[20:], 250)
		})
		err := eratree.WalkArray(md, 1, func([]uint32) error { return nil }, nil)
		require.ErrorIs(t, err, eraprim.ErrCorrupt)
	})

	t.Run("value-size", func(t *testing.T) {
		md := newTestMD(t, 8)
		writeRawBTreeLeaf(t, md, 1, func(block []byte) {
			le.PutUint32(block[24:], 4)
		})
		err := eratree.WalkArray(md, 1, func([]uint32) error { return nil }, nil)
		require.ErrorIs(t, err, eraprim.ErrCorrupt)
	})

	t.Run("keys-not-ascending", func(t *testing.T) {
		md := newTestMD(t, 8)
		writeRawBTreeLeaf(t, md, 1, func(block []byte) {
			le.PutUint32(block[16:], 2) // nr_entries
			le.PutUint64(block[eraprim.NodeHeaderSize:], 9)
			le.PutUint64(block[eraprim.NodeHeaderSize+8:], 9)
		})
		err := eratree.WalkArray(md, 1, func([]uint32) error { return nil }, nil)
		require.ErrorIs(t, err, eraprim.ErrCorrupt)
	})
}
