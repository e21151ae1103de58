// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package eraspace reads and rebuilds the reference-count space map
// describing which metadata blocks are live.
package eraspace

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/004helix/erasetup-go/lib/bitmaps"
	"github.com/004helix/erasetup-go/lib/eramd"
	"github.com/004helix/erasetup-go/lib/eraprim"
	"github.com/004helix/erasetup-go/lib/eratree"
)

// MaxBlocks is the largest metadata length a single index node can
// describe: 255 bitmap blocks of 16320 entries each.
const MaxBlocks = eraprim.MaxMetadataBitmaps * eraprim.EntriesPerBlock

// Refcounts decodes the on-disk space map and returns one reference
// count per metadata block.  Counts of 3 mean "3 or more"; the exact
// value lives in the overflow tree, which the rebuilt map never uses.
func Refcounts(md *eramd.MD, root eraprim.SpaceMapRoot) ([]uint8, error) {
	idx, err := md.Block(eramd.Cached, root.BitmapRoot, eraprim.IndexCSumXor)
	if err != nil {
		return nil, err
	}
	if got := eraprim.IndexBlockNr(idx); got != root.BitmapRoot {
		return nil, fmt.Errorf("bad index node: block number incorrect (want: %d, on disk: %d): %w",
			root.BitmapRoot, got, eraprim.ErrCorrupt)
	}

	nrBlocks := root.NrBlocks
	if nrBlocks > uint64(MaxBlocks) {
		return nil, fmt.Errorf("space map covers %d blocks, above the %d limit: %w",
			nrBlocks, MaxBlocks, eraprim.ErrUnsupported)
	}

	refcnt := make([]uint8, nrBlocks)
	total := uint64(0)
	nrIE := (nrBlocks + eraprim.EntriesPerBlock - 1) / eraprim.EntriesPerBlock
	for i := uint64(0); i < nrIE; i++ {
		// the index node view is pinned, so re-reading the
		// entry after the bitmap read below is not needed
		ie := eraprim.UnmarshalIndexEntry(idx, int(i))

		bmp, err := md.Block(0, ie.BlockNr, eraprim.BitmapCSumXor)
		if err != nil {
			return nil, err
		}
		if got := eraprim.BitmapBlockNr(bmp); got != ie.BlockNr {
			return nil, fmt.Errorf("bad bitmap node: block number incorrect (want: %d, on disk: %d): %w",
				ie.BlockNr, got, eraprim.ErrCorrupt)
		}

		for j := 0; j < eraprim.EntriesPerBlock && total < nrBlocks; j++ {
			refcnt[total] = eraprim.BitmapGet(bmp, j)
			total++
		}
	}

	return refcnt, nil
}

// Rebuild replaces the on-disk space map with one derived entirely
// from reachability, and drops any in-flight metadata snapshot.  Any
// inconsistency found while walking leaves the device untouched; the
// superblock rewrite at the end is the single durable side effect.
func Rebuild(ctx context.Context, md *eramd.MD) error {
	nrMeta := md.Blocks
	if nrMeta > uint64(MaxBlocks) {
		dlog.Warnf(ctx, "metadata device too large, limiting to %d blocks", MaxBlocks)
		nrMeta = MaxBlocks
	}

	md.Flush()

	raw, err := md.Block(eramd.Cached, 0, eraprim.SuperblockCSumXor)
	if err != nil {
		return err
	}
	sb := eraprim.UnmarshalSuperblock(raw)
	if err := eraprim.CheckSuperblock(sb); err != nil {
		return err
	}

	inuse := bitmaps.New(nrMeta)
	inuse.Set(0) // superblock

	mark := func(nr uint64, _ []byte) error {
		if nr >= nrMeta {
			return fmt.Errorf("reachable block %d beyond metadata length %d: %w",
				nr, nrMeta, eraprim.ErrUnsupported)
		}
		if inuse.TestAndSet(nr) {
			return fmt.Errorf("block %d reachable twice: %w", nr, eraprim.ErrCorrupt)
		}
		return nil
	}

	nrBits := uint64(sb.NrBlocks)
	wantWords := (nrBits + 63) / 64

	countBitset := func(root uint64) error {
		var words uint64
		err := eratree.WalkBitset(md, root, func(w []uint64) error {
			words += uint64(len(w))
			return nil
		}, mark)
		if err != nil {
			return err
		}
		if words != wantWords {
			return fmt.Errorf("bitset %d: %d words, expected %d: %w",
				root, words, wantWords, eraprim.ErrCorrupt)
		}
		return nil
	}

	if sb.CurrentWriteset.Root != 0 {
		if err := countBitset(sb.CurrentWriteset.Root); err != nil {
			return err
		}
	}

	var roots []uint64
	err = eratree.WalkWritesets(md, sb.WritesetTreeRoot,
		func(eras []uint64, sets []eraprim.Writeset) error {
			for i, ws := range sets {
				if uint64(ws.NrBits) != nrBits {
					return fmt.Errorf("writeset for era %d: %d bits, expected %d: %w",
						eras[i], ws.NrBits, nrBits, eraprim.ErrCorrupt)
				}
				roots = append(roots, ws.Root)
			}
			return nil
		}, mark)
	if err != nil {
		return err
	}
	for _, root := range roots {
		if err := countBitset(root); err != nil {
			return err
		}
	}

	var nrEras uint64
	err = eratree.WalkArray(md, sb.EraArrayRoot, func(eras []uint32) error {
		nrEras += uint64(len(eras))
		return nil
	}, mark)
	if err != nil {
		return err
	}
	if nrEras != uint64(sb.NrBlocks) {
		return fmt.Errorf("era array has %d entries, expected %d: %w",
			nrEras, sb.NrBlocks, eraprim.ErrCorrupt)
	}

	// reachability is settled; allocate the new space map itself
	alloc := func() (uint64, error) {
		nr := inuse.NextClear(0)
		if nr == inuse.Len() {
			return 0, fmt.Errorf("no free metadata blocks: %w", eraprim.ErrIO)
		}
		inuse.Set(nr)
		return nr, nil
	}

	indexBlock, err := alloc()
	if err != nil {
		return err
	}
	refCountRoot, err := alloc()
	if err != nil {
		return err
	}
	nrBitmaps := (nrMeta + eraprim.EntriesPerBlock - 1) / eraprim.EntriesPerBlock
	bitmapBlocks := make([]uint64, nrBitmaps)
	for i := range bitmapBlocks {
		if bitmapBlocks[i], err = alloc(); err != nil {
			return err
		}
	}

	dlog.Debugf(ctx, "space map: index block %d, %d bitmap blocks, %d of %d blocks in use",
		indexBlock, nrBitmaps, inuse.Count(), nrMeta)

	block := make([]byte, eraprim.BlockSize)

	entries := make([]eraprim.IndexEntry, nrBitmaps)
	for i, nr := range bitmapBlocks {
		for j := range block {
			block[j] = 0
		}
		base := uint64(i) * eraprim.EntriesPerBlock
		covered := uint64(eraprim.EntriesPerBlock)
		if base+covered > nrMeta {
			covered = nrMeta - base
		}
		var used uint32
		for j := uint64(0); j < covered; j++ {
			if inuse.Test(base + j) {
				eraprim.BitmapSet(block, int(j), 1)
				used++
			}
		}
		eraprim.SetBitmapBlockNr(block, nr)
		eraprim.StampBlock(block, eraprim.BitmapCSumXor)
		if err := md.Write(nr, block); err != nil {
			return err
		}
		entries[i] = eraprim.IndexEntry{
			BlockNr: nr,
			NrFree:  uint32(covered) - used,
		}
	}

	// empty reference-count overflow tree
	for j := range block {
		block[j] = 0
	}
	maxEntries := eraprim.BTreeMaxEntries(4)
	eraprim.MarshalNodeHeader(block, eraprim.NodeHeader{
		Flags:      eraprim.LeafNode,
		BlockNr:    refCountRoot,
		NrEntries:  0,
		MaxEntries: maxEntries - maxEntries%3,
		ValueSize:  4,
	})
	eraprim.StampBlock(block, eraprim.BTreeCSumXor)
	if err := md.Write(refCountRoot, block); err != nil {
		return err
	}

	// index node
	for j := range block {
		block[j] = 0
	}
	eraprim.SetIndexBlockNr(block, indexBlock)
	for i, ie := range entries {
		eraprim.MarshalIndexEntry(block, i, ie)
	}
	eraprim.StampBlock(block, eraprim.IndexCSumXor)
	if err := md.Write(indexBlock, block); err != nil {
		return err
	}

	// superblock: drop any held metadata snapshot and swap in the
	// new space-map root
	sb.MetadataSnap = 0
	sb.SpaceMapRoot = eraprim.MarshalSpaceMapRoot(eraprim.SpaceMapRoot{
		NrBlocks:     nrMeta,
		NrAllocated:  inuse.Count(),
		BitmapRoot:   indexBlock,
		RefCountRoot: refCountRoot,
	})
	if err := md.Write(0, eraprim.MarshalSuperblock(sb)); err != nil {
		return err
	}

	md.Flush()
	return nil
}
