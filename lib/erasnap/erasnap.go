// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package erasnap composes a consistent image of the era metadata
// into a snapshot device: a dense per-chunk era array fused with the
// archived writeset bitsets, plus the snapshot superblock.
package erasnap

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/004helix/erasetup-go/lib/bitmaps"
	"github.com/004helix/erasetup-go/lib/eramd"
	"github.com/004helix/erasetup-go/lib/eraprim"
	"github.com/004helix/erasetup-go/lib/eratree"
)

// SnapBlocks returns the number of snapshot-array nodes needed for
// nrBlocks chunks.
func SnapBlocks(nrBlocks uint32) uint64 {
	return (uint64(nrBlocks) + eraprim.ErasPerBlock - 1) / eraprim.ErasPerBlock
}

// archived is one writeset loaded into memory for fusion.
type archived struct {
	era    uint32
	nrBits uint32
	bitmap *bitmaps.Bitmap
}

func loadBitset(md *eramd.MD, root uint64, nrBits uint32) (*bitmaps.Bitmap, error) {
	bm := bitmaps.New(uint64(nrBits))
	k := 0
	err := eratree.WalkBitset(md, root, func(words []uint64) error {
		for _, word := range words {
			if k >= bm.Words() {
				// trailing words beyond the declared bit
				// count carry no information
				return nil
			}
			bm.AppendWord(k, word)
			k++
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return bm, nil
}

// Copy reads the frozen superblock at sbBlock on md, loads every
// archived writeset, and streams the era array onto sn as
// snapshot-array nodes at blocks 1..ceil(entries/ErasPerBlock),
// fusing each era value with the writesets on the way:  a chunk whose
// bit is set in the writeset of era K has been written at least as
// recently as era K.
func Copy(ctx context.Context, md, sn *eramd.MD, sbBlock uint64, entries uint32) error {
	raw, err := md.Block(eramd.Cached, sbBlock, eraprim.SuperblockCSumXor)
	if err != nil {
		return err
	}
	sb := eraprim.UnmarshalSuperblock(raw)
	if err := eraprim.CheckSuperblock(sb); err != nil {
		return err
	}

	eraArrayRoot := sb.EraArrayRoot
	writesetTreeRoot := sb.WritesetTreeRoot

	// read all archived writesets and their bitsets
	md.Flush()

	var writesets []archived
	err = eratree.WalkWritesets(md, writesetTreeRoot,
		func(eras []uint64, sets []eraprim.Writeset) error {
			for i, ws := range sets {
				bm, err := loadBitset(md, ws.Root, ws.NrBits)
				if err != nil {
					return err
				}
				writesets = append(writesets, archived{
					era:    uint32(eras[i]),
					nrBits: ws.NrBits,
					bitmap: bm,
				})
			}
			return nil
		}, nil)
	if err != nil {
		return err
	}

	dlog.Debugf(ctx, "snapshot: fusing %d archived writesets", len(writesets))

	// stream the era array into snapshot-array nodes
	md.Flush()

	node := make([]byte, eraprim.BlockSize)
	var total uint32 // chunk cursor
	var cur int      // slot within the node under construction
	outNr := uint64(1)

	flushNode := func() error {
		eraprim.SetSnapNodeBlockNr(node, outNr)
		eraprim.StampBlock(node, eraprim.SnapshotCSumXor)
		if err := sn.Write(outNr, node); err != nil {
			return err
		}
		outNr++
		cur = 0
		for i := range node {
			node[i] = 0
		}
		return nil
	}

	err = eratree.WalkArray(md, eraArrayRoot, func(eras []uint32) error {
		if len(eras) == 0 {
			// end of walk: flush the partial node, tail
			// slots left zero
			if cur == 0 {
				return nil
			}
			return flushNode()
		}
		for _, era := range eras {
			if cur == eraprim.ErasPerBlock {
				if err := flushNode(); err != nil {
					return err
				}
			}
			if total >= entries {
				return nil
			}
			for _, ws := range writesets {
				if total >= ws.nrBits || !ws.bitmap.Test(uint64(total)) {
					continue
				}
				if ws.era > era {
					era = ws.era
				}
			}
			eraprim.SetSnapNodeEra(node, cur, era)
			total++
			cur++
		}
		return nil
	}, nil)
	if err != nil {
		return err
	}

	if total < entries {
		return fmt.Errorf("truncated era array: %d of %d entries: %w",
			total, entries, eraprim.ErrCorrupt)
	}

	return nil
}

// GetBitmap locates the writeset archived for era in the metadata
// rooted at sbBlock, requires its size to be entries bits, and
// returns its bitset loaded into memory.
func GetBitmap(ctx context.Context, md *eramd.MD, era uint32, sbBlock uint64, entries uint32) (*bitmaps.Bitmap, error) {
	raw, err := md.Block(eramd.Cached, sbBlock, eraprim.SuperblockCSumXor)
	if err != nil {
		return nil, err
	}
	sb := eraprim.UnmarshalSuperblock(raw)
	if err := eraprim.CheckSuperblock(sb); err != nil {
		return nil, err
	}

	md.Flush()

	var found eraprim.Writeset
	err = eratree.WalkWritesets(md, sb.WritesetTreeRoot,
		func(eras []uint64, sets []eraprim.Writeset) error {
			for i := range eras {
				if eras[i] == uint64(era) {
					found = sets[i]
				}
			}
			return nil
		}, nil)
	if err != nil {
		return nil, err
	}

	if found.Root == 0 || found.NrBits == 0 {
		return nil, fmt.Errorf("can't find writeset for era %d: %w", era, eraprim.ErrNotFound)
	}
	if found.NrBits != entries {
		return nil, fmt.Errorf("wrong bitset size: expected %d, but got %d: %w",
			entries, found.NrBits, eraprim.ErrCorrupt)
	}

	dlog.Debugf(ctx, "found bitset root in block %d for era %d", found.Root, era)

	return loadBitset(md, found.Root, found.NrBits)
}

// Digest folds a current-era bitmap into the snapshot-array already
// written on sn: every chunk whose bit is set gets its era raised to
// era.  Nodes whose covered range has no bits set are not touched.
func Digest(ctx context.Context, sn *eramd.MD, era uint32, bm *bitmaps.Bitmap, entries uint32) error {
	snapBlocks := SnapBlocks(entries)
	var touched int

	for b := uint64(0); b < snapBlocks; b++ {
		base := b * eraprim.ErasPerBlock
		limit := base + eraprim.ErasPerBlock
		if limit > uint64(entries) {
			limit = uint64(entries)
		}
		if !bm.AnySet(base, limit) {
			continue
		}

		nr := 1 + b
		node, err := sn.Block(0, nr, eraprim.SnapshotCSumXor)
		if err != nil {
			return err
		}
		if got := eraprim.SnapNodeBlockNr(node); got != nr {
			return fmt.Errorf("bad snapshot node: block number incorrect (want: %d, on disk: %d): %w",
				nr, got, eraprim.ErrCorrupt)
		}

		for i := base; i < limit; i++ {
			if !bm.Test(i) {
				continue
			}
			slot := int(i - base)
			if eraprim.SnapNodeEra(node, slot) < era {
				eraprim.SetSnapNodeEra(node, slot, era)
			}
		}

		eraprim.StampBlock(node, eraprim.SnapshotCSumXor)
		if err := sn.Write(nr, node); err != nil {
			return err
		}
		touched++
	}

	dlog.Debugf(ctx, "snapshot: digest for era %d rewrote %d of %d nodes", era, touched, snapBlocks)
	return nil
}

// ReadSuperblock reads and validates the snapshot superblock.
func ReadSuperblock(sn *eramd.MD) (eraprim.SnapSuperblock, error) {
	raw, err := sn.Block(0, 0, eraprim.SnapSuperblockCSumXor)
	if err != nil {
		return eraprim.SnapSuperblock{}, err
	}
	sb := eraprim.UnmarshalSnapSuperblock(raw)
	if err := eraprim.CheckSnapSuperblock(sb); err != nil {
		return eraprim.SnapSuperblock{}, err
	}
	return sb, nil
}

// WriteSuperblock writes the snapshot superblock at block 0.
func WriteSuperblock(sn *eramd.MD, sb eraprim.SnapSuperblock) error {
	return sn.Write(0, eraprim.MarshalSnapSuperblock(sb))
}
