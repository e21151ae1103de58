// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/004helix/erasetup-go/lib/eractl"
	"github.com/004helix/erasetup-go/lib/eradev"
	"github.com/004helix/erasetup-go/lib/eramd"
	"github.com/004helix/erasetup-go/lib/eraprim"
	"github.com/004helix/erasetup-go/lib/erasnap"
	"github.com/004helix/erasetup-go/lib/textui"
)

type superblockDump struct {
	Checksum            uint32 `json:"checksum"`
	Flags               uint32 `json:"flags"`
	BlockNr             uint64 `json:"blocknr"`
	UUID                string `json:"uuid"`
	Magic               uint64 `json:"magic"`
	Version             uint32 `json:"version"`
	DataBlockSize       uint32 `json:"data_block_size"`
	MetadataBlockSize   uint32 `json:"metadata_block_size"`
	NrBlocks            uint32 `json:"nr_blocks"`
	CurrentEra          uint32 `json:"current_era"`
	CurrentWritesetBits uint32 `json:"current_writeset_bits"`
	CurrentWritesetRoot uint64 `json:"current_writeset_root"`
	WritesetTreeRoot    uint64 `json:"writeset_tree_root"`
	EraArrayRoot        uint64 `json:"era_array_root"`
	MetadataSnap        uint64 `json:"metadata_snap"`

	SpaceMap *spaceMapDump `json:"space_map,omitempty"`
}

type spaceMapDump struct {
	NrBlocks     uint64 `json:"nr_blocks"`
	NrAllocated  uint64 `json:"nr_allocated"`
	BitmapRoot   uint64 `json:"bitmap_root"`
	RefCountRoot uint64 `json:"ref_count_root"`
}

func dumpEraSuperblock(ctx context.Context, md *eramd.MD, verbose bool, format string) error {
	raw, err := md.Block(eramd.Cached, 0, eraprim.SuperblockCSumXor)
	if err != nil {
		return err
	}
	sb := eraprim.UnmarshalSuperblock(raw)
	if err := eraprim.CheckSuperblock(sb); err != nil {
		return err
	}
	dlog.Tracef(ctx, "superblock: %s", spew.Sdump(sb))

	sm := eraprim.UnmarshalSpaceMapRoot(sb.SpaceMapRoot)

	if format == "json" {
		dump := superblockDump{
			Checksum:            sb.CSum,
			Flags:               sb.Flags,
			BlockNr:             sb.BlockNr,
			UUID:                sb.UUID.String(),
			Magic:               sb.Magic,
			Version:             sb.Version,
			DataBlockSize:       sb.DataBlockSize,
			MetadataBlockSize:   sb.MetadataBlockSize,
			NrBlocks:            sb.NrBlocks,
			CurrentEra:          sb.CurrentEra,
			CurrentWritesetBits: sb.CurrentWriteset.NrBits,
			CurrentWritesetRoot: sb.CurrentWriteset.Root,
			WritesetTreeRoot:    sb.WritesetTreeRoot,
			EraArrayRoot:        sb.EraArrayRoot,
			MetadataSnap:        sb.MetadataSnap,
			SpaceMap: &spaceMapDump{
				NrBlocks:     sm.NrBlocks,
				NrAllocated:  sm.NrAllocated,
				BitmapRoot:   sm.BitmapRoot,
				RefCountRoot: sm.RefCountRoot,
			},
		}
		return writeJSON(dump)
	}

	out := os.Stdout
	if verbose {
		textui.Fprintf(out, "checksum:                    0x%08X\n", sb.CSum)
		textui.Fprintf(out, "flags:                       0x%08X\n", sb.Flags)
		textui.Fprintf(out, "blocknr:                     %d\n", sb.BlockNr)
	}
	textui.Fprintf(out, "uuid:                        %s\n", sb.UUID)
	if verbose {
		textui.Fprintf(out, "magic:                       %d\n", sb.Magic)
		textui.Fprintf(out, "version:                     %d\n", sb.Version)
	}
	textui.Fprintf(out, "data block size:             %d sectors\n", sb.DataBlockSize)
	textui.Fprintf(out, "metadata block size:         %d sectors\n", sb.MetadataBlockSize)
	textui.Fprintf(out, "total data blocks:           %d\n", sb.NrBlocks)
	textui.Fprintf(out, "current era:                 %d\n", sb.CurrentEra)
	if verbose {
		textui.Fprintf(out, "current writeset/total bits: %d\n", sb.CurrentWriteset.NrBits)
		textui.Fprintf(out, "current writeset/root:       %d\n", sb.CurrentWriteset.Root)
		textui.Fprintf(out, "writeset tree root:          %d\n", sb.WritesetTreeRoot)
		textui.Fprintf(out, "era array root:              %d\n", sb.EraArrayRoot)
	}
	textui.Fprintf(out, "metadata snapshot:           %d\n", sb.MetadataSnap)
	if verbose {
		textui.Fprintf(out, "total metadata blocks:       %d\n", sm.NrBlocks)
		textui.Fprintf(out, "allocated metadata blocks:   %d\n", sm.NrAllocated)
		textui.Fprintf(out, "bitmap root:                 %d\n", sm.BitmapRoot)
		textui.Fprintf(out, "ref count root:              %d\n", sm.RefCountRoot)
	}
	return nil
}

func dumpSnapSuperblock(ctx context.Context, md *eramd.MD, verbose bool, format string) error {
	sb, err := erasnap.ReadSuperblock(md)
	if err != nil {
		return err
	}
	dlog.Tracef(ctx, "snapshot superblock: %s", spew.Sdump(sb))

	if format == "json" {
		return writeJSON(superblockDump{
			Checksum:          sb.CSum,
			Flags:             sb.Flags,
			BlockNr:           sb.BlockNr,
			UUID:              sb.UUID.String(),
			Magic:             uint64(sb.Magic),
			Version:           sb.Version,
			DataBlockSize:     sb.DataBlockSize,
			MetadataBlockSize: sb.MetadataBlockSize,
			NrBlocks:          sb.NrBlocks,
			CurrentEra:        sb.SnapshotEra,
		})
	}

	out := os.Stdout
	if verbose {
		textui.Fprintf(out, "checksum:                    0x%08X\n", sb.CSum)
		textui.Fprintf(out, "flags:                       0x%08X\n", sb.Flags)
		textui.Fprintf(out, "blocknr:                     %d\n", sb.BlockNr)
		textui.Fprintf(out, "magic:                       %d\n", sb.Magic)
		textui.Fprintf(out, "version:                     %d\n", sb.Version)
	}
	textui.Fprintf(out, "uuid:                        %s\n", sb.UUID)
	textui.Fprintf(out, "data block size:             %d sectors\n", sb.DataBlockSize)
	textui.Fprintf(out, "metadata block size:         %d sectors\n", sb.MetadataBlockSize)
	textui.Fprintf(out, "total data blocks:           %d\n", sb.NrBlocks)
	textui.Fprintf(out, "snapshot era:                %d\n", sb.SnapshotEra)
	return nil
}

func init() {
	var formatFlag string
	var snapshotFlag bool
	var verboseDump bool
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "dumpsb METADATA_DEV",
			Short: "Dump the superblock of a metadata or snapshot device",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		NoDM: true,
		RunE: func(ctx context.Context, _ *eractl.Ctl, args []string) error {
			md, err := eradev.OpenMD(args[0], false)
			if err != nil {
				return err
			}
			defer func() { _ = md.Close() }()

			if snapshotFlag {
				return dumpSnapSuperblock(ctx, md, verboseDump, formatFlag)
			}
			return dumpEraSuperblock(ctx, md, verboseDump, formatFlag)
		},
	}
	cmd.Command.Flags().StringVar(&formatFlag, "format", "text", "output `format`: text or json")
	cmd.Command.Flags().BoolVar(&snapshotFlag, "snapshot", false, "the device holds a snapshot superblock")
	cmd.Command.Flags().BoolVar(&verboseDump, "all", false, "include checksum, root and space-map fields")
	commands = append(commands, cmd)
}
