// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eractl

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/datawire/dlib/dlog"

	"github.com/004helix/erasetup-go/lib/eradev"
	"github.com/004helix/erasetup-go/lib/eradm"
	"github.com/004helix/erasetup-go/lib/eramd"
	"github.com/004helix/erasetup-go/lib/eraprim"
	"github.com/004helix/erasetup-go/lib/eraspace"
)

// Chunk size limits, in sectors.
const (
	MinChunkSectors = 8   // 4 KiB
	DefChunkSectors = 128 // 64 KiB
)

// ParseChunk parses a chunk size argument: a plain sector count with
// an "s" suffix, a byte count with an optional k/m/g suffix, or bare
// bytes.  The result is in sectors.
func ParseChunk(s string) (uint32, error) {
	str := strings.TrimSpace(s)
	if str == "" {
		return 0, fmt.Errorf("can't parse chunk size: %q: %w", s, eraprim.ErrArg)
	}

	mult := uint64(1)
	sectors := false
	switch str[len(str)-1] {
	case 's', 'S':
		sectors = true
		str = str[:len(str)-1]
	case 'k', 'K':
		mult = 1 << 10
		str = str[:len(str)-1]
	case 'm', 'M':
		mult = 1 << 20
		str = str[:len(str)-1]
	case 'g', 'G':
		mult = 1 << 30
		str = str[:len(str)-1]
	}

	n, err := strconv.ParseUint(str, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("can't parse chunk size: %q: %w", s, eraprim.ErrArg)
	}

	var chunk uint64
	if sectors {
		chunk = n
	} else {
		bytes := n * mult
		if bytes%eraprim.SectorSize != 0 {
			return 0, fmt.Errorf("chunk size is not divisible by %d: %w",
				eraprim.SectorSize, eraprim.ErrArg)
		}
		chunk = bytes >> eraprim.SectorShift
	}

	if chunk < MinChunkSectors {
		return 0, fmt.Errorf("chunk too small, minimum is %d bytes: %w",
			MinChunkSectors<<eraprim.SectorShift, eraprim.ErrArg)
	}
	if chunk > 1<<31 {
		return 0, fmt.Errorf("chunk too big: %q: %w", s, eraprim.ErrArg)
	}
	return uint32(chunk), nil
}

// clearMetadata zeroes the superblock of a metadata device about to
// be reused.  Recognisable prior content is refused unless forced.
func (c *Ctl) clearMetadata(md *eramd.MD, device string) error {
	raw, err := md.Block(eramd.NoCSum, 0, 0)
	if err != nil {
		return err
	}

	sb := eraprim.UnmarshalSuperblock(raw)
	valid := sb.Magic == eraprim.SuperblockMagic &&
		eraprim.VerifyBlock(raw, 0, eraprim.SuperblockCSumXor) == nil
	supported := valid &&
		sb.Version >= eraprim.MinEraVersion && sb.Version <= eraprim.MaxEraVersion

	if !c.Force && !allZero(raw) {
		what := "existing data"
		switch {
		case supported:
			what = "valid era superblock"
		case valid:
			what = "unsupported era superblock"
		}
		return fmt.Errorf("%s found on %s: %w", what, device, eraprim.ErrUnsupported)
	}

	return md.Zero(0)
}

// Create builds a new era device pair: <name> (the era target) over
// <name>-orig (a linear target on the data device), with the metadata
// superblock zeroed for the kernel to initialise.
func (c *Ctl) Create(ctx context.Context, name, metaPath, dataPath string, chunk uint32) error {
	data, err := eradev.Open(dataPath, false)
	if err != nil {
		return err
	}
	sectors := data.Sectors
	dataMajor, dataMinor := data.Major, data.Minor
	_ = data.File.Close()

	md, err := eradev.OpenMD(metaPath, true)
	if err != nil {
		return err
	}
	defer func() { _ = md.Close() }()

	eraUUID := fmt.Sprintf("%s%d-%d", eraprim.UUIDPrefix, md.Major, md.Minor)
	origName := name + "-orig"
	origUUID := eraUUID + "-orig"

	if err := c.DM.CreateEmpty(name, eraUUID, nil); err != nil {
		return err
	}

	if err := c.clearMetadata(md, metaPath); err != nil {
		_ = c.DM.Remove(name)
		return err
	}

	var origInfo eradm.Info
	origTable := fmt.Sprintf("%d:%d 0", dataMajor, dataMinor)
	if err := c.DM.Create(origName, origUUID, sectors, eraprim.TargetLinear, origTable, &origInfo); err != nil {
		_ = c.DM.Remove(name)
		return err
	}

	eraTable := fmt.Sprintf("%d:%d %d:%d %d",
		md.Major, md.Minor, origInfo.Major, origInfo.Minor, chunk)
	dlog.Debugf(ctx, "era: %s %s", eraprim.TargetEra, eraTable)

	if err := c.DM.Load(name, sectors, eraprim.TargetEra, eraTable, nil); err != nil {
		_ = c.DM.Remove(origName)
		_ = c.DM.Remove(name)
		return err
	}
	if err := c.DM.Resume(name); err != nil {
		_ = c.DM.Remove(origName)
		_ = c.DM.Remove(name)
		return err
	}

	return nil
}

// Open re-activates an existing era device pair after a reboot or
// close: the space map is rebuilt from reachability, and the chunk
// count of the data device is verified against the superblock.
func (c *Ctl) Open(ctx context.Context, name, metaPath, dataPath string) error {
	data, err := eradev.Open(dataPath, false)
	if err != nil {
		return err
	}
	sectors := data.Sectors
	dataMajor, dataMinor := data.Major, data.Minor
	_ = data.File.Close()

	md, err := eradev.OpenMD(metaPath, true)
	if err != nil {
		return err
	}
	defer func() { _ = md.Close() }()

	raw, err := md.Block(eramd.Cached, 0, eraprim.SuperblockCSumXor)
	if err != nil {
		return err
	}
	sb := eraprim.UnmarshalSuperblock(raw)
	if err := eraprim.CheckSuperblock(sb); err != nil {
		return err
	}
	chunk := sb.DataBlockSize
	nrBlocks := sb.NrBlocks

	eraUUID := fmt.Sprintf("%s%d-%d", eraprim.UUIDPrefix, md.Major, md.Minor)
	origName := name + "-orig"
	origUUID := eraUUID + "-orig"

	if err := c.DM.CreateEmpty(name, eraUUID, nil); err != nil {
		return err
	}

	if err := eraspace.Rebuild(ctx, md); err != nil {
		_ = c.DM.Remove(name)
		return err
	}

	chunks := uint32((sectors + uint64(chunk) - 1) / uint64(chunk))
	if !c.Force && chunks != nrBlocks {
		_ = c.DM.Remove(name)
		return fmt.Errorf("can't open era device: data device resized:\n"+
			"  %d chunks in superblock\n"+
			"  %d chunks in %s\n"+
			"use \"--force\" if you really resized the data device and want\n"+
			"the era metadata adjusted accordingly: %w",
			nrBlocks, chunks, dataPath, eraprim.ErrUnsupported)
	}

	var origInfo eradm.Info
	origTable := fmt.Sprintf("%d:%d 0", dataMajor, dataMinor)
	if err := c.DM.Create(origName, origUUID, sectors, eraprim.TargetLinear, origTable, &origInfo); err != nil {
		_ = c.DM.Remove(name)
		return err
	}

	eraTable := fmt.Sprintf("%d:%d %d:%d %d",
		md.Major, md.Minor, origInfo.Major, origInfo.Minor, chunk)
	dlog.Debugf(ctx, "era: %s %s", eraprim.TargetEra, eraTable)

	if err := c.DM.Load(name, sectors, eraprim.TargetEra, eraTable, nil); err != nil {
		_ = c.DM.Remove(origName)
		_ = c.DM.Remove(name)
		return err
	}
	if err := c.DM.Resume(name); err != nil {
		_ = c.DM.Remove(origName)
		_ = c.DM.Remove(name)
		return err
	}

	return nil
}

// Close removes an era device pair.  It refuses while the origin
// still carries snapshots.
func (c *Ctl) Close(ctx context.Context, name string) error {
	var info eradm.Info
	if err := c.DM.InfoByName(name, &info); err != nil {
		return err
	}
	if !info.Exists {
		return fmt.Errorf("device does not exist: %s: %w", name, eraprim.ErrNotFound)
	}

	origUUID := info.UUID + "-orig"
	var orig eradm.Info
	if err := c.DM.InfoByUUID(origUUID, &orig); err != nil {
		return err
	}
	if !orig.Exists {
		return fmt.Errorf("data device does not exist: %s: %w", origUUID, eraprim.ErrNotFound)
	}
	if orig.TargetCount > 1 {
		return fmt.Errorf("too many targets in data device %s: %w", origUUID, eraprim.ErrUnsupported)
	}

	tgt, err := c.DM.FirstTable("", origUUID)
	if err != nil {
		return err
	}
	switch tgt.Type {
	case eraprim.TargetOrigin:
		return fmt.Errorf("data device has snapshots, please remove them first: %w", eraprim.ErrBusy)
	case eraprim.TargetLinear:
		// fine
	default:
		return fmt.Errorf("data device uses unknown target type %q: %w", tgt.Type, eraprim.ErrUnsupported)
	}

	dlog.Debugf(ctx, "removing %s and %s", name, orig.Name)

	if err := c.DM.Remove(name); err != nil {
		return err
	}
	return c.DM.Remove(orig.Name)
}
