// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package eractl drives the era target's userspace lifecycle against
// the kernel: device creation and teardown, the take-snapshot state
// machine, snapshot removal, and status reporting.
package eractl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/004helix/erasetup-go/lib/eradm"
	"github.com/004helix/erasetup-go/lib/eramd"
	"github.com/004helix/erasetup-go/lib/eraprim"
)

// Snapshot table parameters: a transient exception store with
// 16-sector chunks.
const (
	snapshotPersistence  = "N"
	snapshotChunkSectors = 16
)

// Ctl carries the handles and the one operator override the engine
// honours.
type Ctl struct {
	DM    *eradm.DM
	Force bool
}

func New(dm *eradm.DM, force bool) *Ctl {
	return &Ctl{DM: dm, Force: force}
}

// EraTable is the parsed parameter string of an era target:
// "meta_major:minor orig_major:minor chunk".
type EraTable struct {
	MetaMajor uint32
	MetaMinor uint32
	OrigMajor uint32
	OrigMinor uint32
	Chunk     uint32 // sectors
}

// ParseEraTable parses an era target table line.
func ParseEraTable(s string) (EraTable, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return EraTable{}, fmt.Errorf("can't parse device table: %q: %w", s, eraprim.ErrUnsupported)
	}
	var et EraTable
	var err error
	if et.MetaMajor, et.MetaMinor, err = ParseMajMin(fields[0]); err != nil {
		return EraTable{}, fmt.Errorf("can't parse device table: %q: %w", s, err)
	}
	if et.OrigMajor, et.OrigMinor, err = ParseMajMin(fields[1]); err != nil {
		return EraTable{}, fmt.Errorf("can't parse device table: %q: %w", s, err)
	}
	chunk, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil || chunk == 0 {
		return EraTable{}, fmt.Errorf("can't parse device table: %q: %w", s, eraprim.ErrUnsupported)
	}
	et.Chunk = uint32(chunk)
	return et, nil
}

// EraStatus is the parsed status string of an era target:
// "meta_block_size used/total current_era held_root|-".
type EraStatus struct {
	MetaBlockSectors uint32
	MetaUsed         uint64
	MetaTotal        uint64
	CurrentEra       uint32
	MetadataSnap     uint64
	Held             bool
}

// ParseEraStatus parses an era target status line.  The final token
// is "-" unless the kernel holds a metadata snapshot.
func ParseEraStatus(s string) (EraStatus, error) {
	fields := strings.Fields(s)
	if len(fields) != 4 {
		return EraStatus{}, fmt.Errorf("can't parse era status: %q: %w", s, eraprim.ErrUnsupported)
	}
	var es EraStatus
	bs, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return EraStatus{}, fmt.Errorf("can't parse era status: %q: %w", s, eraprim.ErrUnsupported)
	}
	es.MetaBlockSectors = uint32(bs)
	usage := strings.SplitN(fields[1], "/", 2)
	if len(usage) != 2 {
		return EraStatus{}, fmt.Errorf("can't parse era status: %q: %w", s, eraprim.ErrUnsupported)
	}
	if es.MetaUsed, err = strconv.ParseUint(usage[0], 10, 64); err != nil {
		return EraStatus{}, fmt.Errorf("can't parse era status: %q: %w", s, eraprim.ErrUnsupported)
	}
	if es.MetaTotal, err = strconv.ParseUint(usage[1], 10, 64); err != nil {
		return EraStatus{}, fmt.Errorf("can't parse era status: %q: %w", s, eraprim.ErrUnsupported)
	}
	era, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return EraStatus{}, fmt.Errorf("can't parse era status: %q: %w", s, eraprim.ErrUnsupported)
	}
	es.CurrentEra = uint32(era)
	if fields[3] != "-" {
		if es.MetadataSnap, err = strconv.ParseUint(fields[3], 10, 64); err != nil {
			return EraStatus{}, fmt.Errorf("can't parse era status: %q: %w", s, eraprim.ErrUnsupported)
		}
		es.Held = true
	}
	return es, nil
}

// ParseMajMin parses a "major:minor" pair.
func ParseMajMin(s string) (uint32, uint32, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("can't parse device number %q: %w", s, eraprim.ErrUnsupported)
	}
	major, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("can't parse device number %q: %w", s, eraprim.ErrUnsupported)
	}
	minor, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("can't parse device number %q: %w", s, eraprim.ErrUnsupported)
	}
	return uint32(major), uint32(minor), nil
}

// ParseLinearTable parses a linear target table line:
// "major:minor offset".
func ParseLinearTable(s string) (major, minor uint32, offset uint64, err error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, 0, 0, fmt.Errorf("can't parse linear table: %q: %w", s, eraprim.ErrUnsupported)
	}
	if major, minor, err = ParseMajMin(fields[0]); err != nil {
		return 0, 0, 0, err
	}
	if offset, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("can't parse linear table: %q: %w", s, eraprim.ErrUnsupported)
	}
	return major, minor, offset, nil
}

func allZero(block []byte) bool {
	for _, b := range block {
		if b != 0 {
			return false
		}
	}
	return true
}

// snapshotUUID decides the identity of a snapshot device: reuse the
// UUID of a valid snapshot superblock already present, refuse
// unrecognised data unless forced, and otherwise mint a fresh UUID.
// Reusing the UUID is what lets dropsnap locate the kernel devices of
// an earlier takesnap run.
func (c *Ctl) snapshotUUID(sn *eramd.MD, device string) (eraprim.UUID, error) {
	raw, err := sn.Block(eramd.NoCSum, 0, 0)
	if err != nil {
		return eraprim.UUID{}, err
	}
	ssb := eraprim.UnmarshalSnapSuperblock(raw)
	if ssb.Magic == eraprim.SnapSuperblockMagic &&
		eraprim.VerifyBlock(raw, 0, eraprim.SnapSuperblockCSumXor) == nil &&
		ssb.Version == eraprim.SnapVersion {
		return ssb.UUID, nil
	}
	if !c.Force && !allZero(raw) {
		return eraprim.UUID{}, fmt.Errorf("existing data found on %s: %w", device, eraprim.ErrUnsupported)
	}
	return eraprim.NewUUID()
}

// scannedDevice is one device-mapper device carrying the era UUID
// prefix.
type scannedDevice struct {
	Name   string
	UUID   string
	Info   eradm.Info
	Target eradm.Target
}

// scanEraDevices enumerates every single-target device-mapper device
// whose UUID starts with the era prefix.
func (c *Ctl) scanEraDevices() ([]scannedDevice, error) {
	names, err := c.DM.List()
	if err != nil {
		return nil, err
	}
	var devs []scannedDevice
	for _, name := range names {
		if len(name) >= eradm.NameLen {
			continue
		}
		var info eradm.Info
		if err := c.DM.InfoByName(name, &info); err != nil {
			continue
		}
		if !info.Exists || info.TargetCount != 1 ||
			!strings.HasPrefix(info.UUID, eraprim.UUIDPrefix) {
			continue
		}
		tgt, err := c.DM.FirstTable(name, "")
		if err != nil {
			return nil, err
		}
		devs = append(devs, scannedDevice{
			Name:   name,
			UUID:   info.UUID,
			Info:   info,
			Target: tgt,
		})
	}
	return devs, nil
}
