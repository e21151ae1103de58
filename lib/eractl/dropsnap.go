// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eractl

import (
	"context"
	"fmt"
	"strings"

	"github.com/datawire/dlib/dlog"

	"github.com/004helix/erasetup-go/lib/eradev"
	"github.com/004helix/erasetup-go/lib/eraprim"
	"github.com/004helix/erasetup-go/lib/erasnap"
)

// DropSnapshot removes the kernel devices of a snapshot previously
// taken onto snapPath: the snap device, the cow device, and -- when
// this was the origin's last snapshot -- the snapshot-origin target
// is converted back to plain linear.
func (c *Ctl) DropSnapshot(ctx context.Context, snapPath string) error {
	sn, err := eradev.OpenMD(snapPath, false)
	if err != nil {
		return err
	}
	ssb, err := erasnap.ReadSuperblock(sn)
	_ = sn.Close()
	if err != nil {
		return err
	}
	uuid := ssb.UUID

	devs, err := c.scanEraDevices()
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		return fmt.Errorf("no devices found: %w", eraprim.ErrNotFound)
	}

	// the snap device
	snapUUID := "ERA-SNAP-" + uuid.String()
	var snap *scannedDevice
	for i := range devs {
		if devs[i].Target.Type == eraprim.TargetSnapshot && devs[i].UUID == snapUUID {
			snap = &devs[i]
			break
		}
	}
	if snap == nil {
		return fmt.Errorf("can't find era-snap-%s: %w", uuid, eraprim.ErrNotFound)
	}
	if snap.Info.OpenCount > 0 {
		return fmt.Errorf("snapshot is in use: %w", eraprim.ErrBusy)
	}

	// the table is "origin_major:minor cow_major:minor N chunk"
	realMajor, realMinor, err := ParseMajMin(strings.SplitN(snap.Target.Params, " ", 2)[0])
	if err != nil {
		return fmt.Errorf("can't parse snapshot table: %q: %w", snap.Target.Params, err)
	}

	// the cow device
	cowUUID := snapUUID + "-cow"
	var cow *scannedDevice
	for i := range devs {
		if devs[i].Target.Type == eraprim.TargetLinear && devs[i].UUID == cowUUID {
			cow = &devs[i]
			break
		}
	}
	if cow == nil {
		return fmt.Errorf("can't find era-snap-%s-cow: %w", uuid, eraprim.ErrNotFound)
	}

	// the origin exposing (realMajor, realMinor)
	var orig *scannedDevice
	for i := range devs {
		if devs[i].Target.Type != eraprim.TargetOrigin {
			continue
		}
		maj, min, err := ParseMajMin(devs[i].Target.Params)
		if err != nil {
			continue
		}
		if maj == realMajor && min == realMinor {
			orig = &devs[i]
			break
		}
	}
	if orig == nil {
		return fmt.Errorf("can't find origin device: %w", eraprim.ErrNotFound)
	}

	// sibling snapshots of the same origin, this one included
	siblings := 0
	for i := range devs {
		if devs[i].Target.Type != eraprim.TargetSnapshot {
			continue
		}
		if strings.HasPrefix(devs[i].Target.Params, fmt.Sprintf("%d:%d ", realMajor, realMinor)) {
			siblings++
		}
	}

	dlog.Infof(ctx, "origin: suspend")
	if err := c.DM.Suspend(orig.Name); err != nil {
		return err
	}

	dlog.Infof(ctx, "snapshot: remove %s", snap.Name)
	if err := c.DM.Remove(snap.Name); err != nil {
		_ = c.DM.Resume(orig.Name)
		return err
	}

	if siblings == 1 {
		table := fmt.Sprintf("%d:%d 0", realMajor, realMinor)
		dlog.Infof(ctx, "origin: %s %s", eraprim.TargetLinear, table)
		if err := c.DM.Load(orig.Name, orig.Target.Length, eraprim.TargetLinear, table, nil); err != nil {
			_ = c.DM.Resume(orig.Name)
			return err
		}
	}

	dlog.Infof(ctx, "origin: resume")
	if err := c.DM.Resume(orig.Name); err != nil {
		return err
	}

	dlog.Infof(ctx, "snapshot: remove %s", cow.Name)
	return c.DM.Remove(cow.Name)
}
