// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eractl

import (
	"context"
	"errors"
	"fmt"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"github.com/004helix/erasetup-go/lib/eradev"
	"github.com/004helix/erasetup-go/lib/eradm"
	"github.com/004helix/erasetup-go/lib/eramd"
	"github.com/004helix/erasetup-go/lib/eraprim"
	"github.com/004helix/erasetup-go/lib/erasnap"
)

// TakeSnapshot takes a point-in-time snapshot of a running era
// device onto snapPath.
//
// The sequence {take_metadata_snap, copy, drop_metadata_snap,
// suspend, bitmap read, load snap table, resume} is strict: the
// in-kernel metadata snapshot is what makes the copy consistent, and
// the current-era bitmap may only be read once the target is
// suspended and no further bits can flip.  On any failure every side
// effect reached so far is unwound.
func (c *Ctl) TakeSnapshot(ctx context.Context, name, snapPath string) (err error) {
	var era eradm.Info
	if err := c.DM.InfoByName(name, &era); err != nil {
		return err
	}
	if !era.Exists {
		return fmt.Errorf("device %s does not exist: %w", name, eraprim.ErrNotFound)
	}
	if era.TargetCount != 1 {
		return fmt.Errorf("invalid device %s: %w", name, eraprim.ErrUnsupported)
	}

	tbl, err := c.DM.FirstTable(name, "")
	if err != nil {
		return err
	}
	if tbl.Type != eraprim.TargetEra {
		return fmt.Errorf("unsupported target type: %s: %w", tbl.Type, eraprim.ErrUnsupported)
	}
	et, err := ParseEraTable(tbl.Params)
	if err != nil {
		return err
	}
	dlog.Infof(ctx, "era: %s %s", tbl.Type, tbl.Params)

	md, err := eradev.OpenMDByNum(ctx, et.MetaMajor, et.MetaMinor, false)
	if err != nil {
		return err
	}
	defer func() { _ = md.Close() }()

	st, err := c.DM.FirstStatus(name, "")
	if err != nil {
		return err
	}
	es, err := ParseEraStatus(st.Params)
	if err != nil {
		return err
	}
	if es.Held {
		return fmt.Errorf("another snapshot in progress: %s: %w", name, eraprim.ErrBusy)
	}
	if es.MetaBlockSectors != eraprim.MetadataBlockSectors {
		return fmt.Errorf("unexpected metadata block size: %d: %w",
			es.MetaBlockSectors, eraprim.ErrUnsupported)
	}
	dlog.Infof(ctx, "era: %s", st.Params)

	sn, err := eradev.OpenMD(snapPath, true)
	if err != nil {
		return err
	}
	defer func() { _ = sn.Close() }()

	uuid, err := c.snapshotUUID(sn, snapPath)
	if err != nil {
		return err
	}
	dlog.Infof(ctx, "snapshot: uuid %s", uuid)

	chunk := et.Chunk
	nrBlocks := uint32((tbl.Length + uint64(chunk) - 1) / uint64(chunk))
	snapBlocks := erasnap.SnapBlocks(nrBlocks)
	snapOffset := (1 + snapBlocks) * eraprim.MetadataBlockSectors // sectors

	dlog.Infof(ctx, "snapshot: metadata %d KiB", (snapOffset<<eraprim.SectorShift)/1024)

	if snapOffset >= sn.Sectors {
		return fmt.Errorf("snapshot device too small: %w", eraprim.ErrArg)
	}

	snapName := "era-snap-" + uuid.String()
	snapUUID := "ERA-SNAP-" + uuid.String()
	cowName := snapName + "-cow"
	cowUUID := snapUUID + "-cow"

	// Unwind state.  The deferred ladder below resumes whatever is
	// suspended, drops a held metadata snapshot, removes the snap and
	// cow devices, and then converts the origin back to linear; every
	// action in it is idempotent, so a failure mid-unwind cannot
	// leave devices suspended.
	var (
		snapCreated     bool
		cowCreated      bool
		dropSnap        bool
		eraSuspended    bool
		origSuspended   bool
		convertedOrigin bool

		origName  string
		origSize  uint64
		realMajor uint32
		realMinor uint32
	)
	defer func() {
		if err == nil {
			return
		}
		var errs derror.MultiError
		undo := func(e error) {
			if e != nil && !errors.Is(e, eraprim.ErrNotFound) {
				errs = append(errs, e)
			}
		}
		if origSuspended {
			undo(c.DM.Resume(origName))
		}
		if eraSuspended {
			undo(c.DM.Resume(name))
		}
		if dropSnap {
			undo(c.DM.Message(name, "drop_metadata_snap"))
		}
		if snapCreated {
			undo(c.DM.Remove(snapName))
		}
		if cowCreated {
			undo(c.DM.Remove(cowName))
		}
		if convertedOrigin {
			table := fmt.Sprintf("%d:%d 0", realMajor, realMinor)
			if e := c.DM.Suspend(origName); e != nil {
				undo(e)
			} else {
				undo(c.DM.Load(origName, origSize, eraprim.TargetLinear, table, nil))
				undo(c.DM.Resume(origName))
			}
		}
		if len(errs) > 0 {
			dlog.Errorf(ctx, "unwind: %v", error(errs))
		}
	}()

	// reserve the snap device's name slot
	if err = c.DM.CreateEmpty(snapName, snapUUID, nil); err != nil {
		return err
	}
	snapCreated = true

	// cow device over the tail of the snapshot block device, past
	// the reserved metadata area
	var cowInfo eradm.Info
	cowTable := fmt.Sprintf("%d:%d %d", sn.Major, sn.Minor, snapOffset)
	if err = c.DM.Create(cowName, cowUUID, sn.Sectors-snapOffset,
		eraprim.TargetLinear, cowTable, &cowInfo); err != nil {
		return err
	}
	cowCreated = true
	dlog.Infof(ctx, "snapshot: cow %s", cowName)
	dlog.Infof(ctx, "snapshot: name %s", snapName)

	// convert the origin to a snapshot-origin target if needed
	origUUID := era.UUID + "-orig"
	var orig eradm.Info
	if err = c.DM.InfoByUUID(origUUID, &orig); err != nil {
		return err
	}
	if !orig.Exists {
		return fmt.Errorf("origin device does not exist: %s: %w", origUUID, eraprim.ErrNotFound)
	}
	if orig.TargetCount != 1 || orig.Major != et.OrigMajor || orig.Minor != et.OrigMinor {
		return fmt.Errorf("invalid origin device: %s: %w", orig.Name, eraprim.ErrUnsupported)
	}
	origName = orig.Name

	ot, err := c.DM.FirstTable("", origUUID)
	if err != nil {
		return err
	}
	origSize = ot.Length
	dlog.Infof(ctx, "origin: %s %s", ot.Type, ot.Params)

	switch ot.Type {
	case eraprim.TargetLinear:
		var off uint64
		realMajor, realMinor, off, err = ParseLinearTable(ot.Params)
		if err != nil {
			return err
		}
		if off != 0 {
			return fmt.Errorf("invalid origin table: %s: %w", ot.Params, eraprim.ErrUnsupported)
		}
		originTable := fmt.Sprintf("%d:%d", realMajor, realMinor)

		dlog.Infof(ctx, "origin: suspend")
		if err = c.DM.Suspend(origName); err != nil {
			return err
		}
		dlog.Infof(ctx, "origin: %s %s", eraprim.TargetOrigin, originTable)
		if err = c.DM.Load(origName, origSize, eraprim.TargetOrigin, originTable, nil); err != nil {
			_ = c.DM.Resume(origName)
			return err
		}
		convertedOrigin = true
		dlog.Infof(ctx, "origin: resume")
		if err = c.DM.Resume(origName); err != nil {
			return err
		}

	case eraprim.TargetOrigin:
		if realMajor, realMinor, err = ParseMajMin(ot.Params); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported origin target: %s: %w", ot.Type, eraprim.ErrUnsupported)
	}

	// freeze the metadata and copy it through the engine
	dlog.Infof(ctx, "era: take metadata snapshot")
	if err = c.DM.Message(name, "take_metadata_snap"); err != nil {
		return err
	}
	dropSnap = true

	st, err = c.DM.FirstStatus("", era.UUID)
	if err != nil {
		return err
	}
	held, err := ParseEraStatus(st.Params)
	if err != nil {
		return err
	}
	if !held.Held || held.MetadataSnap == 0 {
		return fmt.Errorf("invalid era metadata snapshot offset: %d: %w",
			held.MetadataSnap, eraprim.ErrCorrupt)
	}
	dlog.Infof(ctx, "era: %s", st.Params)

	dlog.Infof(ctx, "era: copy metadata snapshot")
	if err = erasnap.Copy(ctx, md, sn, held.MetadataSnap, nrBlocks); err != nil {
		return err
	}

	dlog.Infof(ctx, "era: drop metadata snapshot")
	if err = c.DM.Message(name, "drop_metadata_snap"); err != nil {
		return err
	}
	dropSnap = false

	// the suspended window: keep it minimal
	dlog.Infof(ctx, "era: suspend")
	if err = c.DM.Suspend(name); err != nil {
		return err
	}
	eraSuspended = true

	dlog.Infof(ctx, "origin: suspend")
	if err = c.DM.Suspend(origName); err != nil {
		return err
	}
	origSuspended = true

	md.Flush()
	raw, err := md.Block(eramd.Cached, 0, eraprim.SuperblockCSumXor)
	if err != nil {
		return err
	}
	sb := eraprim.UnmarshalSuperblock(raw)
	if err = eraprim.CheckSuperblock(sb); err != nil {
		return err
	}
	if sb.CurrentEra != es.CurrentEra {
		return fmt.Errorf("unexpected current era after suspend: expected %d, but got %d: %w",
			es.CurrentEra, sb.CurrentEra, eraprim.ErrCorrupt)
	}

	dlog.Infof(ctx, "snapshot: copy bitmap for era %d", es.CurrentEra)
	bitmap, err := erasnap.GetBitmap(ctx, md, es.CurrentEra, 0, nrBlocks)
	if err != nil {
		return err
	}

	// the block just past the snapshot-array becomes the exception
	// store header; zero it so the kernel never matches a stale
	// header sentinel
	if err = sn.Zero(1 + snapBlocks); err != nil {
		return err
	}

	snapTable := fmt.Sprintf("%d:%d %d:%d %s %d",
		realMajor, realMinor, cowInfo.Major, cowInfo.Minor,
		snapshotPersistence, snapshotChunkSectors)
	dlog.Infof(ctx, "snapshot: %s %s", eraprim.TargetSnapshot, snapTable)

	if err = c.DM.Load(snapName, tbl.Length, eraprim.TargetSnapshot, snapTable, nil); err != nil {
		return err
	}
	dlog.Infof(ctx, "snapshot: resume")
	if err = c.DM.Resume(snapName); err != nil {
		return err
	}

	dlog.Infof(ctx, "origin: resume")
	if err = c.DM.Resume(origName); err != nil {
		return err
	}
	origSuspended = false

	dlog.Infof(ctx, "era: resume")
	if err = c.DM.Resume(name); err != nil {
		return err
	}
	eraSuspended = false

	dlog.Infof(ctx, "snapshot: digest bitmap for era %d", es.CurrentEra)
	if err = erasnap.Digest(ctx, sn, es.CurrentEra, bitmap, nrBlocks); err != nil {
		return err
	}

	dlog.Infof(ctx, "snapshot: write superblock")
	if err = erasnap.WriteSuperblock(sn, eraprim.SnapSuperblock{
		UUID:              uuid,
		Magic:             eraprim.SnapSuperblockMagic,
		Version:           eraprim.SnapVersion,
		DataBlockSize:     chunk,
		MetadataBlockSize: eraprim.MetadataBlockSectors,
		NrBlocks:          nrBlocks,
		SnapshotEra:       es.CurrentEra,
	}); err != nil {
		return err
	}

	return nil
}
