// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eractl

import (
	"context"
	"fmt"
	"strings"

	"github.com/004helix/erasetup-go/lib/eraprim"
)

// SnapshotStatus describes one live snapshot of an era origin.
type SnapshotStatus struct {
	Name   string `json:"name"`
	UUID   string `json:"uuid"`
	Status string `json:"status"`
}

// DeviceStatus describes one era device and its snapshots.
type DeviceStatus struct {
	Name        string           `json:"name"`
	Chunk       uint32           `json:"chunk_sectors"`
	DataSectors uint64           `json:"data_sectors"`
	MetaUsed    uint64           `json:"metadata_used_blocks"`
	MetaTotal   uint64           `json:"metadata_total_blocks"`
	CurrentEra  uint32           `json:"current_era"`
	Held        bool             `json:"metadata_snap_held"`
	Snapshots   []SnapshotStatus `json:"snapshots,omitempty"`
}

// Status reports every era device, or just the named one.
func (c *Ctl) Status(ctx context.Context, name string) ([]DeviceStatus, error) {
	devs, err := c.scanEraDevices()
	if err != nil {
		return nil, err
	}

	var out []DeviceStatus
	for i := range devs {
		dev := &devs[i]
		if dev.Target.Type != eraprim.TargetEra {
			continue
		}
		if name != "" && dev.Name != name {
			continue
		}

		st, err := c.DM.FirstStatus(dev.Name, "")
		if err != nil {
			return nil, err
		}
		es, err := ParseEraStatus(st.Params)
		if err != nil {
			return nil, err
		}
		et, err := ParseEraTable(dev.Target.Params)
		if err != nil {
			return nil, err
		}

		ds := DeviceStatus{
			Name:        dev.Name,
			Chunk:       et.Chunk,
			DataSectors: dev.Target.Length,
			MetaUsed:    es.MetaUsed,
			MetaTotal:   es.MetaTotal,
			CurrentEra:  es.CurrentEra,
			Held:        es.Held,
		}

		// locate the real data device under the origin, then
		// any snapshots exposing it
		origUUID := dev.UUID + "-orig"
		var realMajMin string
		for j := range devs {
			if devs[j].UUID != origUUID {
				continue
			}
			maj, min, err := ParseMajMin(devs[j].Target.Params)
			if err == nil {
				realMajMin = fmt.Sprintf("%d:%d", maj, min)
			}
			break
		}
		if realMajMin != "" {
			for j := range devs {
				if devs[j].Target.Type != eraprim.TargetSnapshot {
					continue
				}
				if !strings.HasPrefix(devs[j].Target.Params, realMajMin+" ") {
					continue
				}
				sst, err := c.DM.FirstStatus(devs[j].Name, "")
				if err != nil {
					return nil, err
				}
				ds.Snapshots = append(ds.Snapshots, SnapshotStatus{
					Name:   devs[j].Name,
					UUID:   devs[j].UUID,
					Status: sst.Params,
				})
			}
		}

		out = append(out, ds)
	}

	if name != "" && len(out) == 0 {
		return nil, fmt.Errorf("device %s not found: %w", name, eraprim.ErrNotFound)
	}
	return out, nil
}
