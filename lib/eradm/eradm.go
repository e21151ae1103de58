// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package eradm is a thin client for the kernel device-mapper ioctl
// interface, covering the operations the era orchestrator needs:
// device lifecycle, table load, suspend/resume, target messages, and
// status/table/name enumeration.
package eradm

import (
	"fmt"
	"os"

	"github.com/004helix/erasetup-go/lib/eraprim"
)

const (
	ControlDevice = "/dev/mapper/control"

	// DM_NAME_LEN / DM_UUID_LEN from the kernel ABI.
	NameLen = 128
	UUIDLen = 129

	MaxTargetTypeLen = 16
)

// Info is the subset of the kernel's dm_ioctl reply the engine cares
// about.
type Info struct {
	Exists      bool
	Suspended   bool
	OpenCount   int32
	TargetCount uint32
	Major       uint32
	Minor       uint32
	Name        string
	UUID        string
}

// Target is one line of a device's table or status.
type Target struct {
	Start  uint64
	Length uint64
	Type   string
	Params string
}

// DM owns the process-wide handle on the device-mapper control
// device.  Calls are serialised by the caller; the engine is
// single-threaded.
type DM struct {
	ctl *os.File
}

// Open opens the control device.
func Open() (*DM, error) {
	ctl, err := os.OpenFile(ControlDevice, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %v: %w", ControlDevice, err, eraprim.ErrIO)
	}
	return &DM{ctl: ctl}, nil
}

func (dm *DM) Close() error {
	return dm.ctl.Close()
}

func checkName(name string) error {
	if name == "" || len(name) >= NameLen {
		return fmt.Errorf("device name %q: %w", name, eraprim.ErrArg)
	}
	return nil
}

func checkUUID(uuid string) error {
	if len(uuid) >= UUIDLen {
		return fmt.Errorf("device uuid %q: %w", uuid, eraprim.ErrArg)
	}
	return nil
}

// CreateEmpty creates a device with no table loaded; the device
// exists but cannot do I/O until a table is loaded and it is resumed.
func (dm *DM) CreateEmpty(name, uuid string, info *Info) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := checkUUID(uuid); err != nil {
		return err
	}
	hdr, err := dm.ioctl(devCreate, reqHeader{name: name, uuid: uuid}, nil)
	if err != nil {
		return fmt.Errorf("create device %s: %w", name, err)
	}
	hdr.fillInfo(info)
	return nil
}

// Create creates a device, loads a single-target table into it, and
// resumes it.
func (dm *DM) Create(name, uuid string, size uint64, targetType, table string, info *Info) error {
	if err := dm.CreateEmpty(name, uuid, nil); err != nil {
		return err
	}
	if err := dm.Load(name, size, targetType, table, info); err != nil {
		_ = dm.Remove(name)
		return err
	}
	if err := dm.Resume(name); err != nil {
		_ = dm.Remove(name)
		return err
	}
	if info != nil {
		return dm.InfoByName(name, info)
	}
	return nil
}

// Load loads a single-target table into the inactive slot; it takes
// effect on the next Resume.
func (dm *DM) Load(name string, size uint64, targetType, table string, info *Info) error {
	if err := checkName(name); err != nil {
		return err
	}
	payload, err := marshalTargetSpec(0, size, targetType, table)
	if err != nil {
		return err
	}
	hdr, err := dm.ioctl(tableLoad, reqHeader{name: name}, payload)
	if err != nil {
		return fmt.Errorf("load table into %s: %w", name, err)
	}
	hdr.fillInfo(info)
	return nil
}

// Suspend suspends a device; all I/O on it blocks until Resume.
func (dm *DM) Suspend(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if _, err := dm.ioctl(devSuspend, reqHeader{name: name, flags: flagSuspend}, nil); err != nil {
		return fmt.Errorf("suspend %s: %w", name, err)
	}
	return nil
}

// Resume resumes a suspended device, swapping in the inactive table
// if one is loaded.  Resuming an active device is a no-op.
func (dm *DM) Resume(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if _, err := dm.ioctl(devSuspend, reqHeader{name: name}, nil); err != nil {
		return fmt.Errorf("resume %s: %w", name, err)
	}
	return nil
}

// Remove removes a device.
func (dm *DM) Remove(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if _, err := dm.ioctl(devRemove, reqHeader{name: name}, nil); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// Clear destroys the table in the inactive slot.
func (dm *DM) Clear(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if _, err := dm.ioctl(tableClear, reqHeader{name: name}, nil); err != nil {
		return fmt.Errorf("clear %s: %w", name, err)
	}
	return nil
}

// Message sends a target message to sector 0 of the device, ignoring
// any reply.
func (dm *DM) Message(name, message string) error {
	if err := checkName(name); err != nil {
		return err
	}
	payload := marshalTargetMsg(0, message)
	if _, err := dm.ioctl(targetMsg, reqHeader{name: name}, payload); err != nil {
		return fmt.Errorf("message %q to %s: %w", message, name, err)
	}
	return nil
}

// InfoByName fills info for the named device.  A missing device is
// reported as Exists=false, not as an error.
func (dm *DM) InfoByName(name string, info *Info) error {
	if err := checkName(name); err != nil {
		return err
	}
	return dm.info(reqHeader{name: name}, info)
}

// InfoByUUID fills info for the device with the given dm UUID.
func (dm *DM) InfoByUUID(uuid string, info *Info) error {
	if err := checkUUID(uuid); err != nil {
		return err
	}
	return dm.info(reqHeader{uuid: uuid}, info)
}

// FirstTable returns the first target of the device's active table.
func (dm *DM) FirstTable(name, uuid string) (Target, error) {
	return dm.tableStatus(reqHeader{name: name, uuid: uuid, flags: flagStatusTable})
}

// FirstStatus returns the first target of the device's status.
func (dm *DM) FirstStatus(name, uuid string) (Target, error) {
	return dm.tableStatus(reqHeader{name: name, uuid: uuid})
}

// List returns the names of all device-mapper devices.
func (dm *DM) List() ([]string, error) {
	_, data, err := dm.ioctlData(listDevices, reqHeader{})
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return parseNameList(data)
}
