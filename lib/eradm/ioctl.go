// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eradm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/004helix/erasetup-go/lib/eraprim"
)

// Kernel ABI: struct dm_ioctl, interface version 4.
const (
	dmVersionMajor = 4
	dmVersionMinor = 0
	dmVersionPatch = 0

	hdrSize  = 312 // sizeof(struct dm_ioctl)
	specSize = 40  // sizeof(struct dm_target_spec)
	msgSize  = 8   // sizeof(struct dm_target_msg) sans message

	hdrOffVersion     = 0
	hdrOffDataSize    = 12
	hdrOffDataStart   = 16
	hdrOffTargetCount = 20
	hdrOffOpenCount   = 24
	hdrOffFlags       = 28
	hdrOffEventNr     = 32
	hdrOffDev         = 40
	hdrOffName        = 48
	hdrOffUUID        = 176
)

// ioctl command numbers on the 0xfd ('DM') magic.
const (
	devCreate   = 3
	devRemove   = 4
	devSuspend  = 6
	devStatus   = 7
	tableLoad   = 9
	tableClear  = 10
	tableStatus = 12
	listDevices = 2
	targetMsg   = 14
)

// dm_ioctl flags.
const (
	flagReadonly    = 1 << 0
	flagSuspend     = 1 << 1
	flagStatusTable = 1 << 4
	flagBufferFull  = 1 << 8
)

func ioctlCmd(nr uint32) uintptr {
	// _IOWR(0xfd, nr, struct dm_ioctl)
	return uintptr(3)<<30 | uintptr(hdrSize)<<16 | uintptr(0xfd)<<8 | uintptr(nr)
}

type reqHeader struct {
	name  string
	uuid  string
	flags uint32
}

type respHeader struct {
	dataSize    uint32
	dataStart   uint32
	targetCount uint32
	openCount   int32
	flags       uint32
	dev         uint64
	name        string
	uuid        string
}

func (hdr respHeader) fillInfo(info *Info) {
	if info == nil {
		return
	}
	*info = Info{
		Exists:      true,
		Suspended:   hdr.flags&flagSuspend != 0,
		OpenCount:   hdr.openCount,
		TargetCount: hdr.targetCount,
		Major:       unix.Major(hdr.dev),
		Minor:       unix.Minor(hdr.dev),
		Name:        hdr.name,
		UUID:        hdr.uuid,
	}
}

func cstring(dat []byte) string {
	if i := bytes.IndexByte(dat, 0); i >= 0 {
		dat = dat[:i]
	}
	return string(dat)
}

const (
	initialBufSize = 16 << 10
	maxBufSize     = 4 << 20
)

// ioctl runs one device-mapper ioctl, discarding any data area in
// the reply.
func (dm *DM) ioctl(nr uint32, req reqHeader, payload []byte) (respHeader, error) {
	hdr, _, err := dm.run(nr, req, payload)
	return hdr, err
}

// ioctlData runs one device-mapper ioctl and returns the reply's
// data area.
func (dm *DM) ioctlData(nr uint32, req reqHeader) (respHeader, []byte, error) {
	return dm.run(nr, req, nil)
}

func (dm *DM) run(nr uint32, req reqHeader, payload []byte) (respHeader, []byte, error) {
	le := binary.LittleEndian

	bufSize := initialBufSize
	for bufSize < hdrSize+len(payload) {
		bufSize *= 2
	}

	for {
		buf := make([]byte, bufSize)
		le.PutUint32(buf[hdrOffVersion:], dmVersionMajor)
		le.PutUint32(buf[hdrOffVersion+4:], dmVersionMinor)
		le.PutUint32(buf[hdrOffVersion+8:], dmVersionPatch)
		le.PutUint32(buf[hdrOffDataSize:], uint32(len(buf)))
		le.PutUint32(buf[hdrOffDataStart:], hdrSize)
		le.PutUint32(buf[hdrOffFlags:], req.flags)
		if payload != nil {
			if nr == tableLoad {
				le.PutUint32(buf[hdrOffTargetCount:], 1)
			}
			copy(buf[hdrSize:], payload)
		}
		copy(buf[hdrOffName:hdrOffName+NameLen-1], req.name)
		copy(buf[hdrOffUUID:hdrOffUUID+UUIDLen-1], req.uuid)

		_, _, errno := unix.Syscall(unix.SYS_IOCTL, dm.ctl.Fd(), ioctlCmd(nr),
			uintptr(unsafe.Pointer(&buf[0])))
		if errno != 0 {
			if errno == unix.ENXIO || errno == unix.ENODEV {
				return respHeader{}, nil, fmt.Errorf("%v: %w", errno, eraprim.ErrNotFound)
			}
			return respHeader{}, nil, fmt.Errorf("dm ioctl %d: %v: %w", nr, errno, eraprim.ErrIO)
		}

		hdr := respHeader{
			dataSize:    le.Uint32(buf[hdrOffDataSize:]),
			dataStart:   le.Uint32(buf[hdrOffDataStart:]),
			targetCount: le.Uint32(buf[hdrOffTargetCount:]),
			openCount:   int32(le.Uint32(buf[hdrOffOpenCount:])),
			flags:       le.Uint32(buf[hdrOffFlags:]),
			dev:         le.Uint64(buf[hdrOffDev:]),
			name:        cstring(buf[hdrOffName : hdrOffName+NameLen]),
			uuid:        cstring(buf[hdrOffUUID : hdrOffUUID+UUIDLen]),
		}

		if hdr.flags&flagBufferFull != 0 {
			if bufSize >= maxBufSize {
				return respHeader{}, nil, fmt.Errorf("dm ioctl %d: reply exceeds %d bytes: %w",
					nr, maxBufSize, eraprim.ErrIO)
			}
			bufSize *= 2
			continue
		}

		var data []byte
		if hdr.dataSize > uint32(hdrSize) && hdr.dataStart < hdr.dataSize &&
			hdr.dataSize <= uint32(len(buf)) {
			data = buf[hdr.dataStart:hdr.dataSize]
		}
		return hdr, data, nil
	}
}

func (dm *DM) info(req reqHeader, info *Info) error {
	hdr, err := dm.ioctl(devStatus, req, nil)
	if err != nil {
		if info != nil && errors.Is(err, eraprim.ErrNotFound) {
			*info = Info{}
			return nil
		}
		return fmt.Errorf("device status: %w", err)
	}
	hdr.fillInfo(info)
	return nil
}

func (dm *DM) tableStatus(req reqHeader) (Target, error) {
	hdr, data, err := dm.run(tableStatus, req, nil)
	if err != nil {
		return Target{}, fmt.Errorf("table status: %w", err)
	}
	if hdr.targetCount == 0 || len(data) < specSize {
		return Target{}, fmt.Errorf("device has no targets: %w", eraprim.ErrNotFound)
	}
	le := binary.LittleEndian
	tgt := Target{
		Start:  le.Uint64(data[0:]),
		Length: le.Uint64(data[8:]),
		Type:   cstring(data[24 : 24+MaxTargetTypeLen]),
		Params: cstring(data[specSize:]),
	}
	return tgt, nil
}

// marshalTargetSpec encodes a single dm_target_spec plus its
// parameter string, padded out to 8-byte alignment.
func marshalTargetSpec(start, length uint64, targetType, params string) ([]byte, error) {
	if len(targetType) >= MaxTargetTypeLen {
		return nil, fmt.Errorf("target type %q too long: %w", targetType, eraprim.ErrArg)
	}
	le := binary.LittleEndian
	size := (specSize + len(params) + 1 + 7) &^ 7
	buf := make([]byte, size)
	le.PutUint64(buf[0:], start)
	le.PutUint64(buf[8:], length)
	le.PutUint32(buf[20:], uint32(size)) // next
	copy(buf[24:24+MaxTargetTypeLen-1], targetType)
	copy(buf[specSize:], params)
	return buf, nil
}

// marshalTargetMsg encodes a dm_target_msg.
func marshalTargetMsg(sector uint64, message string) []byte {
	buf := make([]byte, msgSize+len(message)+1)
	binary.LittleEndian.PutUint64(buf[0:], sector)
	copy(buf[msgSize:], message)
	return buf
}

// parseNameList decodes the dm_name_list reply of DM_LIST_DEVICES.
func parseNameList(data []byte) ([]string, error) {
	var names []string
	off := 0
	for len(data)-off >= 12 {
		next := binary.LittleEndian.Uint32(data[off+8:])
		names = append(names, cstring(data[off+12:]))
		if next == 0 {
			break
		}
		if int(next) <= 0 || off+int(next) > len(data) {
			return nil, fmt.Errorf("malformed device list reply: %w", eraprim.ErrIO)
		}
		off += int(next)
	}
	return names, nil
}
