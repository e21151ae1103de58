// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package eradev opens block devices for direct I/O and resolves
// (major,minor) pairs to openable paths.
package eradev

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/datawire/dlib/dlog"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sys/unix"

	"github.com/004helix/erasetup-go/lib/diskio"
	"github.com/004helix/erasetup-go/lib/eramd"
	"github.com/004helix/erasetup-go/lib/eraprim"
)

// Device is an open block device.
type Device struct {
	File    *os.File
	Major   uint32
	Minor   uint32
	Sectors uint64
}

// Open opens a block device with O_DIRECT.  Regular files are
// accepted too (loopback-style images); everything else is rejected.
func Open(path string, rw bool) (*Device, error) {
	flags := unix.O_RDONLY
	if rw {
		flags = unix.O_RDWR
	}

	fd, err := unix.Open(path, flags|unix.O_DIRECT, 0)
	if err == unix.EINVAL {
		// filesystem without O_DIRECT support
		fd, err = unix.Open(path, flags, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("can't open device %s: %v: %w", path, err, eraprim.ErrIO)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("can't stat device %s: %v: %w", path, err, eraprim.ErrIO)
	}

	dev := &Device{File: os.NewFile(uintptr(fd), path)}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		size, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
		if err != nil {
			_ = dev.File.Close()
			return nil, fmt.Errorf("can't get device size %s: %v: %w", path, err, eraprim.ErrIO)
		}
		dev.Major = unix.Major(st.Rdev)
		dev.Minor = unix.Minor(st.Rdev)
		dev.Sectors = uint64(size) >> eraprim.SectorShift
	case unix.S_IFREG:
		dev.Sectors = uint64(st.Size) >> eraprim.SectorShift
	default:
		_ = dev.File.Close()
		return nil, fmt.Errorf("not a block device: %s: %w", path, eraprim.ErrArg)
	}

	return dev, nil
}

var pathCache, _ = lru.New(64)

// OpenByNum opens the block device with the given (major,minor),
// searching /dev/block, the sysfs uevent file, and finally all of
// /dev.  Successful resolutions are cached.
func OpenByNum(ctx context.Context, major, minor uint32, rw bool) (*Device, error) {
	key := uint64(major)<<32 | uint64(minor)
	if path, ok := pathCache.Get(key); ok {
		if dev, err := openMatching(path.(string), major, minor, rw); err == nil {
			return dev, nil
		}
		pathCache.Remove(key)
	}

	path, err := resolve(ctx, major, minor)
	if err != nil {
		return nil, err
	}
	dev, err := openMatching(path, major, minor, rw)
	if err != nil {
		return nil, err
	}
	pathCache.Add(key, path)
	return dev, nil
}

func openMatching(path string, major, minor uint32, rw bool) (*Device, error) {
	dev, err := Open(path, rw)
	if err != nil {
		return nil, err
	}
	if dev.Major != major || dev.Minor != minor {
		_ = dev.File.Close()
		return nil, fmt.Errorf("%s is not device %d:%d: %w", path, major, minor, eraprim.ErrNotFound)
	}
	return dev, nil
}

var errFound = errors.New("found")

func resolve(ctx context.Context, major, minor uint32) (string, error) {
	// modern udev layout
	path := fmt.Sprintf("/dev/block/%d:%d", major, minor)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	// sysfs uevent
	uevent := fmt.Sprintf("/sys/dev/block/%d:%d/uevent", major, minor)
	if fh, err := os.Open(uevent); err == nil {
		name, err := ParseUeventDevName(fh)
		_ = fh.Close()
		if err == nil {
			return "/dev/" + name, nil
		}
	}

	// last resort: scan /dev
	dlog.Debugf(ctx, "scanning /dev for device %d:%d", major, minor)
	var found string
	err := filepath.WalkDir("/dev", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type()&fs.ModeDevice == 0 || d.Type()&fs.ModeCharDevice != 0 {
			return nil
		}
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			return nil
		}
		if unix.Major(st.Rdev) == major && unix.Minor(st.Rdev) == minor {
			found = path
			return errFound
		}
		return nil
	})
	if (err == nil || errors.Is(err, errFound)) && found != "" {
		return found, nil
	}
	return "", fmt.Errorf("no device node for %d:%d: %w", major, minor, eraprim.ErrNotFound)
}

// ParseUeventDevName extracts the DEVNAME= line from a sysfs uevent
// file.
func ParseUeventDevName(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "DEVNAME=") {
			if name := strings.TrimPrefix(line, "DEVNAME="); name != "" {
				return name, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no DEVNAME line: %w", eraprim.ErrNotFound)
}

// OpenMD opens a metadata handle on a device path.
func OpenMD(path string, rw bool) (*eramd.MD, error) {
	dev, err := Open(path, rw)
	if err != nil {
		return nil, err
	}
	return eramd.New(&diskio.OSFile[int64]{File: dev.File}, dev.Major, dev.Minor), nil
}

// OpenMDByNum opens a metadata handle on a (major,minor) pair.
func OpenMDByNum(ctx context.Context, major, minor uint32, rw bool) (*eramd.MD, error) {
	dev, err := OpenByNum(ctx, major, minor, rw)
	if err != nil {
		return nil, err
	}
	return eramd.New(&diskio.OSFile[int64]{File: dev.File}, dev.Major, dev.Minor), nil
}
