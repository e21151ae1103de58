// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eraprim

import (
	"errors"
)

// The closed set of error kinds produced by the engine.  Callers
// classify failures with errors.Is; everything else wraps one of
// these.
var (
	// ErrIO: an underlying read, write, or ioctl failed.
	ErrIO = errors.New("i/o error")

	// ErrChecksum: a block's recomputed checksum does not match
	// the stored one.
	ErrChecksum = errors.New("checksum mismatch")

	// ErrCorrupt: a structural invariant does not hold (bad magic,
	// wrong self block number, inconsistent flags, duplicate block
	// reached during the reachability walk).
	ErrCorrupt = errors.New("metadata corrupt")

	// ErrUnsupported: the metadata is recognisable but outside
	// what this tool handles (version, block size, truncation).
	ErrUnsupported = errors.New("metadata unsupported")

	// ErrBusy: another snapshot operation is in progress.
	ErrBusy = errors.New("device busy")

	// ErrNotFound: a device or UUID is not in the device-mapper
	// table.
	ErrNotFound = errors.New("device not found")

	// ErrArg: command-line misuse.
	ErrArg = errors.New("invalid argument")
)
