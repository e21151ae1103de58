// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package eramd owns a handle on a metadata (or snapshot) block
// device: aligned 4096-byte reads and writes, per-block checksum
// verification, and a pinned in-memory cache keyed by block number.
package eramd

import (
	"fmt"

	"github.com/004helix/erasetup-go/lib/diskio"
	"github.com/004helix/erasetup-go/lib/eraprim"
)

// ReadFlags control Block.
type ReadFlags uint8

const (
	// Cached pins the block in the handle's cache; later Cached
	// reads of the same block return the same view.
	Cached ReadFlags = 1 << iota
	// NoCSum skips checksum verification.
	NoCSum
)

const absent = ^uint32(0)

// MD is a metadata device handle.
//
// Views returned by Block with the Cached flag stay valid until the
// next Flush: each cached block has its own fixed allocation, so cache
// growth never moves a block that has already been handed out.  A
// non-Cached view lives in a single scratch buffer shared by every
// non-Cached read, and must be consumed before the next one.
type MD struct {
	file diskio.File[int64]

	Major   uint32
	Minor   uint32
	Sectors uint64
	Blocks  uint64

	scratch []byte
	arena   [][]byte
	index   []uint32 // block number -> arena slot, absent sentinel
}

// New wraps an already-open file.  The device size is taken from the
// file; the major/minor numbers may be zero when the handle does not
// come from a block device.
func New(file diskio.File[int64], major, minor uint32) *MD {
	size := uint64(file.Size())
	return &MD{
		file:    file,
		Major:   major,
		Minor:   minor,
		Sectors: size >> eraprim.SectorShift,
		Blocks:  size / eraprim.BlockSize,
		index:   make([]uint32, 0, 16),
	}
}

// Block reads block nr and returns a view of its contents.
//
// Unless NoCSum is set, the stored checksum is recomputed from the
// block payload XORed with xor; a mismatch fails with ErrChecksum.
func (md *MD) Block(flags ReadFlags, nr uint64, xor uint32) ([]byte, error) {
	// most used case: block already in cache
	if flags&Cached != 0 && nr < uint64(len(md.index)) && md.index[nr] != absent {
		return md.arena[md.index[nr]], nil
	}

	var buf []byte
	if flags&Cached == 0 {
		if md.scratch == nil {
			md.scratch = alignedBlock()
		}
		buf = md.scratch
	} else {
		buf = getBlock()
	}

	if err := md.Read(nr, buf); err != nil {
		if flags&Cached != 0 {
			putBlock(buf)
		}
		return nil, err
	}

	if flags&NoCSum == 0 {
		if err := eraprim.VerifyBlock(buf, nr, xor); err != nil {
			if flags&Cached != 0 {
				putBlock(buf)
			}
			return nil, err
		}
	}

	if flags&Cached == 0 {
		return buf, nil
	}

	for nr >= uint64(len(md.index)) {
		md.index = append(md.index, absent)
	}
	md.index[nr] = uint32(len(md.arena))
	md.arena = append(md.arena, buf)
	return buf, nil
}

// Read reads block nr into data (len BlockSize).
func (md *MD) Read(nr uint64, data []byte) error {
	if nr >= md.Blocks {
		return fmt.Errorf("read %s: block number exceeds total blocks: %d >= %d: %w",
			md.file.Name(), nr, md.Blocks, eraprim.ErrIO)
	}
	n, err := md.file.ReadAt(data[:eraprim.BlockSize], int64(nr)*eraprim.BlockSize)
	if err != nil {
		return fmt.Errorf("read %s block %d: %v: %w", md.file.Name(), nr, err, eraprim.ErrIO)
	}
	if n != eraprim.BlockSize {
		return fmt.Errorf("read %s block %d: short read (%d): %w", md.file.Name(), nr, n, eraprim.ErrIO)
	}
	return nil
}

// Write writes block nr unconditionally; cached copies of nr are
// dropped so a later read observes the new contents.
func (md *MD) Write(nr uint64, data []byte) error {
	if nr >= md.Blocks {
		return fmt.Errorf("write %s: block number exceeds total blocks: %d >= %d: %w",
			md.file.Name(), nr, md.Blocks, eraprim.ErrIO)
	}
	n, err := md.file.WriteAt(data[:eraprim.BlockSize], int64(nr)*eraprim.BlockSize)
	if err != nil {
		return fmt.Errorf("write %s block %d: %v: %w", md.file.Name(), nr, err, eraprim.ErrIO)
	}
	if n != eraprim.BlockSize {
		return fmt.Errorf("write %s block %d: short write (%d): %w", md.file.Name(), nr, n, eraprim.ErrIO)
	}
	if nr < uint64(len(md.index)) && md.index[nr] != absent {
		md.index[nr] = absent
	}
	return nil
}

// Zero writes an all-zero block at nr.
func (md *MD) Zero(nr uint64) error {
	buf := getBlock()
	defer putBlock(buf)
	for i := range buf {
		buf[i] = 0
	}
	return md.Write(nr, buf)
}

// Flush drops the cache.  All views handed out by Block become
// invalid.
func (md *MD) Flush() {
	for _, buf := range md.arena {
		putBlock(buf)
	}
	md.arena = md.arena[:0]
	for i := range md.index {
		md.index[i] = absent
	}
}

// Close releases the cache and the underlying file.
func (md *MD) Close() error {
	md.Flush()
	if md.scratch != nil {
		md.scratch = nil
	}
	return md.file.Close()
}
