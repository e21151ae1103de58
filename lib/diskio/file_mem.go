// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"fmt"
	"io"
)

// MemFile is a fixed-size in-memory File, used by tests to stand in
// for a metadata or snapshot block device.
type MemFile[A ~int64] struct {
	name string
	dat  []byte
}

var _ File[assertAddr] = (*MemFile[assertAddr])(nil)

func NewMemFile[A ~int64](name string, size A) *MemFile[A] {
	return &MemFile[A]{
		name: name,
		dat:  make([]byte, size),
	}
}

func (f *MemFile[A]) Name() string { return f.name }
func (f *MemFile[A]) Size() A      { return A(len(f.dat)) }
func (f *MemFile[A]) Close() error { return nil }

func (f *MemFile[A]) ReadAt(dat []byte, off A) (int, error) {
	if off < 0 || int64(off) > int64(len(f.dat)) {
		return 0, fmt.Errorf("read past end of file: %d", off)
	}
	n := copy(dat, f.dat[off:])
	if n < len(dat) {
		return n, io.EOF
	}
	return n, nil
}

func (f *MemFile[A]) WriteAt(dat []byte, off A) (int, error) {
	if off < 0 || int64(off)+int64(len(dat)) > int64(len(f.dat)) {
		return 0, fmt.Errorf("write past end of file: %d+%d", off, len(dat))
	}
	return copy(f.dat[off:], dat), nil
}

// Bytes exposes the backing store for test assertions.
func (f *MemFile[A]) Bytes() []byte { return f.dat }
