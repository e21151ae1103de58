// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eramd

import (
	"unsafe"

	"git.lukeshu.com/go/typedsync"

	"github.com/004helix/erasetup-go/lib/eraprim"
)

// O_DIRECT transfers require the user buffer to be aligned to the
// logical block size of the device; a full metadata block of
// alignment satisfies every device.
const blockAlign = eraprim.BlockSize

// alignedBlock carves an aligned BlockSize window out of an
// over-allocated slice.
func alignedBlock() []byte {
	raw := make([]byte, eraprim.BlockSize+blockAlign)
	off := 0
	if rem := uintptr(unsafe.Pointer(&raw[0])) % blockAlign; rem != 0 {
		off = int(blockAlign - rem)
	}
	return raw[off : off+eraprim.BlockSize : off+eraprim.BlockSize]
}

var blockPool = typedsync.Pool[[]byte]{
	New: alignedBlock,
}

func getBlock() []byte {
	buf, _ := blockPool.Get()
	return buf
}

func putBlock(buf []byte) {
	blockPool.Put(buf)
}
