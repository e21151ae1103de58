// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eraprim

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the dm persistent-data block checksum: the raw
// CRC32C of payload with initial remainder 0xffffffff and no final
// inversion, XORed with the block-type constant.
//
// Go's hash/crc32 applies the usual pre- and post-inversion, so the
// raw value is recovered by inverting the library's result.
func Checksum(payload []byte, xor uint32) uint32 {
	return ^crc32.Checksum(payload, castagnoli) ^ xor
}

// BlockChecksum computes the checksum of a full block; the leading
// 4-byte checksum field itself is not covered.
func BlockChecksum(block []byte, xor uint32) uint32 {
	return Checksum(block[4:], xor)
}

// VerifyBlock checks a block's stored checksum against the recomputed
// one.  A mismatch is ErrChecksum.
func VerifyBlock(block []byte, nr uint64, xor uint32) error {
	stored := binary.LittleEndian.Uint32(block[:4])
	calced := BlockChecksum(block, xor)
	if stored != calced {
		return fmt.Errorf("block %d: stored=0x%08x calculated=0x%08x: %w",
			nr, stored, calced, ErrChecksum)
	}
	return nil
}

// StampBlock recomputes a block's checksum and stores it in the
// leading field.
func StampBlock(block []byte, xor uint32) {
	binary.LittleEndian.PutUint32(block[:4], BlockChecksum(block, xor))
}
