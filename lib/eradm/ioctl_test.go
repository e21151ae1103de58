// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eradm

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/004helix/erasetup-go/lib/eraprim"
)

func TestIoctlCmd(t *testing.T) {
	// _IOWR('…', DM_DEV_CREATE, struct dm_ioctl): dir=RW,
	// size=312 (0x138), magic=0xfd, nr=3
	assert.Equal(t, uintptr(0xc138fd03), ioctlCmd(devCreate))
	assert.Equal(t, uintptr(0xc138fd0c), ioctlCmd(tableStatus))
}

func TestMarshalTargetSpec(t *testing.T) {
	spec, err := marshalTargetSpec(0, 2048, "linear", "8:16 0")
	require.NoError(t, err)

	// padded to 8-byte alignment
	assert.Zero(t, len(spec)%8)
	assert.GreaterOrEqual(t, len(spec), specSize+len("8:16 0")+1)

	le := binary.LittleEndian
	assert.Equal(t, uint64(0), le.Uint64(spec[0:]))
	assert.Equal(t, uint64(2048), le.Uint64(spec[8:]))
	assert.Equal(t, uint32(len(spec)), le.Uint32(spec[20:]))
	assert.Equal(t, "linear", cstring(spec[24:24+MaxTargetTypeLen]))
	assert.Equal(t, "8:16 0", cstring(spec[specSize:]))

	_, err = marshalTargetSpec(0, 1, "a-target-type-name-too-long", "")
	require.ErrorIs(t, err, eraprim.ErrArg)
}

func TestMarshalTargetMsg(t *testing.T) {
	msg := marshalTargetMsg(0, "take_metadata_snap")
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(msg[0:]))
	assert.Equal(t, "take_metadata_snap", cstring(msg[msgSize:]))
	// NUL terminated
	assert.Equal(t, byte(0), msg[len(msg)-1])
}

func TestParseNameList(t *testing.T) {
	entry := func(name string, next uint32) []byte {
		buf := make([]byte, 12+len(name)+1)
		binary.LittleEndian.PutUint64(buf[0:], 0x800010)
		binary.LittleEndian.PutUint32(buf[8:], next)
		copy(buf[12:], name)
		// pad to the offset the kernel would use
		for len(buf)%8 != 0 {
			buf = append(buf, 0)
		}
		return buf
	}

	first := entry("era-dev", 0)
	first = entry("era-dev", uint32(len(first)))
	second := entry("era-snap-0", 0)

	names, err := parseNameList(append(first, second...))
	require.NoError(t, err)
	assert.Equal(t, []string{"era-dev", "era-snap-0"}, names)

	// empty data area means no devices
	names, err = parseNameList(nil)
	require.NoError(t, err)
	assert.Empty(t, names)

	// a next offset pointing outside the buffer is rejected
	bad := entry("x", 4096)
	_, err = parseNameList(bad)
	require.Error(t, err)
}
