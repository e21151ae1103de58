// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eractl_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/004helix/erasetup-go/lib/eractl"
	"github.com/004helix/erasetup-go/lib/eraprim"
)

func TestParseEraTable(t *testing.T) {
	et, err := eractl.ParseEraTable("254:3 254:4 128")
	require.NoError(t, err)
	assert.Equal(t, eractl.EraTable{
		MetaMajor: 254, MetaMinor: 3,
		OrigMajor: 254, OrigMinor: 4,
		Chunk: 128,
	}, et)

	for _, bad := range []string{"", "254:3 254:4", "a:b c:d 128", "254:3 254:4 0"} {
		_, err := eractl.ParseEraTable(bad)
		assert.Error(t, err, "table %q", bad)
	}
}

func TestParseEraStatus(t *testing.T) {
	es, err := eractl.ParseEraStatus("8 45/1024 7 -")
	require.NoError(t, err)
	assert.Equal(t, eractl.EraStatus{
		MetaBlockSectors: 8,
		MetaUsed:         45,
		MetaTotal:        1024,
		CurrentEra:       7,
	}, es)
	assert.False(t, es.Held)

	es, err = eractl.ParseEraStatus("8 45/1024 7 123")
	require.NoError(t, err)
	assert.True(t, es.Held)
	assert.Equal(t, uint64(123), es.MetadataSnap)

	for _, bad := range []string{"", "8 45 7 -", "8 45/1024 7", "8 45/1024 7 x"} {
		_, err := eractl.ParseEraStatus(bad)
		assert.Error(t, err, "status %q", bad)
	}
}

func TestParseLinearTable(t *testing.T) {
	maj, min, off, err := eractl.ParseLinearTable("8:16 0")
	require.NoError(t, err)
	assert.Equal(t, uint32(8), maj)
	assert.Equal(t, uint32(16), min)
	assert.Equal(t, uint64(0), off)

	_, _, off, err = eractl.ParseLinearTable("8:16 2048")
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), off)

	_, _, _, err = eractl.ParseLinearTable("8:16")
	assert.Error(t, err)
}

func TestParseChunk(t *testing.T) {
	for in, want := range map[string]uint32{
		"65536": 128,
		"64k":   128,
		"64K":   128,
		"1m":    2048,
		"1g":    2097152,
		"128s":  128,
		"8s":    8,
		"4096":  8,
	} {
		got, err := eractl.ParseChunk(in)
		require.NoError(t, err, "chunk %q", in)
		assert.Equal(t, want, got, "chunk %q", in)
	}

	for _, bad := range []string{"", "0", "4s", "100", "64x", "-8s"} {
		_, err := eractl.ParseChunk(bad)
		require.ErrorIs(t, err, eraprim.ErrArg, "chunk %q", bad)
	}
}
