// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eradev_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/004helix/erasetup-go/lib/eradev"
	"github.com/004helix/erasetup-go/lib/eraprim"
)

func TestParseUeventDevName(t *testing.T) {
	name, err := eradev.ParseUeventDevName(strings.NewReader(
		"MAJOR=254\nMINOR=3\nDEVNAME=dm-3\nDEVTYPE=disk\n"))
	require.NoError(t, err)
	assert.Equal(t, "dm-3", name)

	// the name is returned as written, whatever the other keys say
	name, err = eradev.ParseUeventDevName(strings.NewReader(
		"MAJOR=259\nMINOR=1\nDEVNAME=nvme0n1p1\n"))
	require.NoError(t, err)
	assert.Equal(t, "nvme0n1p1", name)

	_, err = eradev.ParseUeventDevName(strings.NewReader("MAJOR=254\nMINOR=3\n"))
	require.ErrorIs(t, err, eraprim.ErrNotFound)
}
