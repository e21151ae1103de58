// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eraprim

import (
	"crypto/rand"
	"fmt"
)

// UUID is the raw 16-byte identifier stored in superblocks and used
// to derive device-mapper UUIDs.
type UUID [UUIDSize]byte

// NewUUID draws 16 random bytes from the platform random source.
func NewUUID() (UUID, error) {
	var u UUID
	if _, err := rand.Read(u[:]); err != nil {
		return UUID{}, fmt.Errorf("read random source: %w", err)
	}
	return u, nil
}

// IsZero reports whether every byte is zero; an all-zero UUID marks a
// previously empty snapshot device.
func (u UUID) IsZero() bool {
	return u == UUID{}
}

func (u UUID) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x",
		u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}
