// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package id provides the 64-bit hashed identifiers used as stable keys for
// statements, beds and cached resources.
//
// An ID is the FNV-1a 64 hash of a string. The constants are fixed so an ID
// computed from the same string is identical across processes and platforms.
package id

import (
	"cmp"
	"fmt"
)

const (
	offsetBasis uint64 = 14695981039346656037
	prime       uint64 = 1099511628211
)

// ID is a hashed identifier. Note that the zero value is not the default
// identifier; use Empty for the hash of the empty string.
type ID uint64

// Empty is the ID of the empty string.
var Empty = New("")

// New hashes s with FNV-1a 64.
func New(s string) ID {
	h := offsetBasis
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}

	v := ID(h)
	if tracking.Load() {
		track(v, s)
	}
	return v
}

// FromUint64 returns an ID with exactly the value v.
func FromUint64(v uint64) ID {
	return ID(v)
}

// Value returns the underlying integer.
func (i ID) Value() uint64 {
	return uint64(i)
}

// Compare orders IDs by their underlying integer.
func (i ID) Compare(o ID) int {
	return cmp.Compare(uint64(i), uint64(o))
}

func (i ID) Less(o ID) bool {
	return i < o
}

// String renders the ID as hex. When name tracking is enabled and the source
// string is known, it is appended for diagnostics.
func (i ID) String() string {
	if name, ok := Name(i); ok {
		return fmt.Sprintf("0x%016x(%q)", uint64(i), name)
	}
	return fmt.Sprintf("0x%016x", uint64(i))
}
