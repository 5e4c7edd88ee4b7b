// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import "math"

// Color is a floating point RGBA color with channels in [0,1].
type Color struct {
	R, G, B, A float32
}

// PackColor quantizes c to RGBA8888, red in the high byte. Channels are
// clamped to [0,1] and rounded down.
func PackColor(c Color) uint32 {
	return uint32(quantize(c.R))<<24 |
		uint32(quantize(c.G))<<16 |
		uint32(quantize(c.B))<<8 |
		uint32(quantize(c.A))
}

// UnpackColor is the inverse of PackColor up to quantization.
func UnpackColor(v uint32) Color {
	return Color{
		R: float32(v>>24&0xff) / 255,
		G: float32(v>>16&0xff) / 255,
		B: float32(v>>8&0xff) / 255,
		A: float32(v&0xff) / 255,
	}
}

func quantize(v float32) uint8 {
	if math.IsNaN(float64(v)) || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(math.Floor(float64(v) * 255))
}
