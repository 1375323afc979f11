// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build onewire_crcbits

package common

// Update returns the CRC of a byte stream given the CRC of its prefix and
// the next byte.
//
// Built with onewire_crcbits: the bit-wise form, no lookup table in the hot
// path.
func Update(crc, b byte) byte {
	return UpdateBits(crc, b)
}

// Strategy names the CRC implementation selected at build time.
const Strategy = "bits"
