// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build !onewire_crcbits

package common

// Update returns the CRC of a byte stream given the CRC of its prefix and
// the next byte.
//
// The table driven form is used unless the onewire_crcbits build tag is set.
func Update(crc, b byte) byte {
	return crcTable[crc^b]
}

// Strategy names the CRC implementation selected at build time.
const Strategy = "table"
