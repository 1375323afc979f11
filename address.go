// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/GermanBionicSystems/onewire/common"
)

// Address is the 64-bit ROM code of a 1-Wire device in little-endian
// format.
//
// The family code is in the lower byte, the CRC in the top byte and the 48
// bit serial number in the middle 6 bytes. This is the order in which the
// bits travel on the bus. E.g. a DS18B20 device, which has a family code of
// 0x28, might have address 0x7a00000131825228.
type Address uint64

// MakeAddress assembles the address of a device with the given family code
// and 48 bit serial number and computes its CRC.
func MakeAddress(family byte, serial uint64) Address {
	a := Address(family) | Address(serial&serialMask)<<8
	b := a.Bytes()
	return a | Address(common.CRC8(b[:7]))<<56
}

// AddressFromBytes returns the address stored in buf, which must hold the 8
// bytes as transmitted on the bus: family code first, CRC last.
func AddressFromBytes(buf []byte) (Address, error) {
	if len(buf) != 8 {
		return 0, errors.New("onewire: address must be 8 bytes")
	}
	a := Address(binary.LittleEndian.Uint64(buf))
	if !common.Check(buf) {
		return a, &ChecksumError{Addr: a, Want: common.CRC8(buf[:7]), Got: buf[7]}
	}
	return a, nil
}

// ParseAddress parses either the "ff-ssssssssssss" form returned by String,
// in which case the CRC is computed, or a raw 64-bit hex value such as
// "0x7a00000131825228", in which case the CRC must be correct.
func ParseAddress(s string) (Address, error) {
	if fam, sn, ok := strings.Cut(s, "-"); ok {
		if len(fam) != 2 || len(sn) != 12 {
			return 0, fmt.Errorf("onewire: invalid address %q", s)
		}
		f, err := strconv.ParseUint(fam, 16, 8)
		if err != nil {
			return 0, fmt.Errorf("onewire: invalid family code in %q: %w", s, err)
		}
		n, err := strconv.ParseUint(sn, 16, 48)
		if err != nil {
			return 0, fmt.Errorf("onewire: invalid serial number in %q: %w", s, err)
		}
		return MakeAddress(byte(f), n), nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("onewire: invalid address %q: %w", s, err)
	}
	a := Address(v)
	if !a.Valid() {
		b := a.Bytes()
		return 0, &ChecksumError{Addr: a, Want: common.CRC8(b[:7]), Got: a.CRC()}
	}
	return a, nil
}

// Family returns the family code, which identifies the device type.
func (a Address) Family() byte {
	return byte(a)
}

// Serial returns the 48 bit serial number.
func (a Address) Serial() uint64 {
	return uint64(a>>8) & serialMask
}

// CRC returns the CRC byte carried in the address.
func (a Address) CRC() byte {
	return byte(a >> 56)
}

// Bytes returns the address in bus order.
func (a Address) Bytes() [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(a))
	return b
}

// Valid reports whether the CRC byte matches the first 7 bytes.
func (a Address) Valid() bool {
	b := a.Bytes()
	return common.Check(b[:])
}

// String returns the address in the "family-serial" form used by the Linux
// w1 subsystem, e.g. "28-000001318252".
func (a Address) String() string {
	return fmt.Sprintf("%02x-%012x", a.Family(), a.Serial())
}

const serialMask = 1<<48 - 1
