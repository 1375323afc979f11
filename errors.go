// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import (
	"errors"
	"fmt"
)

// ErrNoDevices is returned when a bus reset is not answered by any presence
// pulse.
//
// It implements the NoDevices() marker used by periph.io's onewire package.
var ErrNoDevices error = noDevicesError("onewire: no devices present")

// ErrNoResponse is wrapped by a TransportError when both arbitration bits of
// a search round read as 1: no device answered, so devices disappeared or
// the line was disturbed during the search.
var ErrNoResponse error = busError("onewire: devices disappeared during search")

// ErrTriplet is wrapped by a TransportError when a transport's triplet
// result contradicts its own arbitration bits.
var ErrTriplet error = busError("onewire: triplet direction inconsistent with arbitration bits")

// ErrHeldLow is wrapped by a TransportError when a search pass assembles an
// all-zero address, which happens when the data line is stuck low.
var ErrHeldLow error = busError("onewire: search returned an all-zero address, is the bus held low?")

// ErrOverdrive is returned by a search on a bus running at overdrive speed.
// Search ROM is only defined at standard speed.
var ErrOverdrive = errors.New("onewire: search needs standard speed, bus is in overdrive")

// ErrNoOverdrive is returned when overdrive speed is requested from a bus
// that cannot run it.
var ErrNoOverdrive = errors.New("onewire: bus does not support overdrive speed")

// TransportError is returned when the bus did not behave as expected, either
// because a primitive operation failed or because the devices' answers were
// inconsistent.
//
// Search State is not updated by a failed call. Callers should nevertheless
// restart the enumeration with Searcher.Reset since the devices' view of the
// bus is unknown.
type TransportError struct {
	Op  string // operation that failed, e.g. "reset" or "search"
	Bit int    // 0-based address bit being exchanged, or -1
	Err error
}

func (e *TransportError) Error() string {
	if e.Bit >= 0 {
		return fmt.Sprintf("onewire: %s failed at bit %d: %v", e.Op, e.Bit, e.Err)
	}
	return fmt.Sprintf("onewire: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BusError implements the periph.io onewire.BusError interface.
func (e *TransportError) BusError() bool { return true }

// ChecksumError is returned when a fully assembled address fails its CRC
// check, typically due to noise on the line.
type ChecksumError struct {
	Addr Address // address as read, including the bad CRC byte
	Want byte    // CRC computed over the first 56 bits
	Got  byte    // CRC byte read from the bus
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("onewire: CRC error, addr=%#016x crc=%#02x expected=%#02x", uint64(e.Addr), e.Got, e.Want)
}

// BusError implements the periph.io onewire.BusError interface.
func (e *ChecksumError) BusError() bool { return true }

// IsNoDevices reports whether err signals that no device answered a reset,
// either ErrNoDevices or any error implementing NoDevices() bool.
func IsNoDevices(err error) bool {
	var nd interface{ NoDevices() bool }
	return errors.As(err, &nd) && nd.NoDevices()
}

// IsChecksum reports whether err is a ChecksumError.
func IsChecksum(err error) bool {
	var ce *ChecksumError
	return errors.As(err, &ce)
}

//

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

// noDevicesError implements error and onewire.NoDevicesError.
type noDevicesError string

func (e noDevicesError) Error() string   { return string(e) }
func (e noDevicesError) NoDevices() bool { return true }
func (e noDevicesError) BusError() bool  { return true }
