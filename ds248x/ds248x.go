// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds248x drives the DS2482-100, DS2482-800 and DS2483 I²C to 1-Wire
// bridges.
//
// A Dev implements onewire.Bus, onewire.ContextBus, onewire.Tripleter,
// onewire.ContextTripleter, onewire.PowerBus and onewire.SpeedBus, so it can be handed to a
// onewire.Searcher or wrapped with periphbus.New.
//
// Datasheets
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/ds2482-100.pdf
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/ds2482-800.pdf
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/ds2483.pdf
package ds248x

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GermanBionicSystems/onewire"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
)

// PupOhm controls the strength of the passive pull-up resistor
// on the 1-wire data line. The default value is 1000Ω.
type PupOhm uint8

const (
	// R500Ω passive pull-up resistor.
	R500Ω = 4
	// R1000Ω passive pull-up resistor.
	R1000Ω = 6
)

// Opts contains options to pass to the constructor.
type Opts struct {
	PassivePullup bool // false:use active pull-up, true: disable active pullup

	// The following options are only available on the ds2483 (not ds2482-100).
	// The actual value used is the closest possible value (rounded up or down).
	ResetLow       time.Duration // reset low time, range 440μs..740μs
	PresenceDetect time.Duration // presence detect sample time, range 58μs..76μs
	Write0Low      time.Duration // write zero low time, range 52μs..70μs
	Write0Recovery time.Duration // write zero recovery time, range 2750ns..25250ns
	PullupRes      PupOhm        // passive pull-up resistance, true: 500Ω, false: 1kΩ
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	PassivePullup:  false,
	ResetLow:       560 * time.Microsecond,
	PresenceDetect: 68 * time.Microsecond,
	Write0Low:      64 * time.Microsecond,
	Write0Recovery: 5250 * time.Nanosecond,
	PullupRes:      R1000Ω,
}

// New returns a device object that communicates over I²C to the DS2482/DS2483
// controller.
//
// Valid I²C addresses are 0x18, 0x19, 0x20 and 0x21. A nil opts means
// DefaultOpts.
func New(i i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	switch addr {
	case 0x18, 0x19, 0x20, 0x21:
	default:
		return nil, errors.New("ds248x: given address not supported by device")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{i2c: &i2c.Dev{Bus: i, Addr: addr}}
	if err := d.makeDev(opts); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a handle to a ds248x device and it implements the onewire bus
// capability set.
//
// Dev implements a persistent error model: if a fatal error is encountered it
// places itself into an error state and immediately returns the last error on
// all subsequent calls. A fresh Dev, which reinitializes the hardware, must be
// created to proceed.
//
// A persistent error is only set when there is a problem with the ds248x
// device itself (or the I²C bus used to access it). Errors on the 1-wire bus
// do not cause persistent errors and implement the BusError() marker to
// indicate this fact. A cancelled context is not persistent either.
type Dev struct {
	sync.Mutex               // lock for the bus while an operation is in progress
	i2c        conn.Conn     // i2c device handle for the ds248x
	isDS248x   int           // 0: ds2482-100 1: ds2482-800 2: ds2483,
	confReg    byte          // value written to configuration register
	tReset     time.Duration // time to perform a 1-wire reset
	tSlot      time.Duration // time to perform a 1-bit 1-wire read/write
	spu        bool          // strong pull-up armed for the next byte
	busy       bool          // a 1-wire cycle may still be running
	err        error         // persistent error, device will no longer operate
}

func (d *Dev) String() string {
	switch d.isDS248x {
	case isDS2482x100:
		return fmt.Sprintf("DS2482-100{%s}", d.i2c)
	case isDS2482x800:
		return fmt.Sprintf("DS2482-800{%s}", d.i2c)
	case isDS2483:
		return fmt.Sprintf("DS2483{%s}", d.i2c)
	default:
		return fmt.Sprintf("Undefined{%s}", d.i2c)
	}
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// Reset implements onewire.Bus.
func (d *Dev) Reset() (bool, error) {
	return d.ResetContext(context.Background())
}

// ResetContext issues a reset signal on the 1-wire bus and returns true if
// any device responded with a presence pulse.
func (d *Dev) ResetContext(ctx context.Context) (bool, error) {
	d.Lock()
	defer d.Unlock()
	d.spu = false
	status, err := d.command(ctx, []byte{cmd1WReset}, d.tReset)
	if err != nil {
		return false, err
	}
	// Detect bus short and turn into 1-wire error
	if status&stSD != 0 {
		return false, shortedBusError("ds248x: bus has a short")
	}
	return status&stPPD != 0, nil
}

// WriteBit implements onewire.Bus.
func (d *Dev) WriteBit(bit bool) error {
	return d.WriteBitContext(context.Background(), bit)
}

// WriteBitContext implements onewire.ContextBus.
func (d *Dev) WriteBitContext(ctx context.Context, bit bool) error {
	d.Lock()
	defer d.Unlock()
	_, err := d.bit(ctx, bit)
	return err
}

// ReadBit implements onewire.Bus.
func (d *Dev) ReadBit() (bool, error) {
	return d.ReadBitContext(context.Background())
}

// ReadBitContext generates a read time slot, which is a write of a 1 bit
// that devices may pull low, and returns the sampled value.
func (d *Dev) ReadBitContext(ctx context.Context) (bool, error) {
	d.Lock()
	defer d.Unlock()
	status, err := d.bit(ctx, true)
	return status&stSBR != 0, err
}

// WriteByte implements onewire.Bus.
func (d *Dev) WriteByte(b byte) error {
	return d.WriteByteContext(context.Background(), b)
}

// WriteByteContext implements onewire.ContextBus.
func (d *Dev) WriteByteContext(ctx context.Context, b byte) error {
	d.Lock()
	defer d.Unlock()
	d.armPullup()
	_, err := d.command(ctx, []byte{cmd1WWrite, b}, 7*d.tSlot)
	return err
}

// ReadByte implements onewire.Bus.
func (d *Dev) ReadByte() (byte, error) {
	return d.ReadByteContext(context.Background())
}

// ReadByteContext implements onewire.ContextBus.
func (d *Dev) ReadByteContext(ctx context.Context) (byte, error) {
	d.Lock()
	defer d.Unlock()
	d.armPullup()
	if _, err := d.command(ctx, []byte{cmd1WRead}, 7*d.tSlot); err != nil {
		return 0, err
	}
	var r [1]byte
	d.i2cTx([]byte{cmdSetReadPtr, regRDR}, r[:])
	return r[0], d.err
}

// Triplet implements onewire.Tripleter.
func (d *Dev) Triplet(dir bool) (onewire.Triplet, error) {
	return d.TripletContext(context.Background(), dir)
}

// TripletContext performs a single bit search triplet command on the bus,
// waits for it to complete and returns the outcome.
//
// The chip writes dir when both read bits are 0.
func (d *Dev) TripletContext(ctx context.Context, dir bool) (onewire.Triplet, error) {
	d.Lock()
	defer d.Unlock()
	var v byte
	if dir {
		v = 0x80
	}
	// In theory 3*tSlot but it's actually overlapped.
	status, err := d.command(ctx, []byte{cmd1WTriplet, v}, 0)
	if err != nil {
		return onewire.Triplet{}, err
	}
	return onewire.Triplet{
		First:  status&stSBR != 0,
		Second: status&stTSB != 0,
		Taken:  status&stDIR != 0,
	}, nil
}

// StrongPullup implements onewire.PowerBus.
//
// The chip's strong pull-up engages after the next byte and is released by
// the chip at the next 1-wire activity.
func (d *Dev) StrongPullup() error {
	d.Lock()
	defer d.Unlock()
	if d.err != nil {
		return d.err
	}
	d.spu = true
	return nil
}

// Overdrive implements onewire.SpeedBus.
func (d *Dev) Overdrive() bool {
	d.Lock()
	defer d.Unlock()
	return d.confReg&conf1WS != 0
}

// SetOverdrive implements onewire.SpeedBus by setting or clearing the 1-Wire
// speed bit of the configuration register. The chip applies it from the next
// 1-wire command on, including the length of the reset pulse.
func (d *Dev) SetOverdrive(on bool) error {
	d.Lock()
	defer d.Unlock()
	if d.err != nil {
		return d.err
	}
	low := d.confReg & 0x0f &^ conf1WS
	if on {
		low |= conf1WS
	}
	c := low | (^low&0x0f)<<4
	if c == d.confReg {
		return nil
	}
	if d.busy {
		if _, err := d.waitIdle(context.Background(), 0); err != nil {
			return err
		}
	}
	var dcr [1]byte
	d.i2cTx([]byte{cmdWriteConfig, c}, dcr[:])
	if d.err != nil {
		return d.err
	}
	// When reading back we only get the bottom nibble
	if dcr[0] != low {
		d.err = fmt.Errorf("ds248x: failure to write device config register, wrote %#x got %#x back", c, dcr[0])
		return d.err
	}
	d.confReg = c
	return nil
}

// Search performs a "search" cycle on the 1-wire bus and returns the addresses
// of all devices on the bus if alarmOnly is false and of all devices in alarm
// state if alarmOnly is true.
//
// If an error occurs during the search the already-discovered devices are
// returned with the error.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	return onewire.SearchContext(context.Background(), d, alarmOnly)
}

// ChannelSelect function is for selecting one of eight 1-w channels on DS2482-800.
// On other chips it does nothing. Function silently limits channel selection between
// 0 and 7. It is expected that application keeps track of
// with 1-w device is connected to with channel.
//
// Communication error is returned if present.
func (d *Dev) ChannelSelect(ch int) (err error) {
	if d.isDS248x != isDS2482x800 {
		return nil
	}
	if ch < 0 {
		ch = 0
	}
	if ch > 7 {
		ch = 7
	}
	d.Lock()
	defer d.Unlock()
	csc := []byte{cscIO0w, cscIO1w, cscIO2w, cscIO3w, cscIO4w, cscIO5w, cscIO6w, cscIO7w}
	if err = d.i2c.Tx([]byte{cmdChannelSelect, csc[ch]}, nil); err != nil {
		return fmt.Errorf("ds2482-800: error while selecting channel: %w", err)
	}
	return nil
}

// SelectedChannel function is to read with 1-w channel selected on DS2482-800.
// On other chips it always returns 0. It is expected that application keeps track of
// with 1-w device is connected to with channel.
//
// On error returns 255.
func (d *Dev) SelectedChannel() (ch int) {
	if d.isDS248x != isDS2482x800 {
		return 0
	}
	d.Lock()
	defer d.Unlock()
	var sch [1]byte
	if err := d.i2c.Tx([]byte{cmdSetReadPtr, regCSR}, sch[:]); err != nil {
		return 255
	}
	csc := []byte{cscIO0r, cscIO1r, cscIO2r, cscIO3r, cscIO4r, cscIO5r, cscIO6r, cscIO7r}
	if ch = bytes.IndexByte(csc, sch[0]); ch < 0 {
		return 255
	}
	return ch
}

// Channels returns the number of 1-wire channels of the chip.
func (d *Dev) Channels() int {
	if d.isDS248x == isDS2482x800 {
		return 8
	}
	return 1
}

//

// bit performs a 1-wire single bit command and returns the status register.
func (d *Dev) bit(ctx context.Context, bit bool) (byte, error) {
	var v byte
	if bit {
		v = 0x80
	}
	return d.command(ctx, []byte{cmd1WBit, v}, d.tSlot)
}

// command sends a 1-wire command once the previous cycle completed and
// waits for it to complete.
func (d *Dev) command(ctx context.Context, w []byte, delay time.Duration) (byte, error) {
	if d.busy {
		// A cancelled wait left a cycle running.
		if _, err := d.waitIdle(ctx, 0); err != nil {
			return 0, err
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d.i2cTx(w, nil)
	if d.err != nil {
		return 0, d.err
	}
	return d.waitIdle(ctx, delay)
}

// armPullup sets the strong pull-up bit of the configuration register if
// StrongPullup was called.
func (d *Dev) armPullup() {
	if !d.spu {
		return
	}
	d.spu = false
	d.i2cTx([]byte{cmdWriteConfig, d.confReg&0xbf | 0x4}, nil)
}

// i2cTx is a helper function to call i2c.Tx and handle the error by persisting
// it.
func (d *Dev) i2cTx(w, r []byte) {
	if d.err != nil {
		return
	}
	d.err = d.i2c.Tx(w, r)
}

// waitIdle waits for the one wire bus to be idle.
//
// It initially sleeps for the delay and then polls the status register and
// sleeps for a tenth of the delay each time the status register indicates that
// the bus is still busy. The last read status byte is returned.
//
// An overall timeout of 3ms is applied to the whole procedure. waitIdle uses
// the persistent error model, except for a cancelled context which is
// returned as is and leaves the bus marked busy.
func (d *Dev) waitIdle(ctx context.Context, delay time.Duration) (byte, error) {
	if d.err != nil {
		return 0, d.err
	}
	d.busy = true
	// Overall timeout.
	tOut := time.Now().Add(3 * time.Millisecond)
	if err := pause(ctx, delay); err != nil {
		return 0, err
	}
	for {
		// Read status register.
		var status [1]byte
		d.i2cTx(nil, status[:])
		if d.err != nil {
			return 0, d.err
		}
		if (status[0] & stBusy) == 0 {
			d.busy = false
			return status[0], nil
		}
		// If we're timing out return error. This is an error with the ds248x, not with
		// devices on the 1-wire bus, hence it is persistent.
		if time.Now().After(tOut) {
			d.err = errors.New("ds248x: timeout waiting for bus cycle to finish")
			return 0, d.err
		}
		// Try not to hog the kernel thread.
		if err := pause(ctx, delay/10); err != nil {
			return 0, err
		}
	}
}

// pause sleeps for t or until ctx is done.
func pause(ctx context.Context, t time.Duration) error {
	if ctx.Done() == nil {
		sleep(t)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t <= 0 {
		return nil
	}
	timer := time.NewTimer(t)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Dev) makeDev(opts *Opts) error {
	d.tReset = 2 * opts.ResetLow
	d.tSlot = opts.Write0Low + opts.Write0Recovery

	// Issue a reset command.
	if err := d.i2c.Tx([]byte{cmdReset}, nil); err != nil {
		return fmt.Errorf("ds248x: error while resetting: %w", err)
	}

	// Read the status register to confirm that we have a responding ds248x
	var stat [1]byte
	if err := d.i2c.Tx([]byte{cmdSetReadPtr, regStatus}, stat[:]); err != nil {
		return fmt.Errorf("ds248x: error while reading status register: %w", err)
	}
	if stat[0] != 0x18 {
		return fmt.Errorf("ds248x: invalid status register value: %#x, expected 0x18", stat[0])
	}

	// Write the device configuration register to get the chip out of reset state, immediately
	// read it back to get confirmation.
	d.confReg = 0xe1 // standard-speed, no strong pullup, no powerdown, active pull-up
	if opts.PassivePullup {
		d.confReg ^= 0x11
	}
	var dcr [1]byte
	if err := d.i2c.Tx([]byte{cmdWriteConfig, d.confReg}, dcr[:]); err != nil {
		return fmt.Errorf("ds248x: error while writing device config register: %w", err)
	}
	// When reading back we only get the bottom nibble
	if dcr[0] != d.confReg&0x0f {
		return fmt.Errorf("ds248x: failure to write device config register, wrote %#x got %#x back",
			d.confReg, dcr[0])
	}

	// Set the read ptr to the port configuration register to determine whether we have a
	// ds2483 vs ds2482-100. This will fail on devices that do not have a port config
	// register, such as the ds2482-100.
	if d.i2c.Tx([]byte{cmdSetReadPtr, regPCR}, nil) == nil {
		d.isDS248x = isDS2483
		buf := []byte{cmdAdjPort,
			byte(0x00 + ((opts.ResetLow/time.Microsecond - 430) / 20 & 0x0f)),
			byte(0x20 + ((opts.PresenceDetect/time.Microsecond - 55) / 2 & 0x0f)),
			byte(0x40 + ((opts.Write0Low/time.Microsecond - 51) / 2 & 0x0f)),
			byte(0x60 + (((opts.Write0Recovery-1250)/2500 + 5) & 0x0f)),
			byte(0x80 + (opts.PullupRes & 0x0f)),
		}
		if err := d.i2c.Tx(buf, nil); err != nil {
			return fmt.Errorf("ds248x: error while setting port config values: %w", err)
		}
	} else if d.i2c.Tx([]byte{cmdSetReadPtr, regCSR}, nil) == nil {
		d.isDS248x = isDS2482x800
		if err := d.i2c.Tx([]byte{cmdChannelSelect, cscIO0w}, nil); err != nil {
			return fmt.Errorf("ds2482-800: error while selecting channel: %w", err)
		}
	} else {
		d.isDS248x = isDS2482x100
	}
	return nil
}

// shortedBusError implements error and periph.io onewire.ShortedBusError.
type shortedBusError string

func (e shortedBusError) Error() string   { return string(e) }
func (e shortedBusError) IsShorted() bool { return true }
func (e shortedBusError) BusError() bool  { return true }

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ onewire.PowerBus = &Dev{}
var _ onewire.Tripleter = &Dev{}
var _ onewire.ContextBus = &Dev{}
var _ onewire.ContextTripleter = &Dev{}
var _ onewire.SpeedBus = &Dev{}

const (
	cmdReset         = 0xf0 // reset ds248x
	cmdSetReadPtr    = 0xe1 // set the read pointer
	cmdWriteConfig   = 0xd2 // write the device configuration
	cmdAdjPort       = 0xc3 // adjust 1-wire port (ds2483)
	cmdChannelSelect = 0xc3 // channel select (ds2482-800)
	cmd1WReset       = 0xb4 // reset the 1-wire bus
	cmd1WBit         = 0x87 // perform a single-bit transaction on the 1-wire bus
	cmd1WWrite       = 0xa5 // perform a byte write on the 1-wire bus
	cmd1WRead        = 0x96 // perform a byte read on the 1-wire bus
	cmd1WTriplet     = 0x78 // perform a triplet operation (2 bit reads, a bit write)

	regStatus = 0xf0 // read ptr for status register
	regRDR    = 0xe1 // read ptr for read-data register
	regPCR    = 0xb4 // read ptr for port configuration register
	regCSR    = 0xd2 // read ptr for channel selection register

	conf1WS = 0x08 // configuration register 1-Wire speed bit, overdrive when set

	// status register bits
	stBusy = 0x01 // 1-wire busy
	stPPD  = 0x02 // presence pulse detected
	stSD   = 0x04 // short detected
	stSBR  = 0x20 // single bit result, first bit of a triplet
	stTSB  = 0x40 // triplet second bit
	stDIR  = 0x80 // branch direction taken by a triplet

	// ds2482-800 channel selection codes to be written and read back
	cscIO0w = 0xF0 // channel 0 writing
	cscIO0r = 0xB8 // channel 0 reading
	cscIO1w = 0xE1 // channel 1 writing
	cscIO1r = 0xB1 // channel 1 reading
	cscIO2w = 0xD2 // channel 2 writing
	cscIO2r = 0xAA // channel 2 reading
	cscIO3w = 0xC3 // channel 3 writing
	cscIO3r = 0xA3 // channel 3 reading
	cscIO4w = 0xB4 // channel 4 writing
	cscIO4r = 0x9C // channel 4 reading
	cscIO5w = 0xA5 // channel 5 writing
	cscIO5r = 0x95 // channel 5 reading
	cscIO6w = 0x96 // channel 6 writing
	cscIO6r = 0x8E // channel 6 reading
	cscIO7w = 0x87 // channel 7 writing
	cscIO7r = 0x87 // channel 7 reading

	isDS2482x100 = 0 // DS2482-100 selected
	isDS2482x800 = 1 // DS2482-800 selected
	isDS2483     = 2 // DS2483 selected
)
