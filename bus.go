// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import "context"

// Bus is the set of primitive operations a blocking 1-Wire transport must
// provide. Each call blocks until its bus time slots have completed.
//
// A Bus must not be used by two searches or transactions at the same time.
type Bus interface {
	// Reset pulls the bus low long enough to reset all devices and returns
	// true if at least one device answered with a presence pulse.
	Reset() (bool, error)
	// WriteBit sends one bit in a write time slot.
	WriteBit(bit bool) error
	// ReadBit generates a read time slot and returns the sampled bit.
	ReadBit() (bool, error)
	// WriteByte sends 8 bits, least significant bit first.
	WriteByte(b byte) error
	// ReadByte reads 8 bits, least significant bit first.
	ReadByte() (byte, error)
}

// ContextBus is the suspension-capable variant of Bus: the same operations
// with identical semantics, except that the caller may be descheduled while
// waiting for bus slots and that a cancelled context aborts the operation.
//
// After an aborted operation the bus state is unknown and the next use must
// start with a reset.
type ContextBus interface {
	ResetContext(ctx context.Context) (bool, error)
	WriteBitContext(ctx context.Context, bit bool) error
	ReadBitContext(ctx context.Context) (bool, error)
	WriteByteContext(ctx context.Context, b byte) error
	ReadByteContext(ctx context.Context) (byte, error)
}

// Triplet is the outcome of one search arbitration round.
type Triplet struct {
	First  bool // wired-AND of the devices' address bit
	Second bool // wired-AND of the complement of the devices' address bit
	Taken  bool // bit written back to the bus
}

// Tripleter is implemented by buses whose hardware performs a search
// arbitration round in one transaction: it reads the address bit and its
// complement, then writes dir if both were 0 and otherwise the bit implied
// by the read values (1 if both were 1).
//
// The Searcher uses it when available. Set SearchOpts.NoTriplet to fall back
// to ReadBit, ReadBit, WriteBit.
type Tripleter interface {
	Triplet(dir bool) (Triplet, error)
}

// ContextTripleter is the ContextBus counterpart of Tripleter.
type ContextTripleter interface {
	TripletContext(ctx context.Context, dir bool) (Triplet, error)
}

// PowerBus is implemented by buses able to drive the line with a strong
// pull-up, as needed to power temperature conversion or EEPROM writes on
// parasite-powered devices.
type PowerBus interface {
	Bus
	// StrongPullup arms the strong pull-up. It engages after the next byte
	// written or read and lasts until the next bus operation.
	StrongPullup() error
}

// SpeedBus is implemented by buses able to run their time slots at overdrive
// speed, about ten times faster than standard speed.
//
// Only devices switched with an Overdrive Skip ROM or Overdrive Match ROM
// command follow the bus at overdrive speed, and a reset at standard speed
// returns every device to standard speed. See SelectOverdrive and
// SelectAllOverdrive.
type SpeedBus interface {
	// Overdrive reports whether the bus runs at overdrive speed.
	Overdrive() bool
	// SetOverdrive switches the bus' own timing. It doesn't talk to the
	// devices. Wrappers over a bus without the capability return
	// ErrNoOverdrive when asked to enable it.
	SetOverdrive(on bool) error
}

// Blocking returns a ContextBus that runs each operation of b to completion.
//
// The context is only checked between operations. If b implements
// Tripleter, so does the returned value. The returned value implements
// SpeedBus by forwarding to b.
func Blocking(b Bus) ContextBus {
	if t, ok := b.(Tripleter); ok {
		return &blockingTripleter{blocking: blocking{b}, t: t}
	}
	return &blocking{b}
}

type blocking struct {
	b Bus
}

func (c *blocking) ResetContext(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.b.Reset()
}

func (c *blocking) WriteBitContext(ctx context.Context, bit bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.b.WriteBit(bit)
}

func (c *blocking) ReadBitContext(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.b.ReadBit()
}

func (c *blocking) WriteByteContext(ctx context.Context, b byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.b.WriteByte(b)
}

func (c *blocking) ReadByteContext(ctx context.Context) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.b.ReadByte()
}

func (c *blocking) Overdrive() bool {
	s, ok := c.b.(SpeedBus)
	return ok && s.Overdrive()
}

func (c *blocking) SetOverdrive(on bool) error {
	if s, ok := c.b.(SpeedBus); ok {
		return s.SetOverdrive(on)
	}
	if on {
		return ErrNoOverdrive
	}
	return nil
}

type blockingTripleter struct {
	blocking
	t Tripleter
}

func (c *blockingTripleter) TripletContext(ctx context.Context, dir bool) (Triplet, error) {
	if err := ctx.Err(); err != nil {
		return Triplet{}, err
	}
	return c.t.Triplet(dir)
}

var _ ContextTripleter = &blockingTripleter{}
var _ SpeedBus = &blocking{}
