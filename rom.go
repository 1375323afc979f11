// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import "context"

// Select resets the bus and addresses the device with address a with a Match
// ROM command. The bytes that follow on b are exchanged with that device
// only.
func Select(b Bus, a Address) error {
	return SelectContext(context.Background(), Blocking(b), a)
}

// SelectContext is Select for a suspension-capable bus.
func SelectContext(ctx context.Context, b ContextBus, a Address) error {
	if err := resetPresent(ctx, b); err != nil {
		return err
	}
	if err := b.WriteByteContext(ctx, CmdMatchROM); err != nil {
		return &TransportError{Op: "match rom", Bit: -1, Err: err}
	}
	for i, v := range a.Bytes() {
		if err := b.WriteByteContext(ctx, v); err != nil {
			return &TransportError{Op: "match rom", Bit: 8 * i, Err: err}
		}
	}
	return nil
}

// SelectAll resets the bus and addresses all devices at once with a Skip ROM
// command, e.g. to start a temperature conversion everywhere.
func SelectAll(b Bus) error {
	return SelectAllContext(context.Background(), Blocking(b))
}

// SelectAllContext is SelectAll for a suspension-capable bus.
func SelectAllContext(ctx context.Context, b ContextBus) error {
	if err := resetPresent(ctx, b); err != nil {
		return err
	}
	if err := b.WriteByteContext(ctx, CmdSkipROM); err != nil {
		return &TransportError{Op: "skip rom", Bit: -1, Err: err}
	}
	return nil
}

// SelectOverdrive resets the bus and addresses the device with address a
// with an Overdrive Match ROM command, which also switches that device to
// overdrive speed.
//
// b must implement SpeedBus. The command byte is sent at the bus' current
// speed, then the bus is switched to overdrive speed for the address and
// left there. When the bus already runs at overdrive speed, only devices
// switched earlier see the reset. Call SetOverdrive(false) then reset the bus
// to bring everything back to standard speed.
func SelectOverdrive(b Bus, a Address) error {
	if _, ok := b.(SpeedBus); !ok {
		return ErrNoOverdrive
	}
	return SelectOverdriveContext(context.Background(), Blocking(b), a)
}

// SelectOverdriveContext is SelectOverdrive for a suspension-capable bus.
func SelectOverdriveContext(ctx context.Context, b ContextBus, a Address) error {
	sb, ok := b.(SpeedBus)
	if !ok {
		return ErrNoOverdrive
	}
	if err := resetPresent(ctx, b); err != nil {
		return err
	}
	if err := b.WriteByteContext(ctx, CmdOverdriveMatchROM); err != nil {
		return &TransportError{Op: "overdrive match rom", Bit: -1, Err: err}
	}
	if err := sb.SetOverdrive(true); err != nil {
		return err
	}
	for i, v := range a.Bytes() {
		if err := b.WriteByteContext(ctx, v); err != nil {
			return &TransportError{Op: "overdrive match rom", Bit: 8 * i, Err: err}
		}
	}
	return nil
}

// SelectAllOverdrive resets the bus and addresses all devices with an
// Overdrive Skip ROM command, switching them to overdrive speed. The bus
// follows and is left at overdrive speed.
//
// b must implement SpeedBus.
func SelectAllOverdrive(b Bus) error {
	if _, ok := b.(SpeedBus); !ok {
		return ErrNoOverdrive
	}
	return SelectAllOverdriveContext(context.Background(), Blocking(b))
}

// SelectAllOverdriveContext is SelectAllOverdrive for a suspension-capable
// bus.
func SelectAllOverdriveContext(ctx context.Context, b ContextBus) error {
	sb, ok := b.(SpeedBus)
	if !ok {
		return ErrNoOverdrive
	}
	if err := resetPresent(ctx, b); err != nil {
		return err
	}
	if err := b.WriteByteContext(ctx, CmdOverdriveSkipROM); err != nil {
		return &TransportError{Op: "overdrive skip rom", Bit: -1, Err: err}
	}
	return sb.SetOverdrive(true)
}

// ReadROM returns the address of the device on a single-drop bus.
//
// With more than one device present, the answers collide and the result
// fails its CRC check.
func ReadROM(b Bus) (Address, error) {
	return ReadROMContext(context.Background(), Blocking(b))
}

// ReadROMContext is ReadROM for a suspension-capable bus.
func ReadROMContext(ctx context.Context, b ContextBus) (Address, error) {
	if err := resetPresent(ctx, b); err != nil {
		return 0, err
	}
	if err := b.WriteByteContext(ctx, CmdReadROM); err != nil {
		return 0, &TransportError{Op: "read rom", Bit: -1, Err: err}
	}
	var buf [8]byte
	for i := range buf {
		v, err := b.ReadByteContext(ctx)
		if err != nil {
			return 0, &TransportError{Op: "read rom", Bit: 8 * i, Err: err}
		}
		buf[i] = v
	}
	return AddressFromBytes(buf[:])
}

func resetPresent(ctx context.Context, b ContextBus) error {
	present, err := b.ResetContext(ctx)
	if err != nil {
		return &TransportError{Op: "reset", Bit: -1, Err: err}
	}
	if !present {
		return ErrNoDevices
	}
	return nil
}
