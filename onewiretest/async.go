// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiretest

import (
	"context"
	"time"

	"github.com/GermanBionicSystems/onewire"
)

// Async wraps a blocking bus into a suspension-capable one: every operation
// waits Delay for its bus slot, giving way to other goroutines, and gives up
// if the context is cancelled first.
//
// Use NewAsync to also forward the triplet capability.
type Async struct {
	Bus   onewire.Bus
	Delay time.Duration
}

// NewAsync returns a ContextBus over b. If b implements onewire.Tripleter,
// the result implements onewire.ContextTripleter.
func NewAsync(b onewire.Bus, delay time.Duration) onewire.ContextBus {
	a := &Async{Bus: b, Delay: delay}
	if t, ok := b.(onewire.Tripleter); ok {
		return &asyncTripleter{Async: a, t: t}
	}
	return a
}

// ResetContext implements onewire.ContextBus.
func (a *Async) ResetContext(ctx context.Context) (bool, error) {
	if err := a.wait(ctx); err != nil {
		return false, err
	}
	return a.Bus.Reset()
}

// WriteBitContext implements onewire.ContextBus.
func (a *Async) WriteBitContext(ctx context.Context, bit bool) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	return a.Bus.WriteBit(bit)
}

// ReadBitContext implements onewire.ContextBus.
func (a *Async) ReadBitContext(ctx context.Context) (bool, error) {
	if err := a.wait(ctx); err != nil {
		return false, err
	}
	return a.Bus.ReadBit()
}

// WriteByteContext implements onewire.ContextBus.
func (a *Async) WriteByteContext(ctx context.Context, b byte) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	return a.Bus.WriteByte(b)
}

// ReadByteContext implements onewire.ContextBus.
func (a *Async) ReadByteContext(ctx context.Context) (byte, error) {
	if err := a.wait(ctx); err != nil {
		return 0, err
	}
	return a.Bus.ReadByte()
}

// Overdrive implements onewire.SpeedBus.
func (a *Async) Overdrive() bool {
	s, ok := a.Bus.(onewire.SpeedBus)
	return ok && s.Overdrive()
}

// SetOverdrive implements onewire.SpeedBus. It returns onewire.ErrNoOverdrive
// if Bus doesn't implement it.
func (a *Async) SetOverdrive(on bool) error {
	if s, ok := a.Bus.(onewire.SpeedBus); ok {
		return s.SetOverdrive(on)
	}
	if on {
		return onewire.ErrNoOverdrive
	}
	return nil
}

func (a *Async) wait(ctx context.Context) error {
	if a.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(a.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type asyncTripleter struct {
	*Async
	t onewire.Tripleter
}

func (a *asyncTripleter) TripletContext(ctx context.Context, dir bool) (onewire.Triplet, error) {
	if err := a.wait(ctx); err != nil {
		return onewire.Triplet{}, err
	}
	return a.t.Triplet(dir)
}

var _ onewire.ContextBus = &Async{}
var _ onewire.SpeedBus = &Async{}
var _ onewire.ContextTripleter = &asyncTripleter{}
