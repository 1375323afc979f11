// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package periphbus exposes a onewire.Bus as a periph.io 1-wire bus.
//
// This lets the device drivers written against
// periph.io/x/conn/v3/onewire, like a DS18B20 thermometer, run over any
// transport implementing the primitive bit and byte operations.
package periphbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/GermanBionicSystems/onewire"
	"periph.io/x/conn/v3"
	ponewire "periph.io/x/conn/v3/onewire"
)

// New returns a periph.io 1-wire bus over b.
//
// Searches use b's triplet primitive if it has one.
func New(b onewire.Bus) *Bus {
	return &Bus{b: b, ctx: onewire.Blocking(b)}
}

// Bus implements periph.io's onewire.Bus and onewire.BusSearcher.
//
// Transactions are serialized.
type Bus struct {
	mu  sync.Mutex
	b   onewire.Bus
	ctx onewire.ContextBus
}

func (b *Bus) String() string {
	if s, ok := b.b.(fmt.Stringer); ok {
		return s.String()
	}
	return "onewire"
}

// Halt implements conn.Resource.
func (b *Bus) Halt() error {
	if h, ok := b.b.(conn.Resource); ok {
		return h.Halt()
	}
	return nil
}

// Tx implements periph.io's onewire.Bus.
//
// It resets the bus, writes w, reads len(r) bytes and, if power is
// onewire.StrongPullup, leaves the strong pull-up engaged after the last
// byte. A bus with no device returns an error implementing NoDevices().
func (b *Bus) Tx(w, r []byte, power ponewire.Pullup) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	present, err := b.b.Reset()
	if err != nil {
		return err
	}
	if !present {
		return onewire.ErrNoDevices
	}
	last := len(w) + len(r) - 1
	for i, v := range w {
		if i == last && power == ponewire.StrongPullup {
			if err := b.pullup(); err != nil {
				return err
			}
		}
		if err := b.b.WriteByte(v); err != nil {
			return err
		}
	}
	for i := range r {
		if len(w)+i == last && power == ponewire.StrongPullup {
			if err := b.pullup(); err != nil {
				return err
			}
		}
		if r[i], err = b.b.ReadByte(); err != nil {
			return err
		}
	}
	return nil
}

// Search implements periph.io's onewire.Bus.
//
// Unlike onewire.Search from periph.io it validates the family code and
// reports CRC errors as *onewire.ChecksumError.
func (b *Bus) Search(alarmOnly bool) ([]ponewire.Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	addrs, err := onewire.SearchContext(context.Background(), b.ctx, alarmOnly)
	out := make([]ponewire.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, ponewire.Address(a))
	}
	return out, err
}

// SearchTriplet implements periph.io's onewire.BusSearcher.
func (b *Bus) SearchTriplet(direction byte) (ponewire.TripletResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.triplet(direction != 0)
	if err != nil {
		return ponewire.TripletResult{}, err
	}
	r := ponewire.TripletResult{GotZero: !t.First, GotOne: !t.Second}
	if t.Taken {
		r.Taken = 1
	}
	return r, nil
}

//

func (b *Bus) pullup() error {
	p, ok := b.b.(onewire.PowerBus)
	if !ok {
		return errNoPullup
	}
	return p.StrongPullup()
}

func (b *Bus) triplet(dir bool) (onewire.Triplet, error) {
	if t, ok := b.b.(onewire.Tripleter); ok {
		return t.Triplet(dir)
	}
	var t onewire.Triplet
	var err error
	if t.First, err = b.b.ReadBit(); err != nil {
		return t, err
	}
	if t.Second, err = b.b.ReadBit(); err != nil {
		return t, err
	}
	switch {
	case t.First && t.Second:
		t.Taken = true
		return t, nil
	case t.First != t.Second:
		t.Taken = t.First
	default:
		t.Taken = dir
	}
	return t, b.b.WriteBit(t.Taken)
}

var errNoPullup = busError("periphbus: bus has no strong pull-up")

// busError implements error and periph.io onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var _ ponewire.BusSearcher = &Bus{}
var _ conn.Resource = &Bus{}
