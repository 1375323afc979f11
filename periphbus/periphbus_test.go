// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package periphbus

import (
	"errors"
	"math/bits"
	"reflect"
	"sort"
	"testing"

	"github.com/GermanBionicSystems/onewire"
	"github.com/GermanBionicSystems/onewire/onewiretest"
	ponewire "periph.io/x/conn/v3/onewire"
)

var devices = []onewire.Address{
	0x740000070e41ac28,
	0x7a00000131825228,
	onewire.MakeAddress(0x28, 0x0000000000ff),
	onewire.MakeAddress(0x10, 0x000802b2e3a7),
	onewire.MakeAddress(0x3b, 0x0000deadbeef),
}

// plain hides the optional capabilities of a bus.
type plain struct {
	onewire.Bus
}

func TestString(t *testing.T) {
	sim := onewiretest.NewSim()
	if s := New(sim).String(); s != "onewiretest.Sim" {
		t.Fatal(s)
	}
	if s := New(plain{sim}).String(); s != "onewire" {
		t.Fatal(s)
	}
	if err := New(sim).Halt(); err != nil {
		t.Fatal(err)
	}
}

func TestSearch(t *testing.T) {
	want := make([]ponewire.Address, 0, len(devices))
	for _, a := range devices {
		want = append(want, ponewire.Address(a))
	}
	sort.Slice(want, func(i, j int) bool {
		return bits.Reverse64(uint64(want[i])) < bits.Reverse64(uint64(want[j]))
	})
	sim := onewiretest.NewSim(devices...)
	data := []struct {
		name string
		b    onewire.Bus
	}{
		{"fallback", plain{sim}},
		{"triplet", sim.Triplet()},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			b := New(line.b)
			got, err := b.Search(false)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("Search() = %v, want %v", got, want)
			}
			// periph.io's own search over SearchTriplet agrees.
			got, err = ponewire.Search(b, false)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("onewire.Search() = %v, want %v", got, want)
			}
		})
	}
}

func TestSearch_alarm(t *testing.T) {
	sim := onewiretest.NewSim(devices...)
	sim.Devices[1].Alarm = true
	got, err := New(sim).Search(true)
	if err != nil {
		t.Fatal(err)
	}
	if want := []ponewire.Address{ponewire.Address(devices[1])}; !reflect.DeepEqual(got, want) {
		t.Fatal(got)
	}
}

func TestSearch_checksum(t *testing.T) {
	// A device answering with a corrupted CRC byte.
	sim := onewiretest.NewSim(devices[0] ^ 1<<60)
	got, err := New(sim).Search(false)
	if len(got) != 0 || !onewire.IsChecksum(err) {
		t.Fatal(got, err)
	}
	var be ponewire.BusError
	if !errors.As(err, &be) || !be.BusError() {
		t.Fatal("expected a bus error")
	}
}

func TestTx(t *testing.T) {
	a := devices[0]
	sim := onewiretest.NewSim(devices...)
	d := ponewire.Dev{Bus: New(sim), Addr: ponewire.Address(a)}
	var r [9]byte
	if err := d.Tx([]byte{0xbe}, r[:]); err != nil {
		t.Fatal(err)
	}
	if sel := sim.Selected(); !reflect.DeepEqual(sel, []onewire.Address{a}) {
		t.Fatalf("selected %v", sel)
	}
	b := a.Bytes()
	want := []onewiretest.Op{
		{Kind: onewiretest.OpReset},
		{Kind: onewiretest.OpWriteByte, Byte: onewire.CmdMatchROM},
	}
	for _, v := range b {
		want = append(want, onewiretest.Op{Kind: onewiretest.OpWriteByte, Byte: v})
	}
	want = append(want, onewiretest.Op{Kind: onewiretest.OpWriteByte, Byte: 0xbe})
	for range r {
		// Function commands aren't simulated, the line stays high.
		want = append(want, onewiretest.Op{Kind: onewiretest.OpReadByte, Byte: 0xff})
	}
	if !reflect.DeepEqual(sim.Ops, want) {
		t.Fatalf("ops = %v", sim.Ops)
	}
	if sim.Pullup() {
		t.Fatal("unexpected strong pull-up")
	}
}

func TestTx_power(t *testing.T) {
	sim := onewiretest.NewSim(devices...)
	d := ponewire.Dev{Bus: New(sim), Addr: ponewire.Address(devices[2])}
	if err := d.TxPower([]byte{0x44}, nil); err != nil {
		t.Fatal(err)
	}
	if !sim.Pullup() {
		t.Fatal("expected strong pull-up")
	}
	ops := sim.Ops
	if n := len(ops); n < 2 || ops[n-2].Kind != onewiretest.OpPullup || ops[n-1] != (onewiretest.Op{Kind: onewiretest.OpWriteByte, Byte: 0x44}) {
		t.Fatalf("the pull-up must be armed before the last byte: %v", ops)
	}

	// Reading: armed before the last byte read.
	sim.Clear()
	if err := d.TxPower([]byte{0xb4}, make([]byte, 1)); err != nil {
		t.Fatal(err)
	}
	ops = sim.Ops
	if n := len(ops); ops[n-2].Kind != onewiretest.OpPullup || ops[n-1].Kind != onewiretest.OpReadByte {
		t.Fatalf("the pull-up must be armed before the last byte: %v", ops)
	}
}

func TestTx_noPullup(t *testing.T) {
	sim := onewiretest.NewSim(devices...)
	d := ponewire.Dev{Bus: New(plain{sim}), Addr: ponewire.Address(devices[2])}
	if err := d.TxPower([]byte{0x44}, nil); err != errNoPullup {
		t.Fatal(err)
	}
}

func TestTx_noDevices(t *testing.T) {
	b := New(onewiretest.NewSim())
	err := b.Tx([]byte{0xcc}, nil, ponewire.WeakPullup)
	var nd ponewire.NoDevicesError
	if !errors.As(err, &nd) || !nd.NoDevices() {
		t.Fatalf("expected NoDevicesError, got %v", err)
	}
	if _, err := b.Search(false); !onewire.IsNoDevices(err) {
		t.Fatal(err)
	}
}

func TestTx_shorted(t *testing.T) {
	sim := onewiretest.NewSim(devices...)
	sim.Shorted = true
	err := New(sim).Tx([]byte{0xcc}, nil, ponewire.WeakPullup)
	var s ponewire.ShortedBusError
	if !errors.As(err, &s) || !s.IsShorted() {
		t.Fatalf("expected ShortedBusError, got %v", err)
	}
}

func TestSearchTriplet(t *testing.T) {
	// Devices 0x..28 and 0x..10 differ at bit 3.
	sim := onewiretest.NewSim(onewire.MakeAddress(0x28, 1), onewire.MakeAddress(0x10, 1))
	for _, b := range []*Bus{New(sim), New(sim.Triplet())} {
		if err := b.Tx([]byte{onewire.CmdSearchROM}, nil, ponewire.WeakPullup); err != nil {
			t.Fatal(err)
		}
		want := []ponewire.TripletResult{
			{GotZero: true},
			{GotZero: true},
			{GotZero: true},
			{GotZero: true, GotOne: true},
		}
		for i, w := range want {
			got, err := b.SearchTriplet(0)
			if err != nil {
				t.Fatal(err)
			}
			if got != w {
				t.Fatalf("bit %d: got %+v, want %+v", i, got, w)
			}
		}
		// Taking 0 at bit 3 keeps 0x10 only, which has bit 4 set.
		got, err := b.SearchTriplet(0)
		if err != nil {
			t.Fatal(err)
		}
		if w := (ponewire.TripletResult{GotOne: true, Taken: 1}); got != w {
			t.Fatalf("bit 4: got %+v, want %+v", got, w)
		}
	}
}
