// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds248x

import (
	"context"
	"errors"
	"math/bits"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/GermanBionicSystems/onewire"
	"github.com/GermanBionicSystems/onewire/onewiretest"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"
)

const addr uint16 = 0x18

// ds2483Init is the I/O of New with DefaultOpts on a DS2483.
func ds2483Init() []i2ctest.IO {
	return []i2ctest.IO{
		{Addr: addr, W: []byte{cmdReset}},
		{Addr: addr, W: []byte{cmdSetReadPtr, regStatus}, R: []byte{0x18}},
		{Addr: addr, W: []byte{cmdWriteConfig, 0xe1}, R: []byte{0x01}},
		{Addr: addr, W: []byte{cmdSetReadPtr, regPCR}},
		{Addr: addr, W: []byte{cmdAdjPort, 0x06, 0x26, 0x46, 0x66, 0x86}},
	}
}

func newPlayback(t *testing.T, ops ...i2ctest.IO) (*Dev, *i2ctest.Playback) {
	pb := &i2ctest.Playback{Ops: append(ds2483Init(), ops...), DontPanic: true}
	d, err := New(pb, addr, nil)
	if err != nil {
		t.Fatal(err)
	}
	return d, pb
}

func noSleep(t *testing.T) *[]time.Duration {
	var sleeps []time.Duration
	sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	t.Cleanup(func() { sleep = time.Sleep })
	return &sleeps
}

func TestNew_addr(t *testing.T) {
	for _, a := range []uint16{0x00, 0x17, 0x22, 0x48} {
		if d, err := New(&i2ctest.Playback{}, a, nil); d != nil || err == nil {
			t.Errorf("%#x: expected error", a)
		}
	}
}

func TestNew_status(t *testing.T) {
	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: addr, W: []byte{cmdReset}},
			{Addr: addr, W: []byte{cmdSetReadPtr, regStatus}, R: []byte{0x00}},
		},
		DontPanic: true,
	}
	if d, err := New(pb, addr, nil); d != nil || err == nil {
		t.Fatal("expected error on bad status register")
	}
}

func TestNew_config(t *testing.T) {
	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: addr, W: []byte{cmdReset}},
			{Addr: addr, W: []byte{cmdSetReadPtr, regStatus}, R: []byte{0x18}},
			{Addr: addr, W: []byte{cmdWriteConfig, 0xf0}, R: []byte{0x00}},
			{Addr: addr, W: []byte{cmdSetReadPtr, regPCR}},
			{Addr: addr, W: []byte{cmdAdjPort, 0x06, 0x26, 0x46, 0x66, 0x86}},
		},
	}
	opts := DefaultOpts
	opts.PassivePullup = true
	d, err := New(pb, addr, &opts)
	if err != nil {
		t.Fatal(err)
	}
	if d.confReg != 0xf0 {
		t.Fatalf("confReg = %#x", d.confReg)
	}
	if err := pb.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNew_ds2483(t *testing.T) {
	d, pb := newPlayback(t)
	if s := d.String(); s != "DS2483{playback(24)}" {
		t.Fatal(s)
	}
	if n := d.Channels(); n != 1 {
		t.Fatal(n)
	}
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	if err := pb.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNew_ds2482x100(t *testing.T) {
	noSleep(t)
	// Neither the port configuration nor the channel selection register
	// exist: both pointer writes are refused by the playback mismatch.
	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: addr, W: []byte{cmdReset}},
			{Addr: addr, W: []byte{cmdSetReadPtr, regStatus}, R: []byte{0x18}},
			{Addr: addr, W: []byte{cmdWriteConfig, 0xe1}, R: []byte{0x01}},
			{Addr: addr, W: []byte{cmd1WReset}},
			{Addr: addr, R: []byte{stPPD}},
		},
		DontPanic: true,
	}
	d, err := New(pb, addr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s := d.String(); s != "DS2482-100{playback(24)}" {
		t.Fatal(s)
	}
	if present, err := d.Reset(); !present || err != nil {
		t.Fatal(present, err)
	}
	if err := d.ChannelSelect(3); err != nil {
		t.Fatal(err)
	}
	if ch := d.SelectedChannel(); ch != 0 {
		t.Fatal(ch)
	}
	if err := pb.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNew_ds2482x800(t *testing.T) {
	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: addr, W: []byte{cmdReset}},
			{Addr: addr, W: []byte{cmdSetReadPtr, regStatus}, R: []byte{0x18}},
			{Addr: addr, W: []byte{cmdWriteConfig, 0xe1}, R: []byte{0x01}},
			{Addr: addr, W: []byte{cmdSetReadPtr, regCSR}},
			{Addr: addr, W: []byte{cmdChannelSelect, cscIO0w}},
			{Addr: addr, W: []byte{cmdChannelSelect, cscIO3w}},
			{Addr: addr, W: []byte{cmdSetReadPtr, regCSR}, R: []byte{cscIO3r}},
			{Addr: addr, W: []byte{cmdChannelSelect, cscIO7w}},
			{Addr: addr, W: []byte{cmdSetReadPtr, regCSR}, R: []byte{0x42}},
		},
		DontPanic: true,
	}
	d, err := New(pb, addr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s := d.String(); s != "DS2482-800{playback(24)}" {
		t.Fatal(s)
	}
	if n := d.Channels(); n != 8 {
		t.Fatal(n)
	}
	if err := d.ChannelSelect(3); err != nil {
		t.Fatal(err)
	}
	if ch := d.SelectedChannel(); ch != 3 {
		t.Fatal(ch)
	}
	// Out of range channels are clamped.
	if err := d.ChannelSelect(12); err != nil {
		t.Fatal(err)
	}
	if ch := d.SelectedChannel(); ch != 255 {
		t.Fatal(ch)
	}
	if err := pb.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestReset(t *testing.T) {
	data := []struct {
		name    string
		status  []byte
		present bool
		shorted bool
	}{
		{"present", []byte{stPPD}, true, false},
		{"empty", []byte{0x00}, false, false},
		{"busy", []byte{stBusy, stBusy, stPPD}, true, false},
		{"short", []byte{stPPD | stSD}, false, true},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			sleeps := noSleep(t)
			ops := []i2ctest.IO{{Addr: addr, W: []byte{cmd1WReset}}}
			for _, s := range line.status {
				ops = append(ops, i2ctest.IO{Addr: addr, R: []byte{s}})
			}
			d, pb := newPlayback(t, ops...)
			present, err := d.Reset()
			if present != line.present {
				t.Fatalf("present = %t", present)
			}
			if line.shorted {
				var s interface{ IsShorted() bool }
				if !errors.As(err, &s) || !s.IsShorted() {
					t.Fatalf("expected shorted bus error, got %v", err)
				}
				if d.err != nil {
					t.Fatal("a short must not be persistent")
				}
			} else if err != nil {
				t.Fatal(err)
			}
			// One initial wait then a tenth of it per busy poll.
			want := []time.Duration{1120 * time.Microsecond}
			for i := 1; i < len(line.status); i++ {
				want = append(want, 112*time.Microsecond)
			}
			if !reflect.DeepEqual(*sleeps, want) {
				t.Fatalf("sleeps = %v, want %v", *sleeps, want)
			}
			if err := pb.Close(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestBits(t *testing.T) {
	noSleep(t)
	d, pb := newPlayback(t,
		i2ctest.IO{Addr: addr, W: []byte{cmd1WBit, 0x00}},
		i2ctest.IO{Addr: addr, R: []byte{0x00}},
		i2ctest.IO{Addr: addr, W: []byte{cmd1WBit, 0x80}},
		i2ctest.IO{Addr: addr, R: []byte{stSBR}},
		i2ctest.IO{Addr: addr, W: []byte{cmd1WBit, 0x80}},
		i2ctest.IO{Addr: addr, R: []byte{0x00}},
	)
	if err := d.WriteBit(false); err != nil {
		t.Fatal(err)
	}
	if v, err := d.ReadBit(); !v || err != nil {
		t.Fatal(v, err)
	}
	if v, err := d.ReadBit(); v || err != nil {
		t.Fatal(v, err)
	}
	if err := pb.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBytes(t *testing.T) {
	noSleep(t)
	d, pb := newPlayback(t,
		i2ctest.IO{Addr: addr, W: []byte{cmd1WWrite, 0xcc}},
		i2ctest.IO{Addr: addr, R: []byte{0x00}},
		i2ctest.IO{Addr: addr, W: []byte{cmd1WRead}},
		i2ctest.IO{Addr: addr, R: []byte{0x00}},
		i2ctest.IO{Addr: addr, W: []byte{cmdSetReadPtr, regRDR}, R: []byte{0xbe}},
	)
	if err := d.WriteByte(0xcc); err != nil {
		t.Fatal(err)
	}
	if b, err := d.ReadByte(); b != 0xbe || err != nil {
		t.Fatal(b, err)
	}
	if err := pb.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestStrongPullup(t *testing.T) {
	noSleep(t)
	d, pb := newPlayback(t,
		i2ctest.IO{Addr: addr, W: []byte{cmdWriteConfig, 0xa5}},
		i2ctest.IO{Addr: addr, W: []byte{cmd1WWrite, 0x44}},
		i2ctest.IO{Addr: addr, R: []byte{0x00}},
		// Only the byte following StrongPullup is powered.
		i2ctest.IO{Addr: addr, W: []byte{cmd1WWrite, 0x44}},
		i2ctest.IO{Addr: addr, R: []byte{0x00}},
	)
	if err := d.StrongPullup(); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteByte(0x44); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteByte(0x44); err != nil {
		t.Fatal(err)
	}
	if err := pb.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOverdrive(t *testing.T) {
	noSleep(t)
	d, pb := newPlayback(t,
		i2ctest.IO{Addr: addr, W: []byte{cmdWriteConfig, 0x69}, R: []byte{0x09}},
		// The strong pull-up keeps the speed bit.
		i2ctest.IO{Addr: addr, W: []byte{cmdWriteConfig, 0x2d}},
		i2ctest.IO{Addr: addr, W: []byte{cmd1WWrite, 0x44}},
		i2ctest.IO{Addr: addr, R: []byte{0x00}},
		i2ctest.IO{Addr: addr, W: []byte{cmdWriteConfig, 0xe1}, R: []byte{0x01}},
	)
	if d.Overdrive() {
		t.Fatal("standard speed expected after New")
	}
	if err := d.SetOverdrive(true); err != nil {
		t.Fatal(err)
	}
	// No I/O when the speed doesn't change.
	if err := d.SetOverdrive(true); err != nil {
		t.Fatal(err)
	}
	if !d.Overdrive() {
		t.Fatal("overdrive not set")
	}
	if err := d.StrongPullup(); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteByte(0x44); err != nil {
		t.Fatal(err)
	}
	if err := d.SetOverdrive(false); err != nil {
		t.Fatal(err)
	}
	if d.Overdrive() {
		t.Fatal("overdrive not cleared")
	}
	if err := pb.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOverdrive_readBack(t *testing.T) {
	d, _ := newPlayback(t,
		i2ctest.IO{Addr: addr, W: []byte{cmdWriteConfig, 0x69}, R: []byte{0x01}},
	)
	if err := d.SetOverdrive(true); err == nil {
		t.Fatal("expected error")
	}
	if d.Overdrive() {
		t.Fatal("speed changed despite the failure")
	}
	if _, err := d.Reset(); err == nil {
		t.Fatal("expected persistent error")
	}
}

func TestTriplet(t *testing.T) {
	data := []struct {
		dir    bool
		status byte
		want   onewire.Triplet
	}{
		{false, 0x00, onewire.Triplet{}},
		{true, stDIR, onewire.Triplet{Taken: true}},
		{false, stSBR | stDIR, onewire.Triplet{First: true, Taken: true}},
		{true, stTSB, onewire.Triplet{Second: true}},
		{false, stSBR | stTSB | stDIR, onewire.Triplet{First: true, Second: true, Taken: true}},
	}
	for i, line := range data {
		noSleep(t)
		var v byte
		if line.dir {
			v = 0x80
		}
		d, pb := newPlayback(t,
			i2ctest.IO{Addr: addr, W: []byte{cmd1WTriplet, v}},
			i2ctest.IO{Addr: addr, R: []byte{line.status}},
		)
		got, err := d.Triplet(line.dir)
		if err != nil {
			t.Fatal(i, err)
		}
		if got != line.want {
			t.Errorf("#%d: got %+v, want %+v", i, got, line.want)
		}
		if err := pb.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPersistentError(t *testing.T) {
	noSleep(t)
	d, pb := newPlayback(t, i2ctest.IO{Addr: addr, W: []byte{cmd1WReset}})
	// The playback expects a reset, the write fails.
	if err := d.WriteByte(0x33); err == nil {
		t.Fatal("expected error")
	}
	count := pb.Count
	if _, err := d.Reset(); err == nil {
		t.Fatal("expected persistent error")
	}
	if err := d.StrongPullup(); err == nil {
		t.Fatal("expected persistent error")
	}
	if pb.Count != count {
		t.Fatal("no I/O expected after a persistent error")
	}
}

func TestContext(t *testing.T) {
	noSleep(t)
	d, pb := newPlayback(t,
		i2ctest.IO{Addr: addr, W: []byte{cmd1WReset}},
		i2ctest.IO{Addr: addr, R: []byte{stPPD}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.ResetContext(ctx); !errors.Is(err, context.Canceled) {
		t.Fatal(err)
	}
	if _, err := d.TripletContext(ctx, true); !errors.Is(err, context.Canceled) {
		t.Fatal(err)
	}
	// Cancellation is not a device failure.
	if present, err := d.ResetContext(context.Background()); !present || err != nil {
		t.Fatal(present, err)
	}
	if err := pb.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestContext_busy(t *testing.T) {
	noSleep(t)
	d, pb := newPlayback(t,
		i2ctest.IO{Addr: addr, W: []byte{cmd1WReset}},
		i2ctest.IO{Addr: addr, R: []byte{stPPD}},
		i2ctest.IO{Addr: addr, W: []byte{cmd1WWrite, 0xcc}},
		i2ctest.IO{Addr: addr, R: []byte{0x00}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	// The reset is issued but the wait is interrupted.
	d.i2cTx([]byte{cmd1WReset}, nil)
	d.busy = true
	cancel()
	if _, err := d.waitIdle(ctx, time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatal(err)
	}
	// The next command first waits for the pending cycle.
	if err := d.WriteByte(0xcc); err != nil {
		t.Fatal(err)
	}
	if err := pb.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSearch(t *testing.T) {
	noSleep(t)
	var addrs []onewire.Address
	for _, serial := range []uint64{0x000001318252, 0x0000070e41ac, 0x00000000000a, 0x0000ffff0001} {
		addrs = append(addrs, onewire.MakeAddress(0x28, serial))
	}
	addrs = append(addrs, onewire.MakeAddress(0x10, 0x000802b2e3a7))
	for _, noTriplet := range []bool{false, true} {
		sim := onewiretest.NewSim(addrs...)
		d, err := New(&bridge{sim: sim, busy: 1}, addr, nil)
		if err != nil {
			t.Fatal(err)
		}
		s := onewire.NewSearcherContext(d, &onewire.SearchOpts{NoTriplet: noTriplet})
		got, err := onewire.Collect(context.Background(), s)
		if err != nil {
			t.Fatal(err)
		}
		if want := busOrder(addrs); !reflect.DeepEqual(got, want) {
			t.Fatalf("NoTriplet=%t: got %v, want %v", noTriplet, got, want)
		}
		if n := sim.Count(onewiretest.OpTriplet); (n == 0) != noTriplet {
			t.Fatalf("NoTriplet=%t: %d triplets", noTriplet, n)
		}
	}
}

func TestSearch_empty(t *testing.T) {
	noSleep(t)
	d, err := New(&bridge{sim: onewiretest.NewSim()}, addr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := d.Search(false); len(got) != 0 || !onewire.IsNoDevices(err) {
		t.Fatal(got, err)
	}
}

func TestReadROM(t *testing.T) {
	noSleep(t)
	a := onewire.Address(0x740000070e41ac28)
	sim := onewiretest.NewSim(a)
	d, err := New(&bridge{sim: sim}, addr, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := onewire.ReadROM(d)
	if err != nil {
		t.Fatal(err)
	}
	if got != a {
		t.Fatalf("got %s", got)
	}
	if err := onewire.Select(d, a); err != nil {
		t.Fatal(err)
	}
	if sel := sim.Selected(); !reflect.DeepEqual(sel, []onewire.Address{a}) {
		t.Fatal(sel)
	}
}

func TestSelectOverdrive(t *testing.T) {
	noSleep(t)
	a := onewire.MakeAddress(0x28, 0x000001318252)
	b := onewire.MakeAddress(0x10, 0x000802b2e3a7)
	sim := onewiretest.NewSim(a, b)
	d, err := New(&bridge{sim: sim}, addr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := onewire.SelectOverdrive(d, a); err != nil {
		t.Fatal(err)
	}
	if !d.Overdrive() || !sim.Overdrive() {
		t.Fatal("bus not at overdrive speed")
	}
	if got := sim.Selected(); !reflect.DeepEqual(got, []onewire.Address{a}) {
		t.Fatal(got)
	}
	if got := sim.InOverdrive(); !reflect.DeepEqual(got, []onewire.Address{a}) {
		t.Fatal(got)
	}
	if _, err := d.Search(false); err != onewire.ErrOverdrive {
		t.Fatalf("expected ErrOverdrive, got %v", err)
	}
	if err := d.SetOverdrive(false); err != nil {
		t.Fatal(err)
	}
	got, err := d.Search(false)
	if err != nil {
		t.Fatal(err)
	}
	if want := busOrder([]onewire.Address{a, b}); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

//

// busOrder sorts addresses the way a search returns them.
func busOrder(addrs []onewire.Address) []onewire.Address {
	out := append([]onewire.Address(nil), addrs...)
	sort.Slice(out, func(i, j int) bool {
		return bits.Reverse64(uint64(out[i])) < bits.Reverse64(uint64(out[j]))
	})
	return out
}

// bridge emulates a DS2483 in front of a simulated 1-wire bus.
//
// A 1 bit slot is forwarded as a read, which is what devices see on the
// wire; single bit writes of 1 are thus not supported in the command phase.
type bridge struct {
	sim     *onewiretest.Sim
	busy    int // status polls reporting a busy bus after each 1-wire command
	pending int
	ptr     byte
	status  byte
	conf    byte
	rdr     byte
}

const regDCR = 0xc3 // read ptr for device configuration register

func (b *bridge) String() string {
	return "bridge"
}

func (b *bridge) SetSpeed(physic.Frequency) error {
	return nil
}

func (b *bridge) Tx(a uint16, w, r []byte) error {
	if a != addr {
		return errors.New("bridge: no ack")
	}
	if len(w) != 0 {
		if err := b.command(w); err != nil {
			return err
		}
	}
	if len(r) != 0 {
		switch b.ptr {
		case regStatus:
			r[0] = b.status
			if b.pending > 0 {
				b.pending--
				r[0] |= stBusy
			}
		case regRDR:
			r[0] = b.rdr
		case regDCR:
			r[0] = b.conf & 0x0f
		default:
			r[0] = 0
		}
	}
	return nil
}

func (b *bridge) command(w []byte) error {
	switch w[0] {
	case cmdReset:
		b.ptr, b.status, b.conf = regStatus, 0x18, 0
		return nil
	case cmdSetReadPtr:
		if w[1] == regCSR {
			return errors.New("bridge: no channel selection register")
		}
		b.ptr = w[1]
		return nil
	case cmdWriteConfig:
		changed := (b.conf ^ w[1]) & conf1WS
		b.ptr, b.conf = regDCR, w[1]
		b.status &^= 0x10
		if changed != 0 {
			if err := b.sim.SetOverdrive(w[1]&conf1WS != 0); err != nil {
				return err
			}
		}
		if w[1]&0x04 != 0 {
			return b.sim.StrongPullup()
		}
		return nil
	case cmdAdjPort:
		return nil
	}
	b.ptr, b.status, b.pending = regStatus, 0, b.busy
	switch w[0] {
	case cmd1WReset:
		present, err := b.sim.Reset()
		if err != nil {
			b.status = stSD
		} else if present {
			b.status = stPPD
		}
	case cmd1WBit:
		if w[1]&0x80 == 0 {
			return b.sim.WriteBit(false)
		}
		v, err := b.sim.ReadBit()
		if err != nil {
			return err
		}
		if v {
			b.status |= stSBR
		}
	case cmd1WWrite:
		return b.sim.WriteByte(w[1])
	case cmd1WRead:
		v, err := b.sim.ReadByte()
		b.rdr = v
		return err
	case cmd1WTriplet:
		tr, err := b.sim.Triplet().Triplet(w[1]&0x80 != 0)
		if err != nil {
			return err
		}
		if tr.First {
			b.status |= stSBR
		}
		if tr.Second {
			b.status |= stTSB
		}
		if tr.Taken {
			b.status |= stDIR
		}
	default:
		return errors.New("bridge: unknown command")
	}
	return nil
}
