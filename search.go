// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import (
	"context"

	"github.com/GermanBionicSystems/onewire/common"
)

// ROM command codes.
const (
	CmdSearchROM   = 0xf0 // search all devices
	CmdAlarmSearch = 0xec // search devices in alarm state
	CmdMatchROM    = 0x55 // address one device
	CmdSkipROM     = 0xcc // address all devices
	CmdReadROM     = 0x33 // read the address of the only device on the bus

	CmdOverdriveMatchROM = 0x69 // address one device and switch it to overdrive speed
	CmdOverdriveSkipROM  = 0x3c // address all devices and switch them to overdrive speed
)

// SearchOpts contains options to pass to NewSearcher.
type SearchOpts struct {
	AlarmOnly bool // only enumerate devices signaling an alarm condition
	NoTriplet bool // never use the bus' triplet primitive
}

// DefaultSearchOpts enumerates all devices and uses the triplet primitive if
// the bus has one.
var DefaultSearchOpts = SearchOpts{}

// State is the position of a Searcher in an enumeration.
type State int

const (
	// Ready means no device has been searched for since the last Reset.
	Ready State = iota
	// Scanning means a call to Next is walking the address bits.
	Scanning
	// Yielded means the last call returned an address and more may follow.
	Yielded
	// Exhausted means the enumeration is over; Next reports completion
	// without touching the bus.
	Exhausted
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Scanning:
		return "Scanning"
	case Yielded:
		return "Yielded"
	case Exhausted:
		return "Exhausted"
	default:
		return "State(?)"
	}
}

// Searcher enumerates the devices on a bus, one per call to Next, in
// increasing order of their ROM codes taken as bit strings in bus order
// (least significant bit first).
//
// This is not the numeric order of Address: 28-000000000002 comes before
// 28-000000000001. Sort with bits.Reverse64(uint64(a)) as the key to
// reproduce it.
//
// A Searcher is not safe for concurrent use, and its bus must not be used by
// anything else while Next runs.
type Searcher struct {
	bus     ContextBus
	triplet ContextTripleter // nil when the fallback sequence must be used
	cmd     byte

	st         state
	scanning   bool
	collisions []int
}

// state is the Search State carried from one pass to the next. Discrepancy
// positions are 1-based, 0 meaning none.
type state struct {
	rom                   Address // last address found
	lastDiscrepancy       int     // deepest position where the 0 branch was taken
	lastFamilyDiscrepancy int     // same, restricted to the family code byte
	lastDevice            bool    // no unexplored branch remains
	passes                int     // addresses returned since the last reset
}

// NewSearcher returns a Searcher enumerating the devices on a blocking bus.
func NewSearcher(b Bus, opts *SearchOpts) *Searcher {
	return NewSearcherContext(Blocking(b), opts)
}

// NewSearcherContext returns a Searcher enumerating the devices on a
// suspension-capable bus.
func NewSearcherContext(b ContextBus, opts *SearchOpts) *Searcher {
	if opts == nil {
		opts = &DefaultSearchOpts
	}
	s := &Searcher{bus: b, cmd: CmdSearchROM}
	if opts.AlarmOnly {
		s.cmd = CmdAlarmSearch
	}
	if t, ok := b.(ContextTripleter); ok && !opts.NoTriplet {
		s.triplet = t
	}
	return s
}

// Reset starts a new enumeration. It doesn't touch the bus.
func (s *Searcher) Reset() {
	s.st = state{}
	s.collisions = nil
}

// State returns where the Searcher stands in the enumeration.
func (s *Searcher) State() State {
	switch {
	case s.scanning:
		return Scanning
	case s.st.lastDevice:
		return Exhausted
	case s.st.passes == 0:
		return Ready
	default:
		return Yielded
	}
}

// Collisions returns the 0-based bit positions at which devices disagreed
// during the last successful pass.
func (s *Searcher) Collisions() []int {
	return append([]int(nil), s.collisions...)
}

// Next finds the next device on the bus.
//
// It returns the device's validated address and true, or false with a nil
// error once every device has been returned. Further calls keep returning
// false without any bus activity until Reset is called.
//
// ErrNoDevices is returned when nobody answers the reset of the first pass.
// ErrOverdrive is returned without bus activity if the bus is a SpeedBus
// running at overdrive speed.
// A *TransportError or *ChecksumError aborts the call without updating the
// Search State; no retry is attempted.
func (s *Searcher) Next() (Address, bool, error) {
	return s.NextContext(context.Background())
}

// NextContext is Next with a context passed to every bus operation.
//
// If ctx is cancelled mid-pass the error wraps ctx.Err() and the bus must be
// reset before further use, which the next pass does.
func (s *Searcher) NextContext(ctx context.Context) (Address, bool, error) {
	if s.st.lastDevice {
		return 0, false, nil
	}
	if sb, ok := s.bus.(SpeedBus); ok && sb.Overdrive() {
		return 0, false, ErrOverdrive
	}
	s.scanning = true
	defer func() { s.scanning = false }()

	present, err := s.bus.ResetContext(ctx)
	if err != nil {
		return 0, false, &TransportError{Op: "reset", Bit: -1, Err: err}
	}
	if !present {
		// Devices leaving the bus after the first pass end the enumeration.
		first := s.st.passes == 0
		s.st.lastDevice = true
		if first {
			return 0, false, ErrNoDevices
		}
		return 0, false, nil
	}
	if err := s.bus.WriteByteContext(ctx, s.cmd); err != nil {
		return 0, false, &TransportError{Op: "search command", Bit: -1, Err: err}
	}

	next := s.st
	next.lastFamilyDiscrepancy = 0
	lastZero := 0
	var rom Address
	var collisions []int
	for n := 1; n <= 64; n++ {
		bit := n - 1
		// Branch to follow if the devices disagree at this position: replay
		// the previous address up to the last discrepancy, take the 1 branch
		// there and the 0 branch past it.
		var dir bool
		if n < s.st.lastDiscrepancy {
			dir = s.st.rom>>bit&1 == 1
		} else {
			dir = n == s.st.lastDiscrepancy
		}
		t, err := s.round(ctx, dir)
		if err != nil {
			return 0, false, &TransportError{Op: "search", Bit: bit, Err: err}
		}
		switch {
		case t.First && t.Second && bit == 0 && s.cmd == CmdAlarmSearch:
			// Present devices ignore an alarm search when none is in alarm.
			s.st.lastDevice = true
			return 0, false, nil
		case t.First && t.Second:
			return 0, false, &TransportError{Op: "search", Bit: bit, Err: ErrNoResponse}
		case t.First != t.Second:
			if t.Taken != t.First {
				return 0, false, &TransportError{Op: "search", Bit: bit, Err: ErrTriplet}
			}
		default:
			if t.Taken != dir {
				return 0, false, &TransportError{Op: "search", Bit: bit, Err: ErrTriplet}
			}
			collisions = append(collisions, bit)
			if !dir {
				lastZero = n
				if n < 9 {
					next.lastFamilyDiscrepancy = n
				}
			}
		}
		if t.Taken {
			rom |= 1 << bit
		}
	}

	if rom == 0 {
		// Its CRC is 0 too.
		return 0, false, &TransportError{Op: "search", Bit: -1, Err: ErrHeldLow}
	}
	b := rom.Bytes()
	if !common.Check(b[:]) {
		return 0, false, &ChecksumError{Addr: rom, Want: common.CRC8(b[:7]), Got: b[7]}
	}

	next.rom = rom
	next.lastDiscrepancy = lastZero
	next.lastDevice = lastZero == 0
	next.passes++
	s.st = next
	s.collisions = collisions
	return rom, true, nil
}

// round performs one arbitration round, with the bus' triplet primitive if
// allowed, otherwise with two reads and a write.
func (s *Searcher) round(ctx context.Context, dir bool) (Triplet, error) {
	if s.triplet != nil {
		return s.triplet.TripletContext(ctx, dir)
	}
	var t Triplet
	var err error
	if t.First, err = s.bus.ReadBitContext(ctx); err != nil {
		return t, err
	}
	if t.Second, err = s.bus.ReadBitContext(ctx); err != nil {
		return t, err
	}
	switch {
	case t.First && t.Second:
		// Nobody answered; the caller aborts the pass.
		t.Taken = true
		return t, nil
	case t.First != t.Second:
		t.Taken = t.First
	default:
		t.Taken = dir
	}
	return t, s.bus.WriteBitContext(ctx, t.Taken)
}

// Target primes the Searcher so that the next call to Next returns the first
// device with the given family code, if any. If there is none, Next returns
// a device of the next family code in search order, or reports completion;
// callers must check Address.Family.
func (s *Searcher) Target(family byte) {
	s.Reset()
	s.st.rom = Address(family)
	s.st.lastDiscrepancy = 64
}

// SkipFamily makes the next call to Next skip the remaining devices sharing
// the family code of the address last returned.
func (s *Searcher) SkipFamily() {
	s.st.lastDiscrepancy = s.st.lastFamilyDiscrepancy
	s.st.lastFamilyDiscrepancy = 0
	if s.st.lastDiscrepancy == 0 {
		s.st.lastDevice = true
	}
}

// Verify reports whether the device with address a is on the bus.
//
// It runs one search pass steered along a and leaves the Searcher's
// enumeration where it was.
func (s *Searcher) Verify(a Address) (bool, error) {
	return s.VerifyContext(context.Background(), a)
}

// VerifyContext is Verify with a context passed to every bus operation.
func (s *Searcher) VerifyContext(ctx context.Context, a Address) (bool, error) {
	saved, savedCollisions := s.st, s.collisions
	defer func() { s.st, s.collisions = saved, savedCollisions }()
	s.st = state{rom: a, lastDiscrepancy: 64}
	got, ok, err := s.NextContext(ctx)
	if err != nil {
		if IsNoDevices(err) {
			return false, nil
		}
		return false, err
	}
	return ok && got == a, nil
}

// Search returns the addresses of all devices on the bus if alarmOnly is
// false and of all devices in alarm state if alarmOnly is true.
//
// If an error occurs during the search the already-discovered devices are
// returned with the error. An empty bus returns ErrNoDevices.
func Search(b Bus, alarmOnly bool) ([]Address, error) {
	return SearchContext(context.Background(), Blocking(b), alarmOnly)
}

// SearchContext is Search for a suspension-capable bus.
func SearchContext(ctx context.Context, b ContextBus, alarmOnly bool) ([]Address, error) {
	return collect(ctx, NewSearcherContext(b, &SearchOpts{AlarmOnly: alarmOnly}))
}

// Collect runs s to completion from a fresh enumeration and returns every
// address found.
func Collect(ctx context.Context, s *Searcher) ([]Address, error) {
	s.Reset()
	return collect(ctx, s)
}

func collect(ctx context.Context, s *Searcher) ([]Address, error) {
	var devices []Address
	for {
		a, ok, err := s.NextContext(ctx)
		if err != nil {
			return devices, err
		}
		if !ok {
			return devices, nil
		}
		devices = append(devices, a)
	}
}
