// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewiretest is meant to be used to test code using a 1-Wire bus
// without hardware.
//
// Sim simulates the devices themselves at the bit level: presence pulses,
// ROM commands, the wired-AND of the search arbitration and devices dropping
// out of the search. Overdrive speed is simulated too: a reset only reaches
// the devices running at the bus' speed. It records every primitive operation so tests can
// assert on bus traffic.
package onewiretest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/GermanBionicSystems/onewire"
)

// Device is a device attached to a Sim.
type Device struct {
	Addr  onewire.Address
	Alarm bool // answers alarm searches

	od bool // switched to overdrive speed
}

// OpKind identifies a primitive bus operation.
type OpKind int

// Operations recorded by Sim.
const (
	OpReset OpKind = iota
	OpWriteBit
	OpReadBit
	OpWriteByte
	OpReadByte
	OpTriplet
	OpPullup
	OpSpeed
)

func (k OpKind) String() string {
	switch k {
	case OpReset:
		return "reset"
	case OpWriteBit:
		return "write-bit"
	case OpReadBit:
		return "read-bit"
	case OpWriteByte:
		return "write-byte"
	case OpReadByte:
		return "read-byte"
	case OpTriplet:
		return "triplet"
	case OpPullup:
		return "pullup"
	case OpSpeed:
		return "speed"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// Op is one recorded operation.
type Op struct {
	Kind OpKind
	Byte byte // byte written or read
	Bit  bool // bit written or read; direction for OpTriplet; overdrive for OpSpeed
	T    onewire.Triplet
}

// Sim implements onewire.Bus, onewire.PowerBus and onewire.SpeedBus over a
// set of simulated devices.
//
// Use Triplet to get a view that also implements onewire.Tripleter.
type Sim struct {
	sync.Mutex
	Devices []Device
	Ops     []Op
	// Shorted makes Reset fail as if the data line were shorted to ground.
	Shorted bool
	// Noise, if set, is called with the index of every read slot since the
	// last reset and the value the devices drove; its result is returned
	// instead.
	Noise func(slot int, v bool) bool
	// Fault, if set, is called before every operation with its index in Ops.
	// A non-nil result is returned by the operation, which then has no
	// effect on the devices.
	Fault func(n int, k OpKind) error

	phase     phase
	active    []bool
	cmd       byte
	bits      int // bits shifted in the current phase
	step      int // search sub-slot: 0 address bit, 1 complement, 2 write
	slot      int // read slots since reset
	pullup    bool
	lastDir   bool
	overdrive bool // bus timing
	odMatch   bool // shifting in the address of an Overdrive Match ROM
}

type phase int

const (
	phaseIdle     phase = iota // no reset yet, or devices deselected
	phaseCommand               // shifting in a ROM command
	phaseSearch                // search arbitration
	phaseMatch                 // shifting in the address of a Match ROM
	phaseReadROM               // shifting out the address
	phaseSelected              // function commands, not simulated
)

// NewSim returns a Sim with devices at the given addresses.
func NewSim(addrs ...onewire.Address) *Sim {
	s := &Sim{}
	for _, a := range addrs {
		s.Devices = append(s.Devices, Device{Addr: a})
	}
	return s
}

func (s *Sim) String() string {
	return "onewiretest.Sim"
}

// Reset implements onewire.Bus.
func (s *Sim) Reset() (bool, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.fault(OpReset); err != nil {
		return false, err
	}
	s.Ops = append(s.Ops, Op{Kind: OpReset})
	s.pullup = false
	if s.Shorted {
		s.phase = phaseIdle
		return false, errShorted
	}
	s.active = make([]bool, len(s.Devices))
	present := false
	for i := range s.Devices {
		if !s.overdrive {
			s.Devices[i].od = false
		}
		// The other devices don't see a reset pulse at the wrong speed.
		s.active[i] = s.Devices[i].od == s.overdrive
		present = present || s.active[i]
	}
	s.phase, s.bits, s.cmd, s.slot, s.odMatch = phaseCommand, 0, 0, 0, false
	return present, nil
}

// WriteBit implements onewire.Bus.
func (s *Sim) WriteBit(bit bool) error {
	s.Lock()
	defer s.Unlock()
	if err := s.fault(OpWriteBit); err != nil {
		return err
	}
	s.Ops = append(s.Ops, Op{Kind: OpWriteBit, Bit: bit})
	s.writeSlot(bit)
	return nil
}

// ReadBit implements onewire.Bus.
func (s *Sim) ReadBit() (bool, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.fault(OpReadBit); err != nil {
		return false, err
	}
	v := s.readSlot()
	s.Ops = append(s.Ops, Op{Kind: OpReadBit, Bit: v})
	return v, nil
}

// WriteByte implements onewire.Bus.
func (s *Sim) WriteByte(b byte) error {
	s.Lock()
	defer s.Unlock()
	if err := s.fault(OpWriteByte); err != nil {
		return err
	}
	s.Ops = append(s.Ops, Op{Kind: OpWriteByte, Byte: b})
	for i := 0; i < 8; i++ {
		s.writeSlot(b>>i&1 == 1)
	}
	return nil
}

// ReadByte implements onewire.Bus.
func (s *Sim) ReadByte() (byte, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.fault(OpReadByte); err != nil {
		return 0, err
	}
	var b byte
	for i := 0; i < 8; i++ {
		if s.readSlot() {
			b |= 1 << i
		}
	}
	s.Ops = append(s.Ops, Op{Kind: OpReadByte, Byte: b})
	return b, nil
}

// StrongPullup implements onewire.PowerBus.
func (s *Sim) StrongPullup() error {
	s.Lock()
	defer s.Unlock()
	if err := s.fault(OpPullup); err != nil {
		return err
	}
	s.Ops = append(s.Ops, Op{Kind: OpPullup})
	s.pullup = true
	return nil
}

// Overdrive implements onewire.SpeedBus.
func (s *Sim) Overdrive() bool {
	s.Lock()
	defer s.Unlock()
	return s.overdrive
}

// SetOverdrive implements onewire.SpeedBus.
func (s *Sim) SetOverdrive(on bool) error {
	s.Lock()
	defer s.Unlock()
	if err := s.fault(OpSpeed); err != nil {
		return err
	}
	s.Ops = append(s.Ops, Op{Kind: OpSpeed, Bit: on})
	s.overdrive = on
	return nil
}

// InOverdrive returns the devices switched to overdrive speed since the last
// reset at standard speed.
func (s *Sim) InOverdrive() []onewire.Address {
	s.Lock()
	defer s.Unlock()
	var out []onewire.Address
	for _, d := range s.Devices {
		if d.od {
			out = append(out, d.Addr)
		}
	}
	return out
}

// Count returns how many operations of kind k were recorded.
func (s *Sim) Count(k OpKind) int {
	s.Lock()
	defer s.Unlock()
	n := 0
	for _, op := range s.Ops {
		if op.Kind == k {
			n++
		}
	}
	return n
}

// Clear forgets the recorded operations.
func (s *Sim) Clear() {
	s.Lock()
	defer s.Unlock()
	s.Ops = nil
}

// Remove detaches the device with address a, as if it was unplugged. It
// takes effect immediately, including in the middle of a search.
func (s *Sim) Remove(a onewire.Address) {
	s.Lock()
	defer s.Unlock()
	for i := range s.Devices {
		if s.Devices[i].Addr == a {
			s.Devices = append(s.Devices[:i], s.Devices[i+1:]...)
			if i < len(s.active) {
				s.active = append(s.active[:i], s.active[i+1:]...)
			}
			return
		}
	}
}

// Selected returns the devices currently addressed after a completed search
// pass, Match ROM, Read ROM or Skip ROM.
func (s *Sim) Selected() []onewire.Address {
	s.Lock()
	defer s.Unlock()
	if s.phase != phaseSelected {
		return nil
	}
	var out []onewire.Address
	for i, d := range s.Devices {
		if s.active[i] {
			out = append(out, d.Addr)
		}
	}
	return out
}

// Pullup reports whether the strong pull-up was armed since the last reset.
func (s *Sim) Pullup() bool {
	s.Lock()
	defer s.Unlock()
	return s.pullup
}

//

func (s *Sim) fault(k OpKind) error {
	if s.Fault == nil {
		return nil
	}
	return s.Fault(len(s.Ops), k)
}

// bitOf returns address bit n of device i, n in 0..63.
func (s *Sim) bitOf(i, n int) bool {
	return s.Devices[i].Addr>>uint(n)&1 == 1
}

// readSlot returns the wired-AND of what the active devices drive.
func (s *Sim) readSlot() bool {
	v := true
	switch s.phase {
	case phaseSearch:
		for i := range s.Devices {
			if !s.active[i] {
				continue
			}
			b := s.bitOf(i, s.bits)
			switch s.step {
			case 0:
				v = v && b
			case 1:
				v = v && !b
			}
		}
		if s.step < 2 {
			s.step++
		} else {
			// A read where a write was expected: devices see a 1.
			s.dropMismatch(true)
		}
	case phaseReadROM:
		for i := range s.Devices {
			if s.active[i] {
				v = v && s.bitOf(i, s.bits)
			}
		}
		if s.bits++; s.bits == 64 {
			s.phase = phaseSelected
		}
	}
	if s.Noise != nil {
		v = s.Noise(s.slot, v)
	}
	s.slot++
	return v
}

func (s *Sim) writeSlot(bit bool) {
	switch s.phase {
	case phaseCommand:
		if bit {
			s.cmd |= 1 << uint(s.bits)
		}
		if s.bits++; s.bits < 8 {
			return
		}
		s.bits, s.step = 0, 0
		switch s.cmd {
		case onewire.CmdSearchROM:
			s.phase = phaseSearch
		case onewire.CmdAlarmSearch:
			s.phase = phaseSearch
			for i := range s.Devices {
				s.active[i] = s.active[i] && s.Devices[i].Alarm
			}
		case onewire.CmdMatchROM:
			s.phase = phaseMatch
		case onewire.CmdReadROM:
			s.phase = phaseReadROM
		case onewire.CmdSkipROM:
			s.phase = phaseSelected
		case onewire.CmdOverdriveMatchROM:
			s.phase, s.odMatch = phaseMatch, true
		case onewire.CmdOverdriveSkipROM:
			s.phase = phaseSelected
			for i := range s.Devices {
				if s.active[i] {
					s.Devices[i].od = true
				}
			}
		default:
			s.phase = phaseIdle
		}
	case phaseSearch:
		if s.step != 2 {
			// Devices expected a read slot and answer into it.
			s.step++
			return
		}
		s.dropMismatch(bit)
	case phaseMatch:
		// After an Overdrive Match ROM, devices expect the address at
		// overdrive speed.
		lost := s.odMatch && !s.overdrive
		for i := range s.Devices {
			if s.active[i] && (lost || s.bitOf(i, s.bits) != bit) {
				s.active[i] = false
			}
		}
		if s.bits++; s.bits == 64 {
			s.phase = phaseSelected
			for i := range s.Devices {
				if s.odMatch && s.active[i] {
					s.Devices[i].od = true
				}
			}
		}
	}
}

// dropMismatch deactivates the devices whose current search bit is not bit
// and moves to the next position.
func (s *Sim) dropMismatch(bit bool) {
	for i := range s.Devices {
		if s.active[i] && s.bitOf(i, s.bits) != bit {
			s.active[i] = false
		}
	}
	s.step = 0
	if s.bits++; s.bits == 64 {
		s.phase = phaseSelected
	}
}

var errShorted = shortedBusError("onewiretest: bus is shorted")

// shortedBusError implements error and onewire.ShortedBusError.
type shortedBusError string

func (e shortedBusError) Error() string   { return string(e) }
func (e shortedBusError) IsShorted() bool { return true }
func (e shortedBusError) BusError() bool  { return true }

// ErrInjected is a convenience error for Sim.Fault hooks.
var ErrInjected = errors.New("onewiretest: injected fault")

var _ onewire.PowerBus = &Sim{}
var _ onewire.SpeedBus = &Sim{}
