// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiretest

import "github.com/GermanBionicSystems/onewire"

// TripletSim is a Sim that also implements onewire.Tripleter, like a bridge
// chip with a search accelerator.
type TripletSim struct {
	*Sim
	// StaleDirection makes Triplet ignore its argument and reuse the
	// direction taken by the previous triplet, reproducing a driver that
	// forwards the last status register's direction bit instead of the
	// caller's choice.
	StaleDirection bool
}

// Triplet returns a view of s implementing onewire.Tripleter.
func (s *Sim) Triplet() *TripletSim {
	return &TripletSim{Sim: s}
}

// Triplet implements onewire.Tripleter.
func (t *TripletSim) Triplet(dir bool) (onewire.Triplet, error) {
	s := t.Sim
	s.Lock()
	defer s.Unlock()
	if err := s.fault(OpTriplet); err != nil {
		return onewire.Triplet{}, err
	}
	if t.StaleDirection {
		dir = s.lastDir
	}
	var r onewire.Triplet
	r.First = s.readSlot()
	r.Second = s.readSlot()
	switch {
	case r.First && r.Second:
		r.Taken = true
	case r.First != r.Second:
		r.Taken = r.First
	default:
		r.Taken = dir
	}
	s.writeSlot(r.Taken)
	s.lastDir = r.Taken
	s.Ops = append(s.Ops, Op{Kind: OpTriplet, Bit: dir, T: r})
	return r, nil
}

var _ onewire.Tripleter = &TripletSim{}
var _ onewire.Bus = &TripletSim{}
