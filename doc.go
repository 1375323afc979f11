// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewire discovers and addresses devices on a 1-Wire bus.
//
// A 1-Wire bus connects one controller to any number of devices over a
// single data line. Every device carries a factory programmed 64-bit ROM
// code (see Address). The controller learns these codes with the search
// algorithm described in Maxim's App Note 187: each device answers every
// address bit with the bit and its complement, the wired-AND of all answers
// reveals whether the devices still in the running disagree, and the
// controller writes back the branch it wants to follow, silencing all other
// devices.
//
// The package is split between the capability set a transport must offer
// (Bus, or ContextBus for transports able to honor a context while waiting
// for bus slots) and the Searcher that drives it. Transports may also
// implement Tripleter to perform one arbitration round in a single
// transaction, and SpeedBus to talk to devices at overdrive speed once
// SelectOverdrive or SelectAllOverdrive switched them.
//
// Sub-packages ds248x and onewiretest provide a hardware transport and a
// simulated bus, periphbus exposes any Bus as a periph.io onewire.Bus.
package onewire
