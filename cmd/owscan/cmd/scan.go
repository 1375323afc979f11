// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GermanBionicSystems/onewire"
	"github.com/spf13/cobra"
)

func newScanCmd(o *options) *cobra.Command {
	c := &cobra.Command{
		Use:   "scan",
		Short: "List the devices on the buses",
		Long: `List the devices on every configured bus, in search order.

A search pass failing its CRC check is retried from the same position.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.runScan(cmd)
		},
	}
	f := c.Flags()
	f.BoolVarP(&o.flags.AlarmOnly, "alarm", "a", false, "only list devices in alarm state")
	f.StringVarP(&o.flags.Family, "family", "f", "", "only list devices of this family code (hex)")
	f.BoolVar(&o.flags.OnePerFamily, "one-per-family", false, "list the first device of each family")
	return c
}

// found is a device found by a scan.
type found struct {
	bus        string
	addr       onewire.Address
	collisions []int
}

func (o *options) runScan(cmd *cobra.Command) error {
	ports, err := o.open()
	if err != nil {
		return err
	}
	defer closeAll(ports)
	ctx, cancel := o.deadline(cmd)
	defer cancel()

	var mu sync.Mutex
	results := map[string][]found{}
	err = each(ctx, ports, o.log, func(ctx context.Context, c channel) error {
		devs, err := o.scan(ctx, c)
		mu.Lock()
		results[c.String()] = devs
		mu.Unlock()
		return err
	})

	w := o.out(cmd)
	total := 0
	for _, p := range ports {
		for _, ch := range p.channels {
			name := channel{port: p, ch: ch}.String()
			devs, ok := results[name]
			if !ok {
				continue
			}
			w.header(name, len(devs))
			for _, d := range devs {
				w.device(d.addr)
			}
			total += len(devs)
		}
	}
	w.total(total)
	return err
}

// scan enumerates the devices of one channel according to the
// configuration.
func (o *options) scan(ctx context.Context, c channel) ([]found, error) {
	s := onewire.NewSearcherContext(c.port.bus, &onewire.SearchOpts{
		AlarmOnly: o.cfg.AlarmOnly,
		NoTriplet: o.cfg.NoTriplet,
	})
	fam, filter, _ := o.cfg.family()
	if filter {
		s.Target(fam)
	}
	log := o.log.With("bus", c.String())
	var devs []found
	for {
		a, ok, err := o.next(ctx, s, log)
		if onewire.IsNoDevices(err) {
			log.Info("no devices")
			return devs, nil
		}
		if err != nil || !ok {
			return devs, err
		}
		if filter && a.Family() != fam {
			return devs, nil
		}
		log.Debug("found", "addr", a, "collisions", s.Collisions())
		devs = append(devs, found{bus: c.String(), addr: a, collisions: s.Collisions()})
		if o.cfg.OnePerFamily {
			s.SkipFamily()
		}
	}
}

// next returns the next device, retrying passes failing their CRC check.
// The Search State is left untouched by such a failure so the same branch is
// searched again.
func (o *options) next(ctx context.Context, s *onewire.Searcher, log *slog.Logger) (onewire.Address, bool, error) {
	for i := 0; ; i++ {
		a, ok, err := s.NextContext(ctx)
		if !onewire.IsChecksum(err) || i >= o.cfg.Retries {
			return a, ok, err
		}
		log.Warn("retrying search pass", "err", err, "retry", i+1)
	}
}

func newVerifyCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify ADDRESS...",
		Short: "Check whether devices are present",
		Long: `Check whether the devices with the given addresses are on any of the buses.

Addresses are written as family-serial (28-000001318252) or as a 64 bit
hexadecimal number (0x7a00000131825228).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var addrs []onewire.Address
			for _, arg := range args {
				a, err := onewire.ParseAddress(arg)
				if err != nil {
					return err
				}
				addrs = append(addrs, a)
			}
			return o.runVerify(cmd, addrs)
		},
	}
}

func (o *options) runVerify(cmd *cobra.Command, addrs []onewire.Address) error {
	ports, err := o.open()
	if err != nil {
		return err
	}
	defer closeAll(ports)
	ctx, cancel := o.deadline(cmd)
	defer cancel()

	var mu sync.Mutex
	where := map[onewire.Address]string{}
	err = each(ctx, ports, o.log, func(ctx context.Context, c channel) error {
		s := onewire.NewSearcherContext(c.port.bus, &onewire.SearchOpts{NoTriplet: o.cfg.NoTriplet})
		for _, a := range addrs {
			ok, err := s.VerifyContext(ctx, a)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				where[a] = c.String()
				mu.Unlock()
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	w := o.out(cmd)
	missing := 0
	for _, a := range addrs {
		bus, ok := where[a]
		w.presence(a, bus, ok)
		if !ok {
			missing++
		}
	}
	if missing != 0 {
		return fmt.Errorf("owscan: %d device(s) not found", missing)
	}
	return nil
}

func newReadROMCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "readrom",
		Short: "Read the address of the only device on each bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.runReadROM(cmd)
		},
	}
}

func (o *options) runReadROM(cmd *cobra.Command) error {
	ports, err := o.open()
	if err != nil {
		return err
	}
	defer closeAll(ports)
	ctx, cancel := o.deadline(cmd)
	defer cancel()

	var mu sync.Mutex
	results := map[string]onewire.Address{}
	err = each(ctx, ports, o.log, func(ctx context.Context, c channel) error {
		a, err := onewire.ReadROMContext(ctx, c.port.bus)
		if onewire.IsNoDevices(err) {
			return nil
		}
		if err != nil {
			return err
		}
		mu.Lock()
		results[c.String()] = a
		mu.Unlock()
		return nil
	})
	w := o.out(cmd)
	for _, p := range ports {
		for _, ch := range p.channels {
			name := channel{port: p, ch: ch}.String()
			if a, ok := results[name]; ok {
				w.header(name, 1)
				w.device(a)
			}
		}
	}
	return err
}
