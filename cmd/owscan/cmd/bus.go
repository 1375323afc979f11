// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/GermanBionicSystems/onewire"
	"github.com/GermanBionicSystems/onewire/ds248x"
	"github.com/GermanBionicSystems/onewire/onewiretest"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// port is a 1-Wire master: a bridge, possibly multiplexing several
// channels, or a simulated bus.
type port struct {
	name     string
	bus      onewire.ContextBus
	dev      *ds248x.Dev // nil for a simulated bus
	channels []int
	closer   io.Closer
}

// channel is one 1-Wire bus of a port.
type channel struct {
	port *port
	ch   int
}

func (c channel) String() string {
	if len(c.port.channels) == 1 {
		return c.port.name
	}
	return fmt.Sprintf("%s/ch%d", c.port.name, c.ch)
}

// open returns the ports described by the configuration.
func (o *options) open() ([]*port, error) {
	if len(o.cfg.Sim) != 0 {
		devs, err := o.cfg.simDevices()
		if err != nil {
			return nil, err
		}
		sim := onewiretest.NewSim()
		for _, d := range devs {
			sim.Devices = append(sim.Devices, onewiretest.Device{Addr: d.addr, Alarm: d.alarm})
		}
		var b onewire.Bus = sim
		if !o.cfg.NoTriplet {
			b = sim.Triplet()
		}
		return []*port{{name: "sim", bus: onewire.Blocking(b), channels: []int{0}}}, nil
	}

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("owscan: %w", err)
	}
	opts := ds248x.DefaultOpts
	opts.PassivePullup = o.cfg.PassivePullup
	var ports []*port
	for _, name := range o.cfg.Buses {
		b, err := i2creg.Open(name)
		if err != nil {
			closeAll(ports)
			return nil, fmt.Errorf("owscan: opening I²C bus %q: %w", name, err)
		}
		d, err := ds248x.New(b, o.cfg.Addr, &opts)
		if err != nil {
			b.Close()
			closeAll(ports)
			return nil, fmt.Errorf("owscan: %s: %w", b, err)
		}
		p := &port{name: d.String(), bus: d, dev: d, channels: []int{0}, closer: b}
		if d.Channels() > 1 {
			p.channels = o.cfg.Channels
			if len(p.channels) == 0 {
				p.channels = []int{0, 1, 2, 3, 4, 5, 6, 7}
			}
		}
		o.log.Debug("opened bridge", "bridge", p.name, "channels", p.channels)
		ports = append(ports, p)
	}
	return ports, nil
}

func closeAll(ports []*port) {
	for _, p := range ports {
		if p.closer != nil {
			p.closer.Close()
		}
	}
}

// each calls fn for every channel. Ports are served concurrently, the
// channels of a port one after the other. The first error cancels the
// remaining work.
func each(ctx context.Context, ports []*port, log *slog.Logger, fn func(ctx context.Context, c channel) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range ports {
		g.Go(func() error {
			for _, ch := range p.channels {
				if p.dev != nil {
					if err := p.dev.ChannelSelect(ch); err != nil {
						return err
					}
				}
				c := channel{port: p, ch: ch}
				log.Debug("scanning", "bus", c.String())
				if err := fn(ctx, c); err != nil {
					return fmt.Errorf("%s: %w", c, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
