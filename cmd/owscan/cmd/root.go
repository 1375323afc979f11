// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package cmd implements the owscan command line.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// options is the state shared by the commands.
type options struct {
	configPath string
	flags      Config   // values set on the command line
	sim        []string // --sim values
	verbose    bool
	noColor    bool

	cfg Config // effective configuration
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	o := &options{flags: DefaultConfig}
	root := &cobra.Command{
		Use:   "owscan",
		Short: "1-Wire bus scanner",
		Long: `Enumerate the devices on 1-Wire buses driven by DS2482-100, DS2482-800 or
DS2483 I²C bridges.

Examples:
  owscan scan --bus 1                             # Every device on I²C bus 1
  owscan scan --bus 1 --family 28                 # DS18B20 thermometers only
  owscan scan --alarm --config owscan.yaml        # Devices in alarm state
  owscan verify 28-000001318252                   # Is this device present?
  owscan scan --sim 28-000001318252,10-000802b2e3a7   # No hardware needed`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.load(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", "", "YAML configuration file")
	pf.StringSliceVarP(&o.flags.Buses, "bus", "b", o.flags.Buses, "I²C bus names; empty for the default bus")
	pf.Uint16Var(&o.flags.Addr, "addr", o.flags.Addr, "I²C address of the bridges")
	pf.IntSliceVar(&o.flags.Channels, "channel", nil, "DS2482-800 channels to scan (default all)")
	pf.BoolVar(&o.flags.NoTriplet, "no-triplet", false, "don't use the bridge's search accelerator")
	pf.BoolVar(&o.flags.PassivePullup, "passive-pullup", false, "disable the bridge's active pull-up")
	pf.IntVar(&o.flags.Retries, "retries", o.flags.Retries, "retries of a search pass failing its CRC")
	pf.DurationVar(&o.flags.Timeout, "timeout", o.flags.Timeout, "overall deadline, 0 for none")
	pf.StringVar(&o.flags.LogLevel, "log-level", o.flags.LogLevel, "log level: debug, info, warn or error")
	pf.BoolVarP(&o.verbose, "verbose", "v", false, "verbose output, same as --log-level debug")
	pf.BoolVar(&o.noColor, "no-color", false, "don't colorize the output")
	pf.StringSliceVar(&o.sim, "sim", nil, "simulate a bus with these device addresses, suffixed by :alarm for devices in alarm state")

	root.AddCommand(newScanCmd(o), newVerifyCmd(o), newReadROMCmd(o))
	return root
}

// load computes the effective configuration and sets up logging.
func (o *options) load(cmd *cobra.Command) error {
	o.cfg = DefaultConfig
	if o.configPath != "" {
		c, err := LoadConfig(o.configPath)
		if err != nil {
			return err
		}
		o.cfg = *c
	}
	f := cmd.Flags()
	if f.Changed("bus") {
		o.cfg.Buses = o.flags.Buses
	}
	if f.Changed("addr") {
		o.cfg.Addr = o.flags.Addr
	}
	if f.Changed("channel") {
		o.cfg.Channels = o.flags.Channels
	}
	if f.Changed("alarm") {
		o.cfg.AlarmOnly = o.flags.AlarmOnly
	}
	if f.Changed("family") {
		o.cfg.Family = o.flags.Family
	}
	if f.Changed("one-per-family") {
		o.cfg.OnePerFamily = o.flags.OnePerFamily
	}
	if f.Changed("no-triplet") {
		o.cfg.NoTriplet = o.flags.NoTriplet
	}
	if f.Changed("passive-pullup") {
		o.cfg.PassivePullup = o.flags.PassivePullup
	}
	if f.Changed("retries") {
		o.cfg.Retries = o.flags.Retries
	}
	if f.Changed("timeout") {
		o.cfg.Timeout = o.flags.Timeout
	}
	if f.Changed("log-level") {
		o.cfg.LogLevel = o.flags.LogLevel
	}
	if o.verbose {
		o.cfg.LogLevel = "debug"
	}
	if f.Changed("sim") {
		o.cfg.Sim = parseSim(o.sim)
	}
	if err := o.cfg.validate(); err != nil {
		return fmt.Errorf("owscan: %w", err)
	}
	l, _ := o.cfg.level()
	o.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: l}))
	return nil
}

// deadline returns the command's context bounded by the configured timeout.
func (o *options) deadline(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	if o.cfg.Timeout <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), o.cfg.Timeout)
}
