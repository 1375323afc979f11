// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/GermanBionicSystems/onewire"
	"gopkg.in/yaml.v3"
)

// Config is the scanner configuration, read from a YAML file and overridden
// by command line flags.
type Config struct {
	Buses         []string      `yaml:"buses"`          // I²C bus names, as understood by i2creg.Open
	Addr          uint16        `yaml:"i2c_addr"`       // I²C address of the bridges
	Channels      []int         `yaml:"channels"`       // DS2482-800 channels, all if empty
	AlarmOnly     bool          `yaml:"alarm_only"`     // only list devices in alarm state
	Family        string        `yaml:"family"`         // only list devices of this family code, in hex
	OnePerFamily  bool          `yaml:"one_per_family"` // list the first device of each family
	NoTriplet     bool          `yaml:"no_triplet"`     // don't use the bridge's search accelerator
	PassivePullup bool          `yaml:"passive_pullup"` // disable the bridge's active pull-up
	Retries       int           `yaml:"retries"`        // retries of a search pass failing its CRC
	Timeout       time.Duration `yaml:"timeout"`        // overall deadline, none if 0
	LogLevel      string        `yaml:"log_level"`
	Sim           []SimDevice   `yaml:"sim"` // simulated devices, replaces the hardware buses
}

// SimDevice is a simulated device.
type SimDevice struct {
	Addr  string `yaml:"addr"`
	Alarm bool   `yaml:"alarm"`
}

// DefaultConfig is the configuration used when neither a file nor a flag
// sets a value.
var DefaultConfig = Config{
	Buses:    []string{""},
	Addr:     0x18,
	Retries:  2,
	Timeout:  10 * time.Second,
	LogLevel: "info",
}

// LoadConfig reads the YAML file at path over a copy of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("owscan: reading config: %w", err)
	}
	c := DefaultConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("owscan: parsing %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("owscan: %s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) validate() error {
	if _, _, err := c.family(); err != nil {
		return err
	}
	if _, err := c.level(); err != nil {
		return err
	}
	if _, err := c.simDevices(); err != nil {
		return err
	}
	for _, ch := range c.Channels {
		if ch < 0 || ch > 7 {
			return fmt.Errorf("channel %d out of range 0..7", ch)
		}
	}
	if c.Retries < 0 {
		return fmt.Errorf("negative retries %d", c.Retries)
	}
	return nil
}

// family returns the family code filter, if any.
func (c *Config) family() (byte, bool, error) {
	if c.Family == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(c.Family), "0x"), 16, 8)
	if err != nil {
		return 0, false, fmt.Errorf("invalid family code %q", c.Family)
	}
	return byte(v), true, nil
}

func (c *Config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return l, nil
}

func (c *Config) simDevices() ([]simDevice, error) {
	out := make([]simDevice, 0, len(c.Sim))
	for _, d := range c.Sim {
		a, err := onewire.ParseAddress(d.Addr)
		if err != nil {
			return nil, err
		}
		out = append(out, simDevice{addr: a, alarm: d.Alarm})
	}
	return out, nil
}

type simDevice struct {
	addr  onewire.Address
	alarm bool
}

// parseSim parses the --sim flag values: an address, optionally followed by
// ":alarm".
func parseSim(values []string) []SimDevice {
	out := make([]SimDevice, 0, len(values))
	for _, v := range values {
		a, alarm := strings.CutSuffix(v, ":alarm")
		out = append(out, SimDevice{Addr: a, Alarm: alarm})
	}
	return out
}
