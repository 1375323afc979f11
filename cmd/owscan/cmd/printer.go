// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"image/color"
	"io"
	"os"

	"github.com/GermanBionicSystems/onewire"
	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"github.com/spf13/cobra"
)

// families names the common family codes.
var families = map[byte]string{
	0x01: "DS2401",
	0x05: "DS2405",
	0x10: "DS18S20",
	0x12: "DS2406",
	0x1d: "DS2423",
	0x20: "DS2450",
	0x22: "DS1822",
	0x23: "DS2433",
	0x26: "DS2438",
	0x28: "DS18B20",
	0x29: "DS2408",
	0x2d: "DS2431",
	0x3a: "DS2413",
	0x3b: "DS1825",
	0x42: "DS28EA00",
}

// familyName returns the part number of a family code, or its hex value.
func familyName(f byte) string {
	if n, ok := families[f]; ok {
		return n
	}
	return fmt.Sprintf("family %#02x", f)
}

// printer writes the results, with a colored block per family code on a
// terminal.
type printer struct {
	w io.Writer
}

// newPrinter returns a printer to w. ANSI sequences are translated on
// Windows consoles and stripped when w is not a file or colored is false.
func newPrinter(w io.Writer, colored bool) *printer {
	if f, ok := w.(*os.File); ok && colored {
		return &printer{w: colorable.NewColorable(f)}
	}
	return &printer{w: colorable.NewNonColorable(w)}
}

func (o *options) out(cmd *cobra.Command) *printer {
	return newPrinter(cmd.OutOrStdout(), !o.noColor)
}

func (p *printer) header(bus string, n int) {
	fmt.Fprintf(p.w, "%s: %d device(s)\n", bus, n)
}

func (p *printer) device(a onewire.Address) {
	fmt.Fprintf(p.w, "  %s\033[0m %s  %#016x  %s\n", block(a.Family()), a, uint64(a), familyName(a.Family()))
}

func (p *printer) presence(a onewire.Address, bus string, ok bool) {
	if ok {
		fmt.Fprintf(p.w, "  %s\033[0m %s  present on %s\n", block(a.Family()), a, bus)
		return
	}
	fmt.Fprintf(p.w, "  %s\033[0m %s  absent\n", block(a.Family()), a)
}

func (p *printer) total(n int) {
	fmt.Fprintf(p.w, "%d device(s) found\n", n)
}

// block returns a colored block identifying a family code.
func block(f byte) string {
	c := color.NRGBA{R: f * 73, G: f * 151, B: f * 29, A: 255}
	return ansi256.Default.Block(c)
}
