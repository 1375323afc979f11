// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// owscan enumerates the devices on 1-Wire buses driven by DS248x bridges.
package main

import "github.com/GermanBionicSystems/onewire/cmd/owscan/cmd"

func main() {
	cmd.Execute()
}
