// Package main provides the Dogland Go core library entry point.
// The core is platform-agnostic and is compiled as:
// - Shared library for mobile (Dart FFI)
// - Standalone binary for desktop
package main

import (
	"fmt"
	"log"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	fmt.Printf("Dogland Core v%s\n", Version)
	log.Println("Dogland Go Core - Offline-First Report Queue")
}
