//go:build noxla

package main

// Only the pure Go backend, for builds without the XLA libraries.

import (
	_ "github.com/gomlx/gomlx/backends/simplego"
)
