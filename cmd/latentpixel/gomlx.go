//go:build !noxla

package main

// Include the GoMLX backends: XLA, and the pure Go one as a fallback.

import (
	_ "github.com/gomlx/gomlx/backends/default"
)
