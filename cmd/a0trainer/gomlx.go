//go:build !nogomlx

package main

// Include the GoMLX "fnn" oracle and learner.

import (
	_ "github.com/janpfeifer/a0selfplay/internal/ai/gomlx"
)
