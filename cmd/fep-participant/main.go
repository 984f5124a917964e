package main

// ============================================================================
// fep-participant entry point
//
// All logic lives in internal/cli. Exit goes through atexit so that
// registered handlers (trace flush) run on every path.
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/tebeka/atexit"

	"github.com/audi/fep-participant-sub001/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			atexit.Exit(2)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
