package main

import (
	"fmt"
	"os"
)

// main dispatches to the clientsync subcommands; serve runs when none is given.
func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
