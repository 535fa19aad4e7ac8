// Package main is the entry point for the jtstream server.
package main

import (
	"os"

	"github.com/jmylchreest/jtstream/cmd/jtstream/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
