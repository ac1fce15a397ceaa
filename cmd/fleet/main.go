// Package main is the entry point for the fleet operator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/tOgg1/scanfleet/internal/cli"
	"github.com/tOgg1/scanfleet/internal/version"
)

func main() {
	if err := cli.Execute(version.Short()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
