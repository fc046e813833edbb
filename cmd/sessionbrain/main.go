// Package main is the entry point for the sessionbrain CLI.
package main

import (
	"os"

	"github.com/sessionbrain/sessionbrain/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
