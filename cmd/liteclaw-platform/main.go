// Package main provides the entry point for the LiteClaw platform.
package main

import (
	"os"

	"github.com/liteclaw/liteclaw-platform/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
