// Package main is the entry point for the blazetune CLI.
package main

import (
	"os"

	"github.com/good-yellow-bee/blazetune/cmd/blazetune/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
