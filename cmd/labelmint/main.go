// Package main is the single-binary entrypoint for the LabelMint consensus
// engine.
package main

import "github.com/labelmint/labelmint/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
