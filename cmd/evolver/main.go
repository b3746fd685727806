// Package main is the evolver command line: run evolution sessions in the
// foreground, inspect lineage, and exercise the parser and version namer.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
