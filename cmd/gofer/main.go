// Package main is the entry point for the gofer CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gofer: %v\n", err)
		os.Exit(1)
	}
}
