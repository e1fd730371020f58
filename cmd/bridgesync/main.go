// Package main is the bridgesync entry point.
package main

import (
	"fmt"
	"os"

	"github.com/kimhsiao/bridgesync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
