package main

import (
	"os"

	"github.com/psantana5/taskguard/cmd/taskguard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
