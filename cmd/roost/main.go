package main

import (
	"os"

	"github.com/driftwoodlabs/roost/cmd/roost/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
