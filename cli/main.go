package main

import (
	"os"

	"github.com/voxline/callgate/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
