package main

import (
	"os"

	"github.com/paid-dev/paid-engine/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
