package main

import (
	"os"

	"github.com/satriahrh/arunika/client/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
