package main

import (
	"os"

	"github.com/openfluke/fieldbench/cmd/fieldbench/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
