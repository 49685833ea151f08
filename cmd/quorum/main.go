package main

import (
	"os"

	"github.com/MEKXH/quorum/cmd/quorum/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
