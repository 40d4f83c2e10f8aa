package main

import (
	"os"

	"github.com/claude-island/claude-island/cmd/claude-islandd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
