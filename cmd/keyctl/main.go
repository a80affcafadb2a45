package main

import (
	"os"

	"secure-comm/go-backend/cmd/keyctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
