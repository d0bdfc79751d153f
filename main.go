package main

import (
	"os"

	"github.com/lorekeeper/mcp-bridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
