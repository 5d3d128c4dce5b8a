package main

import (
	"os"

	"github.com/vincentbai/sessiontrace/internal/cli"
)

func main() {
	if err := cli.NewDecodeCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
