package main

import (
	"os"

	"github.com/majorcontext/rewind/cmd/rewind/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
