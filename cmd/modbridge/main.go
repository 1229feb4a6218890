package main

import (
	"fmt"
	"os"

	"modbridge/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.RootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
