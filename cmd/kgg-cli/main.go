package main

import (
	"os"

	"github.com/kggtools/kgg-cli/internal/cli"
)

// Populated via -ldflags at release build time.
var (
	version   = "v0.3.0-dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime
	os.Exit(cli.Execute())
}
