package main

import (
	"os"

	"homelab-autopilot/src/cli"
)

func main() {
	os.Exit(cli.Execute())
}
