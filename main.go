package main

import (
	"os"
	"strings"

	"dspaving.app/licensing/internal/cli"
)

var version = "dev"

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	cli.Execute(version)
}
