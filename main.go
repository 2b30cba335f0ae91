package main

import (
	// pull in the badge-go commands
	"github.com/badgeworks/badge-go/cmd"
)

// variables will be overwritten at build time
var (
	version   string
	commit    string
	buildTime string
)

func main() {
	cmd.Execute(version, commit, buildTime)
}
