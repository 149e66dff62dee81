// Package main issues a fan-out subscriber token for local testing.
package main

import (
	"flag"
	"os"

	"github.com/louisbranch/causeway/internal/platform/config"
	"github.com/louisbranch/causeway/internal/tools/subtoken"
)

func main() {
	cfg, err := subtoken.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := subtoken.Run(cfg, os.Stdout); err != nil {
		config.Exitf("issue token: %v", err)
	}
}
