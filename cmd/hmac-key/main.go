// Package main prints a freshly generated ledger or fan-out secret.
package main

import (
	"flag"
	"os"

	"github.com/louisbranch/causeway/internal/platform/config"
	"github.com/louisbranch/causeway/internal/tools/hmackey"
)

func main() {
	cfg, err := hmackey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := hmackey.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("generate key: %v", err)
	}
}
