package main

import (
	"flag"
	"os"

	"github.com/louisbranch/tandem.space/internal/platform/config"
	"github.com/louisbranch/tandem.space/internal/tools/sessiontoken"
)

func main() {
	cfg, err := sessiontoken.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if cfg.Secret == "" {
		cfg.Secret = os.Getenv("TANDEM_SESSION_SECRET")
	}
	if err := sessiontoken.Run(cfg, os.Stdout); err != nil {
		config.Exitf("mint token: %v", err)
	}
}
