package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	reflectorcmd "github.com/louisbranch/tandem.space/internal/cmd/reflector"
)

func main() {
	cfg, err := reflectorcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[REFLECTOR] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := reflectorcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
