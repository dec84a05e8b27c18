// Package main runs offline integrity verification over every stored
// version chain.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	verifycmd "github.com/BorovkovSergey/character-sheet/internal/cmd/verify"
)

func main() {
	cfg, err := verifycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[SHEET-VERIFY] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := verifycmd.Run(ctx, cfg); err != nil {
		log.Fatalf("verification failed: %v", err)
	}
}
