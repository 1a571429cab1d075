package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"spare/internal/cli"
	"spare/internal/config"
	"spare/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRoot(cfg, config.Path(), log, nil)
	err = root.Run(ctx, os.Args[1:])
	if cerr := root.Close(); cerr != nil {
		log.Warn("close registry", "error", cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}
