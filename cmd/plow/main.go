// Command plow inspects and maintains plow event stores.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/romshark/plow/config"
	"github.com/romshark/plow/internal/cli"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.Exitf("Error: %v", err)
	}
	opts, err := cli.ParseOptions(flag.CommandLine, os.Args[1:], cfg)
	if err != nil {
		if errors.Is(err, cli.ErrNoCommand) {
			flag.Usage()
		}
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Run(ctx, cfg.NewLogger(os.Stderr), opts, os.Stdout); err != nil {
		config.Exitf("Error: %v", err)
	}
}
