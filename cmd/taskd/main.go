// Command taskd serves the task example over HTTP.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/romshark/plow/config"
	"github.com/romshark/plow/example/task/taskd"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.Exitf("Error: %v", err)
	}
	log := cfg.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		config.Exitf("Error: %v", err)
	}
	if err := taskd.Run(ctx, cfg, log, ln); err != nil {
		config.Exitf("Error: %v", err)
	}
}
