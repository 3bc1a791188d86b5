// File: cmd/evogate/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/forgeworks-ai/evogate/cmd"
)

func main() {
	// Listen for interrupt signals (SIGINT, SIGTERM) for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			// Graceful shutdown initiated by the operator.
			return
		}
		os.Exit(1)
	}
}
