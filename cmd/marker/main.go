package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ajallooe/agentic-notebook-marker/internal/backend"
)

func main() {
	// Signal-aware context for graceful shutdown. A second Ctrl+C after
	// stop() restores default handling and force-exits.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pm := backend.NewProcessManager()

	root := newRootCommand(pm)

	errChan := make(chan error, 1)
	go func() {
		errChan <- root.ExecuteContext(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			var ec *exitCodeError
			if errors.As(err, &ec) {
				os.Exit(ec.code)
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		stop()
		fmt.Fprintln(os.Stderr, "Shutdown signal received, cleaning up...")

		// Kill every tracked dispatcher tree so no orphaned unit keeps
		// writing into the log directory.
		if err := pm.KillAll(); err != nil {
			fmt.Fprintf(os.Stderr, "Error killing subprocesses: %v\n", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case <-errChan:
		case <-shutdownCtx.Done():
			fmt.Fprintln(os.Stderr, "Shutdown timeout exceeded, forcing exit")
		}
		os.Exit(130)
	}
}
