package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// setupSignalHandler creates a context cancelled on SIGINT/SIGTERM so a
// run stops scheduling new categories and lets in-flight work finish.
func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			println()
			println("received signal:", sig.String())
			println("stopping new work, waiting for in-flight categories to finish...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}
