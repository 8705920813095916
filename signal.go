package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// exitFunc ends the process; tests replace it.
var exitFunc = os.Exit

// shutdownContext is cancelled by Ctrl-C or SIGTERM, which lets the room
// command unsubscribe and stop polling before it returns. A second
// interrupt while that is going on quits immediately with status 1.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigs)
		watchSignals(parent, sigs, cancel, logger)
	}()

	return ctx
}

// watchSignals counts interrupts until parent ends.
func watchSignals(parent context.Context, sigs <-chan os.Signal, cancel context.CancelFunc, logger *slog.Logger) {
	defer cancel()

	for n := 1; ; n++ {
		select {
		case <-parent.Done():
			return
		case sig := <-sigs:
			if n == 1 {
				logger.Info("interrupted, leaving the room (interrupt again to quit now)",
					slog.String("signal", sig.String()),
				)
				cancel()

				continue
			}

			logger.Warn("interrupted again, quitting without cleanup",
				slog.String("signal", sig.String()),
			)
			exitFunc(1)

			return
		}
	}
}
