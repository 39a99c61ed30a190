package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long:  `Starts the HTTP API, the incoming-call watcher and the inbound forwarder, and runs until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(cfgPath)
		if err != nil {
			return fmt.Errorf("startup: %w", err)
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		if err := a.Start(context.Background()); err != nil {
			return fmt.Errorf("start: %w", err)
		}

		reason := app.StopFatalError
		select {
		case sig := <-sigs:
			reason = app.ReasonFromSignal(sig)
		case <-a.Done():
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = a.Stop(ctx, reason)
		if reason == app.StopFatalError {
			return a.Err()
		}
		return nil
	},
}
