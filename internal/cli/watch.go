package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/config"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/watcher"
	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

var (
	watchPredicate string
	watchPattern   string
	watchVerbose   bool
)

// newLineSource is replaced in tests.
var newLineSource = func(killGrace time.Duration) watcher.LineSource {
	return watcher.NewTailer(killGrace, logx.Nop())
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print detected incoming calls without acting on them",
	Long: `Runs the same log stream and call detection as serve, but only prints what it sees.
Use it to tune the predicate and pattern. Nothing is restarted and nothing is sent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		predicate := cfg.Watcher.Predicate
		if watchPredicate != "" {
			predicate = watchPredicate
		}
		rawPattern := cfg.Watcher.Pattern
		if watchPattern != "" {
			rawPattern = watchPattern
		}
		pattern, err := regexp.Compile(rawPattern)
		if err != nil {
			return fmt.Errorf("pattern: %w", err)
		}
		debounce, err := config.ParseDurationOrDefault("watcher.debounce", cfg.Watcher.Debounce, 5*time.Second)
		if err != nil {
			return err
		}
		grace, err := config.ParseDurationOrDefault("watcher.kill_grace", cfg.Watcher.KillGrace, 2*time.Second)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWatch(ctx, cmd, newLineSource(grace), predicate, watcher.NewDetector(pattern, debounce, logx.Nop(), nil))
	},
}

func runWatch(ctx context.Context, cmd *cobra.Command, src watcher.LineSource, predicate string, det *watcher.Detector) error {
	out := cmd.OutOrStdout()
	stream, err := src.Open(ctx, predicate)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s watching %s\n", color.CyanString("→"), predicate)

	for line := range stream.Lines() {
		if ev, ok := det.Accept(line); ok {
			fmt.Fprintf(out, "%s %s %s\n", color.YellowString("CALL"), ev.DetectedAt.Format("15:04:05.000"), ev.Line)
			continue
		}
		if watchVerbose {
			fmt.Fprintf(out, "     %s\n", color.HiBlackString(line.Text))
		}
	}
	err = stream.Err()
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, watcher.ErrStreamClosed) {
		return nil
	}
	return err
}

func init() {
	watchCmd.Flags().StringVar(&watchPredicate, "predicate", "", "log stream predicate (default from config)")
	watchCmd.Flags().StringVar(&watchPattern, "pattern", "", "call line regexp (default from config)")
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "also print lines that did not match")
}
