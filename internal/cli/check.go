package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/config"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/maintenance"
	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

var errCheckFailed = errors.New("check failed")

// lookPath is replaced in tests.
var lookPath = exec.LookPath

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config and the host prerequisites",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		failed := false

		cfg, err := config.Load(cfgPath)
		if err != nil {
			report(out, "FAIL", "config_load", err.Error())
			return errCheckFailed
		}
		report(out, "OK", "config_load", sourceName())

		if err := cfg.Validate(); err != nil {
			failed = true
			for _, line := range strings.Split(err.Error(), "\n") {
				report(out, "FAIL", "config", line)
			}
		} else {
			report(out, "OK", "config", "valid")
		}

		if strings.TrimSpace(cfg.Maintenance.Schedule) != "" {
			if _, err := maintenance.New(maintenance.Config{Schedule: cfg.Maintenance.Schedule, Timezone: cfg.Maintenance.Timezone}, nil, logx.Nop(), nil, nil); err != nil {
				failed = true
				report(out, "FAIL", "maintenance", err.Error())
			} else {
				report(out, "OK", "maintenance", cfg.Maintenance.Schedule)
			}
		}

		if db, err := config.ExpandHome(cfg.Transport.ChatDB); err != nil {
			report(out, "WARN", "chat_db", err.Error())
		} else if f, err := os.Open(db); err != nil {
			report(out, "WARN", "chat_db", err.Error()+" (grant Full Disk Access to read inbound messages)")
		} else {
			_ = f.Close()
			report(out, "OK", "chat_db", db)
		}

		bins := []string{cfg.Transport.Osascript, "open", "killall"}
		if cfg.Watcher.Enabled {
			bins = append(bins, "log")
		}
		for _, bin := range bins {
			if p, err := lookPath(bin); err != nil {
				report(out, "WARN", "bin:"+bin, "not found in PATH")
			} else {
				report(out, "OK", "bin:"+bin, p)
			}
		}

		if failed {
			return errCheckFailed
		}
		return nil
	},
}

func sourceName() string {
	if cfgPath == "" {
		return "environment only"
	}
	return cfgPath
}

func report(w io.Writer, level, name, detail string) {
	tag := "[" + level + "]"
	switch level {
	case "OK":
		tag = color.GreenString(tag)
	case "WARN":
		tag = color.YellowString(tag)
	case "FAIL":
		tag = color.RedString(tag)
	}
	fmt.Fprintf(w, "%s %s: %s\n", tag, name, detail)
}
