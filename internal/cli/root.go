// Package cli is the imessage-gateway command line.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/TalhaNadeem001/mac-imessage-gateway/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _ __  __                                \n" +
		" (_)  \\/  | ___  ___ ___  __ _  __ _  ___ \n" +
		" | | |\\/| |/ _ \\/ __/ __|/ _` |/ _` |/ _ \\\n" +
		" | | |  | |  __/\\__ \\__ \\ (_| | (_| |  __/\n" +
		" |_|_|  |_|\\___||___/___/\\__,_|\\__, |\\___|\n" +
		"                               |___/  gateway\n"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "imessage-gateway",
	Short: "HTTP gateway for Messages.app",
	Long: color.CyanString(logo) + "\nSends iMessages over HTTP, forwards inbound messages to a webhook\n" +
		"and declines incoming FaceTime calls with a text reply.",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (JSON or YAML); IMESSAGE_* variables override it")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(checkCmd)
}
