package main

import (
	"os"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
