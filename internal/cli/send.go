package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/api"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/config"
)

var (
	sendTo      string
	sendMessage string
	sendURL     string
	sendKey     string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message through a running gateway",
	Long:  `Posts to /send on a running gateway. The address and API key come from the config unless given as flags.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		base := strings.TrimRight(sendURL, "/")
		if base == "" {
			base = "http://" + net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
		}
		key := sendKey
		if key == "" {
			key = cfg.Server.APIKey
		}

		body, _ := json.Marshal(api.SendRequest{To: sendTo, Message: sendMessage})
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, base+"/send", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+key)

		client := &http.Client{Timeout: 2 * time.Minute}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

		out := cmd.OutOrStdout()
		if resp.StatusCode != http.StatusOK {
			var e struct {
				Detail string `json:"detail"`
			}
			_ = json.Unmarshal(raw, &e)
			if e.Detail == "" {
				e.Detail = strings.TrimSpace(string(raw))
			}
			fmt.Fprintf(out, "%s %d %s\n", color.RedString("✗"), resp.StatusCode, e.Detail)
			return fmt.Errorf("send failed: %s", resp.Status)
		}
		fmt.Fprintf(out, "%s sent to %s\n", color.GreenString("✓"), strings.TrimSpace(sendTo))
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient phone number, email or chat id")
	sendCmd.Flags().StringVarP(&sendMessage, "message", "m", "", "message text")
	sendCmd.Flags().StringVar(&sendURL, "url", "", "gateway base URL (default from config)")
	sendCmd.Flags().StringVar(&sendKey, "api-key", "", "API key (default from config)")
	_ = sendCmd.MarkFlagRequired("to")
	_ = sendCmd.MarkFlagRequired("message")
}
