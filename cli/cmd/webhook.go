package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxline/callgate/cli/internal/client"
	"github.com/voxline/callgate/cli/pkg/output"
)

func readPayload(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func signingSecret(cmd *cobra.Command) (string, error) {
	secret, _ := cmd.Flags().GetString("secret")
	if secret != "" {
		return secret, nil
	}
	profile, _ := cmd.Flags().GetString("profile")
	if p, err := cfg.GetProfile(profile); err == nil && p.SigningSecret != "" {
		return p.SigningSecret, nil
	}
	return "", fmt.Errorf("signing secret is required (--secret or profile signing_secret)")
}

var signCmd = &cobra.Command{
	Use:   "sign [file]",
	Short: "Print signature headers for a webhook body",
	Long:  "Sign a webhook body (file or stdin) the way the voice platform does and print the headers.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := signingSecret(cmd)
		if err != nil {
			return err
		}
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		body, err := readPayload(path)
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}

		ts, sig := client.SignedHeaders(body, secret, time.Now())
		fmt.Printf("X-Timestamp: %s\n", ts)
		fmt.Printf("X-Signature: %s\n", sig)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [file]",
	Short: "Send a signed webhook to the gateway",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := signingSecret(cmd)
		if err != nil {
			return err
		}
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		body, err := readPayload(path)
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
		eventID, _ := cmd.Flags().GetString("event-id")

		res, err := gatewayClient(cmd).SendWebhook(body, secret, eventID)
		if err != nil {
			return fmt.Errorf("failed to send webhook: %w", err)
		}

		output.Info("Status: %s", output.Status(res.StatusCode))
		if res.RetryAfter != "" {
			output.Warn("Retry-After: %ss", res.RetryAfter)
		}
		fmt.Println(string(res.Body))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signCmd, sendCmd)

	for _, c := range []*cobra.Command{signCmd, sendCmd} {
		c.Flags().String("secret", "", "tenant signing secret (default: profile signing_secret)")
	}
	sendCmd.Flags().String("event-id", "", "X-Event-ID header")
}
