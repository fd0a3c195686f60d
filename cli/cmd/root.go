package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/voxline/callgate/cli/internal/client"
	"github.com/voxline/callgate/cli/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "callgatectl",
	Short: "Callgate operator CLI",
	Long: `callgatectl talks to a callgate gateway.

Inspect the delivery queue, list and replay dead-lettered jobs, mint
operator tokens and send signed test webhooks from your terminal.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.callgate/config.yaml)")
	rootCmd.PersistentFlags().String("profile", "", "profile to use (default: current profile)")
	rootCmd.PersistentFlags().String("output", "table", "output format: table, json")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.Default()
	}
}

// gatewayClient builds a client from the selected profile. A missing
// profile still yields a client for the default gateway URL.
func gatewayClient(cmd *cobra.Command) *client.GatewayClient {
	profile, _ := cmd.Flags().GetString("profile")
	token := ""
	if p, err := cfg.GetProfile(profile); err == nil {
		token = p.OpsToken
	}
	return client.NewGatewayClient(cfg.GatewayURL(profile), token)
}

func wantJSON(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("output")
	return format == "json"
}
