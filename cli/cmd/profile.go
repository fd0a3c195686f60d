package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voxline/callgate/cli/internal/config"
	"github.com/voxline/callgate/cli/pkg/output"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage gateway profiles",
}

var profileSetCmd = &cobra.Command{
	Use:   "set [name]",
	Short: "Create or update a profile and make it current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		token, _ := cmd.Flags().GetString("ops-token")
		secret, _ := cmd.Flags().GetString("signing-secret")

		if err := cfg.SaveProfile(args[0], config.Profile{
			GatewayURL:    url,
			OpsToken:      token,
			SigningSecret: secret,
		}); err != nil {
			return fmt.Errorf("failed to save profile: %w", err)
		}
		output.Success("Profile '%s' saved", args[0])
		return nil
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the selected profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("profile")
		if name == "" {
			name = cfg.CurrentProfile
		}
		p, err := cfg.GetProfile(name)
		if err != nil {
			return err
		}
		output.Info("Profile:        %s", name)
		output.Info("Gateway:        %s", p.GatewayURL)
		output.Info("Ops token:      %s", mask(p.OpsToken))
		output.Info("Signing secret: %s", mask(p.SigningSecret))
		return nil
	},
}

var profileRemoveCmd = &cobra.Command{
	Use:   "remove [name]",
	Short: "Remove a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RemoveProfile(args[0]); err != nil {
			return err
		}
		output.Success("Profile '%s' removed", args[0])
		return nil
	},
}

func mask(s string) string {
	switch {
	case s == "":
		return "(not set)"
	case len(s) <= 8:
		return "********"
	default:
		return s[:4] + "..." + s[len(s)-4:]
	}
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileSetCmd, profileShowCmd, profileRemoveCmd)

	profileSetCmd.Flags().String("url", "", "gateway base URL")
	profileSetCmd.Flags().String("ops-token", "", "bearer token with the ops scope")
	profileSetCmd.Flags().String("signing-secret", "", "tenant webhook signing secret")
}
