package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxline/callgate/cli/internal/config"
	"github.com/voxline/callgate/cli/pkg/output"
	"github.com/voxline/callgate/common/opsauth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Operator token management",
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint an ops-scoped bearer token",
	Long: `Mint a bearer token signed with the gateway's ops.jwt_secret.

The secret is read from --secret or CALLGATE_OPS_JWT_SECRET.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			secret = os.Getenv("CALLGATE_OPS_JWT_SECRET")
		}
		if secret == "" {
			return fmt.Errorf("signing secret is required (--secret or CALLGATE_OPS_JWT_SECRET)")
		}
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		save, _ := cmd.Flags().GetBool("save")

		token, err := opsauth.New(secret).Mint(subject, ttl, opsauth.ScopeOps)
		if err != nil {
			return fmt.Errorf("failed to mint token: %w", err)
		}

		if save {
			profile, _ := cmd.Flags().GetString("profile")
			if profile == "" {
				profile = cfg.CurrentProfile
			}
			if err := cfg.SaveProfile(profile, config.Profile{OpsToken: token}); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}
			output.Success("Token saved to profile '%s' (expires %s)", profile, time.Now().Add(ttl).Format(time.RFC3339))
			return nil
		}

		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenMintCmd)

	tokenMintCmd.Flags().String("secret", "", "ops JWT signing secret")
	tokenMintCmd.Flags().String("subject", "callgatectl", "token subject, shown in the gateway's audit logs")
	tokenMintCmd.Flags().Duration("ttl", 12*time.Hour, "token lifetime")
	tokenMintCmd.Flags().Bool("save", false, "store the token in the selected profile")
}
