package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voxline/callgate/cli/pkg/output"
)

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dlq"},
	Short:   "List and replay dead-lettered jobs",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		tenantID, _ := cmd.Flags().GetString("tenant")

		entries, err := gatewayClient(cmd).DeadLetters(limit, tenantID)
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}
		if wantJSON(cmd) {
			return output.JSON(entries)
		}
		if len(entries) == 0 {
			output.Info("No dead-lettered jobs")
			return nil
		}

		table := output.NewTable([]string{"Job", "Tenant", "Type", "Attempts", "Updated", "Error"})
		for _, e := range entries {
			table.AddRow([]string{
				e.JobID,
				e.TenantID,
				e.EventType,
				fmt.Sprintf("%d/%d", e.Attempts, e.MaxAttempts),
				e.UpdatedAt.Format("2006-01-02 15:04:05"),
				truncate(e.ErrorMessage, 60),
			})
		}
		table.Render()
		return nil
	},
}

var deadLettersReplayCmd = &cobra.Command{
	Use:   "replay [job-id...]",
	Short: "Move dead-lettered jobs back to pending",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := gatewayClient(cmd)
		failed := 0
		for _, id := range args {
			job, err := c.Replay(id)
			if err != nil {
				output.Error("%s: %v", id, err)
				failed++
				continue
			}
			output.Success("Replayed %s (%s, tenant %s)", job.ID, job.EventType, job.TenantID)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d replays failed", failed, len(args))
		}
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	rootCmd.AddCommand(deadLettersCmd)
	deadLettersCmd.AddCommand(deadLettersListCmd, deadLettersReplayCmd)

	deadLettersListCmd.Flags().Int("limit", 50, "maximum entries to return")
	deadLettersListCmd.Flags().String("tenant", "", "only this tenant")
}
