package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voxline/callgate/cli/pkg/output"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the delivery queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := gatewayClient(cmd).QueueStats()
		if err != nil {
			return fmt.Errorf("failed to fetch queue stats: %w", err)
		}
		if wantJSON(cmd) {
			return output.JSON(stats)
		}

		table := output.NewTable([]string{"Waiting", "Delayed", "Active", "Completed", "Failed"})
		table.AddRow([]string{
			fmt.Sprint(stats.Waiting),
			fmt.Sprint(stats.Delayed),
			fmt.Sprint(stats.Active),
			fmt.Sprint(stats.Completed),
			fmt.Sprint(stats.Failed),
		})
		table.Render()
		if stats.Failed > 0 {
			output.Warn("%d dead-lettered jobs; see `callgatectl deadletters list`", stats.Failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatsCmd)
}
