package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the relay",
	Long:  `Check the relay's health endpoint, collector reachability and queue depths.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest(cmd.Context(), "GET", "/healthz", nil)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		var st health.Status
		herr := decodeResponse(resp, &st)

		if outputJSON {
			printOutput(cmd.OutOrStdout(), st)
			return herr
		}
		out := cmd.OutOrStdout()
		if herr != nil {
			fmt.Fprintf(out, "✗ Relay is unhealthy: %s\n", st.Message)
			return herr
		}
		fmt.Fprintln(out, "✓ Relay is healthy")
		if st.Connected {
			fmt.Fprintln(out, "  Collector: reachable")
		} else {
			fmt.Fprintln(out, "  Collector: unreachable, payloads are being queued")
		}
		for kind, n := range st.Queues {
			fmt.Fprintf(out, "  Queued %s payloads: %d\n", kind, n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
