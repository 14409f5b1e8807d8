package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the relay answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		start := time.Now()
		resp, err := makeHTTPRequest(cmd.Context(), "GET", "/v1/ping", nil)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		if err := decodeResponse(resp, nil); err != nil {
			return err
		}
		rtt := time.Since(start).Round(time.Millisecond)
		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]any{"server": baseURL(serverAddr), "rtt_ms": rtt.Milliseconds()})
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "relay at %s answered in %s\n", baseURL(serverAddr), rtt)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
