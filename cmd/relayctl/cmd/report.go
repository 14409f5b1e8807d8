package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/ingest"
	"github.com/austindbirch/harbor_relay/internal/payload"
)

type reportOptions struct {
	class     string
	message   string
	severity  string
	unhandled bool
	deferred  bool
	metadata  string
	apiKey    string
}

var reportOpts reportOptions

// reportCmd represents the report command
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Send error reports through the relay",
}

// reportSendCmd represents the report send command
var reportSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a single-event error report",
	Long: `Build an error report with one event and hand it to the relay.

Examples:
  relayctl report send --class RuntimeError --message "boom"
  relayctl report send --class Timeout --defer --metadata '{"request":{"path":"/a"}}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := buildReport(reportOpts)
		if err != nil {
			return err
		}

		resp, err := makeHTTPRequest(cmd.Context(), "POST", "/v1/reports", r)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		var out ingest.Response
		if err := decodeResponse(resp, &out); err != nil {
			return err
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), out)
		} else if reportOpts.deferred {
			fmt.Fprintln(cmd.OutOrStdout(), "Report queued for later delivery")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Report accepted")
		}
		return nil
	},
}

func buildReport(o reportOptions) (*payload.Report, error) {
	if o.class == "" {
		return nil, fmt.Errorf("--class is required")
	}
	md, err := parseJSONObject(o.metadata)
	if err != nil {
		return nil, fmt.Errorf("--metadata: %w", err)
	}
	r := &payload.Report{
		APIKey: o.apiKey,
		Events: []payload.Event{{
			ErrorClass:   o.class,
			ErrorMessage: o.message,
			Severity:     o.severity,
			Unhandled:    o.unhandled,
			Metadata:     md,
		}},
	}
	if o.deferred {
		immediate := false
		r.AttemptImmediateDelivery = &immediate
	}
	return r, nil
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.AddCommand(reportSendCmd)

	f := reportSendCmd.Flags()
	f.StringVar(&reportOpts.class, "class", "", "error class (required)")
	f.StringVar(&reportOpts.message, "message", "", "error message")
	f.StringVar(&reportOpts.severity, "severity", "error", "severity: error, warning or info")
	f.BoolVar(&reportOpts.unhandled, "unhandled", false, "mark the error as unhandled")
	f.BoolVar(&reportOpts.deferred, "defer", false, "skip the immediate attempt and queue the report")
	f.StringVar(&reportOpts.metadata, "metadata", "", "event metadata as a JSON object")
	f.StringVar(&reportOpts.apiKey, "api-key", "", "override the relay's collector API key")
}
