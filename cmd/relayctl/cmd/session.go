package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/ingest"
	"github.com/austindbirch/harbor_relay/internal/payload"
)

type sessionOptions struct {
	id         string
	userID     string
	appVersion string
}

var sessionOpts sessionOptions

// sessionCmd represents the session command
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Send session pings through the relay",
}

var sessionSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Start a session and send it",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := buildSession(sessionOpts, time.Now())

		resp, err := makeHTTPRequest(cmd.Context(), "POST", "/v1/sessions", s)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		var out ingest.Response
		if err := decodeResponse(resp, &out); err != nil {
			return err
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), out)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s accepted\n", s.ID)
		}
		return nil
	},
}

func buildSession(o sessionOptions, now time.Time) *payload.Session {
	s := &payload.Session{ID: o.id, StartedAt: now.UTC()}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if o.userID != "" {
		s.User = map[string]any{"id": o.userID}
	}
	if o.appVersion != "" {
		s.App = map[string]any{"version": o.appVersion}
	}
	return s
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionSendCmd)

	sessionSendCmd.Flags().StringVar(&sessionOpts.id, "id", "", "session id (default: random UUID)")
	sessionSendCmd.Flags().StringVar(&sessionOpts.userID, "user-id", "", "user id")
	sessionSendCmd.Flags().StringVar(&sessionOpts.appVersion, "app-version", "", "app version")
}
