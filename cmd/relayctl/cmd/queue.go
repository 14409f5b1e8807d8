package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_relay/internal/payload"
	"github.com/austindbirch/harbor_relay/internal/queue"
)

var (
	queueDir  string
	queueKind string
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect a relay's on-disk queue",
	Long: `Inspect the file-backed queue of undelivered payloads. Run it against the
relay's QUEUE_DIR.`,
}

var queueLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List undelivered payloads, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := queueDir
		if !cmd.Flags().Changed("dir") {
			if d := viper.GetString("queue_dir"); d != "" {
				dir = d
			}
		}
		kinds, err := selectKinds(queueKind)
		if err != nil {
			return err
		}

		items, err := listQueue(cmd.Context(), dir, kinds)
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), items)
			return nil
		}
		writeQueueTable(cmd.OutOrStdout(), items)
		return nil
	},
}

type queueItem struct {
	Kind      payload.Kind `json:"kind"`
	ID        string       `json:"id"`
	URL       string       `json:"url"`
	Bytes     int          `json:"bytes"`
	CreatedAt time.Time    `json:"created_at"`
}

func selectKinds(s string) ([]payload.Kind, error) {
	if s == "" {
		return payload.Kinds, nil
	}
	k, err := payload.ParseKind(s)
	if err != nil {
		return nil, err
	}
	return []payload.Kind{k}, nil
}

func listQueue(ctx context.Context, dir string, kinds []payload.Kind) ([]queueItem, error) {
	store, err := queue.NewFileStore(dir)
	if err != nil {
		return nil, err
	}
	var items []queueItem
	for _, kind := range kinds {
		ps, err := store.Load(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("load %s queue: %w", kind, err)
		}
		for _, p := range ps {
			items = append(items, queueItem{
				Kind:      p.Kind,
				ID:        p.ID,
				URL:       p.URL,
				Bytes:     len(p.Body),
				CreatedAt: p.CreatedAt,
			})
		}
	}
	return items, nil
}

func writeQueueTable(w io.Writer, items []queueItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No undelivered payloads")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tID\tCREATED\tBYTES\tURL")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", it.Kind, it.ID, it.CreatedAt.Format(time.RFC3339), it.Bytes, it.URL)
	}
	_ = tw.Flush()
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueLsCmd)

	queueLsCmd.Flags().StringVar(&queueDir, "dir", "/var/lib/harborrelay/queue", "queue directory")
	queueLsCmd.Flags().StringVar(&queueKind, "kind", "", "only list one kind: report or session")
}
