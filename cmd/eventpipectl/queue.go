package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/storage"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect offline queues and buffered batches",
}

// pendingSummary is one sink's undelivered events.
type pendingSummary struct {
	Sink        string `json:"sink"`
	Queued      int    `json:"queued"`
	Buffered    int    `json:"buffered"`
	MaxRetries  int    `json:"max_retries"`
	OldestMs    int64  `json:"oldest_ms,omitempty"`
	OldestEvent string `json:"oldest_event,omitempty"`
}

func readQueue(ctx context.Context, sinkName string) ([]event.QueuedEvent, error) {
	data, err := store.Get(ctx, storage.QueueKey(sinkName))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []event.QueuedEvent
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode queue %s: %w", sinkName, err)
	}
	return entries, nil
}

func readBuffer(ctx context.Context, sinkName string) ([]event.Event, error) {
	data, err := store.Get(ctx, storage.BufferKey(sinkName))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var events []event.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("decode buffer %s: %w", sinkName, err)
	}
	return events, nil
}

// sinkNames lists every sink with persisted queue or buffer state.
func sinkNames(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var names []string
	for _, prefix := range []string{storage.PrefixQueue, storage.PrefixBuffer} {
		keys, err := store.Keys(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			name := strings.TrimPrefix(k, prefix)
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names, nil
}

func summarize(ctx context.Context) ([]pendingSummary, error) {
	names, err := sinkNames(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]pendingSummary, 0, len(names))
	for _, name := range names {
		queued, err := readQueue(ctx, name)
		if err != nil {
			return nil, err
		}
		buffered, err := readBuffer(ctx, name)
		if err != nil {
			return nil, err
		}
		s := pendingSummary{Sink: name, Queued: len(queued), Buffered: len(buffered)}
		for _, qe := range queued {
			if qe.RetryCount > s.MaxRetries {
				s.MaxRetries = qe.RetryCount
			}
			if s.OldestMs == 0 || qe.QueuedAtMs < s.OldestMs {
				s.OldestMs = qe.QueuedAtMs
				s.OldestEvent = qe.Event.Name
			}
		}
		out = append(out, s)
	}
	return out, nil
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List undelivered events per sink",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		summaries, err := summarize(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), summaries)
		}
		if len(summaries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pending events.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SINK\tQUEUED\tBUFFERED\tMAX RETRIES\tOLDEST")
		for _, s := range summaries {
			oldest := "-"
			if s.OldestMs > 0 {
				age := time.Since(time.UnixMilli(s.OldestMs)).Round(time.Second)
				oldest = fmt.Sprintf("%s (%s ago)", s.OldestEvent, age)
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", s.Sink, s.Queued, s.Buffered, s.MaxRetries, oldest)
		}
		return w.Flush()
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show <sink>",
	Short: "Show the queued and buffered events of one sink",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		queued, err := readQueue(ctx, args[0])
		if err != nil {
			return err
		}
		buffered, err := readBuffer(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"sink":     args[0],
				"queued":   queued,
				"buffered": buffered,
			})
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SOURCE\tID\tNAME\tRETRIES\tTIMESTAMP")
		for _, qe := range queued {
			fmt.Fprintf(w, "queue\t%s\t%s\t%d\t%s\n", qe.ID, qe.Event.Name, qe.RetryCount, formatMs(qe.Event.TimestampMs))
		}
		for _, e := range buffered {
			fmt.Fprintf(w, "buffer\t%s\t%s\t-\t%s\n", e.ID, e.Name, formatMs(e.TimestampMs))
		}
		return w.Flush()
	},
}

var purgeAll bool

var queuePurgeCmd = &cobra.Command{
	Use:   "purge [sink]",
	Short: "Delete the queued and buffered events of a sink",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var names []string
		switch {
		case purgeAll:
			n, err := sinkNames(ctx)
			if err != nil {
				return err
			}
			names = n
		case len(args) == 1:
			names = args
		default:
			return errors.New("name a sink or pass --all")
		}

		for _, name := range names {
			if err := store.Delete(ctx, storage.QueueKey(name)); err != nil {
				return err
			}
			if err := store.Delete(ctx, storage.BufferKey(name)); err != nil {
				return err
			}
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"purged": names})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d sink(s)\n", len(names))
		return nil
	},
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func init() {
	queuePurgeCmd.Flags().BoolVar(&purgeAll, "all", false, "purge every sink")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueShowCmd)
	queueCmd.AddCommand(queuePurgeCmd)
}

