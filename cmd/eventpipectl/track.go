package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe"
)

var (
	trackScreen bool
	trackUserID string
)

var trackCmd = &cobra.Command{
	Use:   "track <name> [key=value...]",
	Short: "Send one event through the configured sinks",
	Long: `Builds a pipeline from the settings file, sends one event and flushes.

The persisted consent decision applies: with analytics consent off the
event is suppressed. Events a sink cannot deliver stay in its offline
queue in the store.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := parseProps(args[1:])
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		d := eventpipe.New(
			eventpipe.WithStore(store),
			eventpipe.WithLogger(logger),
		)
		if err := d.Initialize(ctx, settings); err != nil {
			return err
		}
		if trackUserID != "" {
			d.SetUserID(ctx, trackUserID)
		}
		if trackScreen {
			d.TrackScreen(ctx, args[0], props)
		} else {
			d.TrackEvent(ctx, args[0], props)
		}

		enabled := d.Enabled()
		flushErr := d.Flush(ctx)
		err = errors.Join(flushErr, d.Shutdown(ctx))

		result := map[string]any{
			"event":   args[0],
			"tracked": enabled,
			"state":   d.State().String(),
			"session": d.Session().ID,
			"sinks":   d.Sinks(),
		}
		if err != nil {
			result["error"] = err.Error()
		}
		if jsonOutput {
			if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
				return perr
			}
			return err
		}

		out := cmd.OutOrStdout()
		if !enabled {
			fmt.Fprintf(out, "Suppressed %q: pipeline %s\n", args[0], d.State())
			return err
		}
		fmt.Fprintf(out, "Tracked %q to %d sink(s)\n", args[0], len(d.Sinks()))
		return err
	},
}

func init() {
	trackCmd.Flags().BoolVar(&trackScreen, "screen", false, "track as a screen view")
	trackCmd.Flags().StringVar(&trackUserID, "user", "", "user id to attach")
}
