package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/funnel"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/storage"
)

var funnelCmd = &cobra.Command{
	Use:   "funnel",
	Short: "Show or reset funnel counters",
}

var funnelShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show stage counts, conversion and drop-off rates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := funnel.ReadState(cmd.Context(), store)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), st)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tLIFETIME\tSESSION")
		for _, s := range funnel.Stages {
			fmt.Fprintf(w, "%s\t%d\t%d\n", s, st.Lifetime[s], st.Session[s])
		}
		if err := w.Flush(); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\nConversion: %.1f%% (session %.1f%%)\n", st.ConversionRate, st.SessionConversionRate)
		for _, d := range st.DropOffs {
			fmt.Fprintf(out, "  %s -> %s: %.1f%% drop-off\n", d.From, d.To, d.Rate)
		}
		return nil
	},
}

var funnelResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all funnel counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.Delete(cmd.Context(), storage.KeyFunnel); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Fprintln(cmd.OutOrStdout(), "Funnel reset")
			return nil
		}
		return printJSON(cmd.OutOrStdout(), map[string]bool{"reset": true})
	},
}

func init() {
	funnelCmd.AddCommand(funnelShowCmd)
	funnelCmd.AddCommand(funnelResetCmd)
}
