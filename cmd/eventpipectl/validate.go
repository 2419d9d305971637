package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/validate"
)

var validateCmd = &cobra.Command{
	Use:   "validate <name> [key=value...]",
	Short: "Check an event name and properties against the validation rules",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := parseProps(args[1:])
		if err != nil {
			return err
		}
		r := validate.New().ValidateEvent(args[0], props)

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"name":     args[0],
				"valid":    r.Valid,
				"errors":   r.Errors,
				"warnings": r.Warnings,
			})
		}

		out := cmd.OutOrStdout()
		if r.Valid {
			fmt.Fprintf(out, "%q is valid\n", args[0])
		} else {
			fmt.Fprintf(out, "%q is invalid\n", args[0])
		}
		for _, e := range r.Errors {
			fmt.Fprintf(out, "  error: %s\n", e)
		}
		for _, w := range r.Warnings {
			fmt.Fprintf(out, "  warning: %s\n", w)
		}
		return nil
	},
}
