package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/consent"
)

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Show or change the persisted consent decision",
}

func consentStore() *consent.Store {
	return consent.NewStore(store,
		consent.WithVersion(settings.ConsentVersion),
		consent.WithLogger(logger),
	)
}

func printConsent(cmd *cobra.Command, cs *consent.Store, r consent.Record) error {
	required := cs.IsConsentRequired(cmd.Context())
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"record":   r,
			"required": required,
		})
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Granted:         %t\n", r.Granted)
	fmt.Fprintf(w, "Version:         %s (expected %s)\n", r.Version, cs.Version())
	if r.TimestampMs > 0 {
		fmt.Fprintf(w, "Updated:         %s\n", time.UnixMilli(r.TimestampMs).UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Necessary:       %s\n", onOff(r.Categories.Necessary))
	fmt.Fprintf(w, "Analytics:       %s\n", onOff(r.Categories.Analytics))
	fmt.Fprintf(w, "Marketing:       %s\n", onOff(r.Categories.Marketing))
	fmt.Fprintf(w, "Personalization: %s\n", onOff(r.Categories.Personalization))
	fmt.Fprintf(w, "Prompt required: %t\n", required)
	return nil
}

var consentShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the consent record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cs := consentStore()
		r, err := cs.Load(cmd.Context())
		if err != nil {
			return err
		}
		return printConsent(cmd, cs, r)
	},
}

var consentGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant every consent category",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cs := consentStore()
		r, err := cs.GrantAll(cmd.Context())
		if err != nil {
			return err
		}
		return printConsent(cmd, cs, r)
	},
}

var consentRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke consent and delete persisted analytics data",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cs := consentStore()
		r, err := cs.RevokeAll(cmd.Context())
		if err != nil {
			return err
		}
		return printConsent(cmd, cs, r)
	},
}

var consentSetCmd = &cobra.Command{
	Use:   "set <category> <on|off>",
	Short: "Change one consent category",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := consent.ParseCategory(args[0])
		if err != nil {
			return err
		}
		var granted bool
		switch args[1] {
		case "on":
			granted = true
		case "off":
		default:
			if granted, err = strconv.ParseBool(args[1]); err != nil {
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
		}

		cs := consentStore()
		if _, err := cs.Load(cmd.Context()); err != nil {
			return err
		}
		r, err := cs.UpdateCategory(cmd.Context(), cat, granted)
		if err != nil {
			return err
		}
		return printConsent(cmd, cs, r)
	},
}

func init() {
	consentCmd.AddCommand(consentShowCmd)
	consentCmd.AddCommand(consentGrantCmd)
	consentCmd.AddCommand(consentRevokeCmd)
	consentCmd.AddCommand(consentSetCmd)
}
