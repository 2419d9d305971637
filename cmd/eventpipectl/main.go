// Command eventpipectl inspects and manages the analytics state an
// application persisted with eventpipe: consent, offline queues, buffered
// batches and funnel counters.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/config"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/storage"
)

var (
	dbPath     string
	configPath string
	jsonOutput bool
	verbose    bool

	store    storage.Store
	settings config.Settings
	logger   *slog.Logger
)

const defaultDBPath = "eventpipe.db"

// resolveDBPath picks the store path: the --db flag, then $EVENTPIPE_DB,
// then storagePath from the settings file, then defaultDBPath.
func resolveDBPath(flagSet bool) string {
	if flagSet {
		return dbPath
	}
	if p := os.Getenv("EVENTPIPE_DB"); p != "" {
		return p
	}
	if settings.StoragePath != "" {
		return settings.StoragePath
	}
	return defaultDBPath
}

var rootCmd = &cobra.Command{
	Use:           "eventpipectl",
	Short:         "Inspect and manage persisted analytics state",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

		settings = config.DefaultSettings
		if configPath != "" {
			s, err := config.LoadSettings(configPath)
			if err != nil {
				return err
			}
			settings = s
		}

		path := resolveDBPath(cmd.Flags().Changed("db"))
		if store != nil {
			store.Close()
		}
		s, err := storage.NewSQLiteStore(path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		store = s
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			store.Close()
			store = nil
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath, "SQLite store path; unset falls back to $EVENTPIPE_DB, then storagePath from --config")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "settings file (yaml, json or toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(consentCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(funnelCmd)
	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
