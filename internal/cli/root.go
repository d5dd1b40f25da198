// Package cli implements the vaultmesh command tree: a daemon mode
// (serve) plus one-shot operations against the local database (seal,
// inventory, trace, conflicts) and the mesh (sync).
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vaultmesh/vaultmesh/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	DBPath     string
	ConfigPath string
	InstanceID string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the vaultmesh CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "vaultmesh",
		Short: "vaultmesh - peer-to-peer state synchronization",
		Long: "Synchronizes append-only, content-addressed state between peer\n" +
			"instances with causal ordering, conflict detection, and a full audit trail.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			level := slog.LevelWarn
			if opts.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(),
				&slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "vaultmesh.db", "path to the instance database")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to the config file")
	cmd.PersistentFlags().StringVar(&opts.InstanceID, "instance", "", "instance id (defaults to the config value)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewSealCommand(opts))
	cmd.AddCommand(NewInventoryCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// formatter builds the output formatter for a command.
func formatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// openStore opens the instance database from the global flags. The
// instance id is required the first time a database is created; on an
// existing database it must match.
func openStore(opts *RootOptions) (*store.Store, error) {
	id := opts.InstanceID
	if id == "" {
		// Fall back to the hostname so one-shot commands work without
		// a config file.
		host, err := os.Hostname()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "no instance id and hostname unavailable", err)
		}
		id = host
	}
	st, err := store.Open(opts.DBPath, id)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}
	return st, nil
}
