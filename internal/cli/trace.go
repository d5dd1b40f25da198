package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/vaultmesh/vaultmesh/internal/witness"
)

// NewTraceCommand creates the trace command: replay the audit log.
func NewTraceCommand(opts *RootOptions) *cobra.Command {
	var (
		since   int64
		session string
	)

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Replay the audit trail of sync activity",
		Long: "Replays witness events (sync lifecycle, consent decisions, fired\n" +
			"triggers) in order, optionally restricted to one session.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, opts)

			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			w := witness.New(st)
			var events []witness.Event
			if session != "" {
				events, err = w.ReplaySession(cmd.Context(), session)
			} else {
				events, err = w.Replay(cmd.Context(), since)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "replay audit log", err)
			}

			if opts.Format == "json" {
				return out.Success(events)
			}
			var b strings.Builder
			if err := witness.Render(&b, events); err != nil {
				return WrapExitError(ExitCommandError, "render audit log", err)
			}
			return out.Success(strings.TrimSuffix(b.String(), "\n"))
		},
	}

	cmd.Flags().Int64Var(&since, "since", 0, "replay events after this sequence number")
	cmd.Flags().StringVar(&session, "session", "", "replay only this session's events")
	return cmd
}
