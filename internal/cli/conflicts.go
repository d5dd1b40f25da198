package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vaultmesh/vaultmesh/internal/store"
)

// NewConflictsCommand creates the conflicts command: list detected
// conflicts and resolve them by picking a winning hash.
func NewConflictsCommand(opts *RootOptions) *cobra.Command {
	var includeResolved bool

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List detected coordinate conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, opts)

			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			conflicts, err := st.ListConflicts(cmd.Context(), includeResolved)
			if err != nil {
				return WrapExitError(ExitCommandError, "list conflicts", err)
			}

			if opts.Format == "json" {
				return out.Success(conflicts)
			}
			if len(conflicts) == 0 {
				return out.Success("no conflicts")
			}
			var b strings.Builder
			for i, c := range conflicts {
				if i > 0 {
					b.WriteByte('\n')
				}
				state := "unresolved"
				if c.Resolved {
					state = "resolved"
				}
				fmt.Fprintf(&b, "%s %s %s: %s (%s) vs %s (%s)",
					c.ID, state, c.Coordinate.Key(),
					c.LocalHash, c.LocalEntry.String(),
					c.RemoteHash, c.RemoteEntry.String())
			}
			return out.Success(b.String())
		},
	}
	cmd.Flags().BoolVar(&includeResolved, "all", false, "include resolved conflicts")

	resolve := &cobra.Command{
		Use:   "resolve <conflict-id> <winning-hash>",
		Short: "Resolve a conflict by choosing the winning hash",
		Long: "Marks the conflict resolved and supersedes the losing node. The\n" +
			"losing payload stays in the store and remains retrievable by hash.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, opts)

			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.ResolveConflict(cmd.Context(), args[0], args[1]); err != nil {
				if store.IsCode(err, store.ErrCodeNotFound) {
					out.Error("NOT_FOUND", err.Error(), nil)
					return NewExitError(ExitFailure, "conflict or hash not found")
				}
				return WrapExitError(ExitCommandError, "resolve conflict", err)
			}
			return out.Success(fmt.Sprintf("resolved %s, winner %s", args[0], args[1]))
		},
	}
	cmd.AddCommand(resolve)

	return cmd
}
