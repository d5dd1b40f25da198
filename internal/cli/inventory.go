package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

// NewInventoryCommand creates the inventory command: print the live
// coordinate/hash map or just its digest.
func NewInventoryCommand(opts *RootOptions) *cobra.Command {
	var digestOnly bool

	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Print the live inventory of the local instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, opts)

			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			inv, err := st.ScanInventory(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "scan inventory", err)
			}
			digest, err := inv.Digest()
			if err != nil {
				return WrapExitError(ExitCommandError, "inventory digest", err)
			}

			if opts.Format == "json" {
				return out.Success(map[string]any{
					"inventory": inv,
					"digest":    digest,
				})
			}
			if digestOnly {
				return out.Success(digest)
			}

			var b strings.Builder
			keys := make([]string, 0, len(inv))
			for key := range inv {
				keys = append(keys, key)
			}
			slices.Sort(keys)
			for _, key := range keys {
				marker := " "
				if len(inv[key]) > 1 {
					marker = "!" // conflicted coordinate
				}
				fmt.Fprintf(&b, "%s %s %s\n", marker, key, strings.Join(inv[key], " "))
			}
			fmt.Fprintf(&b, "digest %s", digest)
			return out.Success(b.String())
		},
	}

	cmd.Flags().BoolVar(&digestOnly, "digest", false, "print only the inventory digest")
	return cmd
}
