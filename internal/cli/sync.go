package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultmesh/vaultmesh/internal/merge"
	"github.com/vaultmesh/vaultmesh/internal/peer"
	"github.com/vaultmesh/vaultmesh/internal/session"
	"github.com/vaultmesh/vaultmesh/internal/witness"
)

// NewSyncCommand creates the sync command: run one session against a
// peer address and wait for the outcome.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	var peerID string

	cmd := &cobra.Command{
		Use:   "sync <host:port>",
		Short: "Run one sync session against a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, opts)

			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			audit := witness.New(st)
			coord := session.NewCoordinator(st, merge.New(st),
				peer.NewHTTPTransport(30*time.Second), audit)

			addr := peer.PeerAddress{InstanceID: peerID, Addr: args[0]}
			out.VerboseLog("starting session against %s", addr.Addr)

			h, err := coord.StartSync(cmd.Context(), addr)
			if err != nil {
				return WrapExitError(ExitCommandError, "start session", err)
			}
			res, err := h.Wait(cmd.Context())
			if err != nil {
				code := "TRANSFER_FAILED"
				if session.IsCode(err, session.ErrCodeConsentDeclined) {
					code = "CONSENT_DECLINED"
				}
				out.Error(code, err.Error(), nil)
				return NewExitError(ExitFailure, "session cancelled")
			}

			if opts.Format == "json" {
				return out.Success(res)
			}
			return out.Success(fmt.Sprintf(
				"session %s %s: %d entries merged, %d conflicts, inventory %s",
				res.SessionID, res.Status, res.EntriesMerged,
				res.ConflictsRecorded, res.InventoryDigest))
		},
	}

	cmd.Flags().StringVar(&peerID, "peer", "", "expected peer instance id")
	return cmd
}
