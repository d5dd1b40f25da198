package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultmesh/vaultmesh/internal/store"
	"github.com/vaultmesh/vaultmesh/internal/vault"
)

// NewSealCommand creates the seal command: append one node to the
// local log.
func NewSealCommand(opts *RootOptions) *cobra.Command {
	var (
		theta       float64
		z           float64
		radius      float64
		payload     string
		payloadFile string
		contentType string
	)

	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal content at a coordinate in the local log",
		Long: "Seals a payload as an immutable node at the given coordinate and\n" +
			"appends it to the instance log, linked to the current head.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, opts)

			data, err := readPayload(cmd.InOrStdin(), payload, payloadFile)
			if err != nil {
				return WrapExitError(ExitCommandError, "read payload", err)
			}

			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			var parents []vault.EntryRef
			if head, ok, err := st.Head(ctx); err != nil {
				return WrapExitError(ExitCommandError, "read log head", err)
			} else if ok {
				parents = []vault.EntryRef{head}
			}

			node := vault.Seal(vault.Coordinate{Theta: theta, Z: z, R: radius},
				contentType, data, time.Now())
			entry, err := st.AppendLocal(ctx, node, parents, "")
			if err != nil {
				if store.IsCode(err, store.ErrCodeDuplicateCoordinate) {
					out.Error("DUPLICATE_COORDINATE", err.Error(), nil)
					return NewExitError(ExitFailure, "coordinate already sealed with different content")
				}
				return WrapExitError(ExitCommandError, "append entry", err)
			}

			if opts.Format == "json" {
				return out.Success(entry)
			}
			return out.Success(fmt.Sprintf("sealed %s at %s (seq %d)",
				entry.Node.ContentHash, entry.Node.Coordinate.Key(), entry.LocalSeq))
		},
	}

	cmd.Flags().Float64Var(&theta, "theta", 0, "angular position")
	cmd.Flags().Float64Var(&z, "z", 0, "elevation")
	cmd.Flags().Float64Var(&radius, "radius", vault.DefaultRadius, "structural weight")
	cmd.Flags().StringVar(&payload, "payload", "", "inline payload")
	cmd.Flags().StringVar(&payloadFile, "file", "", "payload file, '-' for stdin")
	cmd.Flags().StringVar(&contentType, "content-type", vault.ContentTypeNode, "content type")

	return cmd
}

// readPayload resolves the payload from the inline flag, a file, or
// stdin.
func readPayload(stdin io.Reader, inline, file string) ([]byte, error) {
	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("--payload and --file are mutually exclusive")
	case inline != "":
		return []byte(inline), nil
	case file == "-":
		return io.ReadAll(stdin)
	case file != "":
		return os.ReadFile(file)
	default:
		return nil, fmt.Errorf("one of --payload or --file is required")
	}
}
