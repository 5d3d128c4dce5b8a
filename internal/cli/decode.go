// Package cli holds the cobra commands behind the sessiontrace-decode and
// sessiontrace-probe binaries.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vincentbai/sessiontrace/internal/models"
	"github.com/vincentbai/sessiontrace/internal/snapshot"
)

// Input formats accepted by the decode command.
const (
	inputAuto  = "auto"  // sniff raw bytes
	inputField = "field" // JSON value of a snapshots field
	inputBatch = "batch" // full snapshot batch request body
)

// NewDecodeCmd creates the sessiontrace-decode command.
func NewDecodeCmd() *cobra.Command {
	var (
		format string
		pretty bool
		count  bool
	)

	cmd := &cobra.Command{
		Use:   "sessiontrace-decode [file]",
		Short: "Decode a snapshot payload into its event list",
		Long: `Decodes a stored or quarantined snapshot payload and prints the flat
event list as JSON. Reads stdin when no file is given.

Formats:
  auto   raw payload bytes (gzip, hex-escaped text, LZ text, JSON)
  field  the JSON value of a snapshot batch's snapshots field
  batch  a complete snapshot batch request body`,
		Example: `  sessiontrace-decode quarantine/sess_1-3f2a.json --format field
  sessiontrace-decode --format batch --pretty < request.json
  sessiontrace-decode payload.gz --count`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			payload, err := toPayload(raw, format)
			if err != nil {
				return err
			}

			events, err := snapshot.Decode(payload)
			if err != nil {
				var failure *snapshot.DecodeFailure
				if errors.As(err, &failure) {
					enc := json.NewEncoder(cmd.ErrOrStderr())
					enc.SetIndent("", "  ")
					_ = enc.Encode(failure)
				}
				return err
			}

			if count {
				fmt.Fprintf(cmd.OutOrStdout(), "%d events from %s %s payload\n",
					len(events), humanize.Bytes(uint64(payload.Len())), payload.Kind)
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			if pretty {
				enc.SetIndent("", "  ")
			}
			return enc.Encode(events)
		},
	}

	cmd.Flags().StringVar(&format, "format", inputAuto, "input format: auto, field or batch")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "indent the JSON output")
	cmd.Flags().BoolVar(&count, "count", false, "print only the number of decoded events")

	return cmd
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 {
		raw, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return raw, nil
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return raw, nil
}

func toPayload(raw []byte, format string) (snapshot.Payload, error) {
	switch format {
	case inputAuto:
		return snapshot.Sniff(raw), nil
	case inputField:
		if !json.Valid(raw) {
			return snapshot.Payload{}, fmt.Errorf("input is not a JSON value")
		}
		return snapshot.FromRaw(raw), nil
	case inputBatch:
		var batch models.SnapshotBatch
		if err := json.Unmarshal(raw, &batch); err != nil {
			return snapshot.Payload{}, fmt.Errorf("parsing snapshot batch: %w", err)
		}
		return snapshot.FromRaw(batch.Snapshots), nil
	default:
		return snapshot.Payload{}, fmt.Errorf("unknown format %q (want auto, field or batch)", format)
	}
}
