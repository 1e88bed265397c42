package commands

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var errPeerRequired = errors.New("--peer flag is required")

func transferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Drive Bulk Data Collection transfers",
	}

	cmd.AddCommand(transferStartCmd())

	return cmd
}

func transferStartCmd() *cobra.Command {
	var (
		peer      string
		packetID  uint16
		periodMS  uint16
		file      string
		inlineVal string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Push a payload to a peer over Bulk Data Collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if peer == "" {
				return errPeerRequired
			}

			payload, err := readTransferPayload(file, inlineVal)
			if err != nil {
				return err
			}

			req := startTransferBody{
				Peer:     peer,
				PacketID: packetID,
				Payload:  base64.StdEncoding.EncodeToString(payload),
				PeriodMS: periodMS,
			}
			if err := client.startTransfer(cmd.Context(), req); err != nil {
				return fmt.Errorf("start transfer: %w", err)
			}

			fmt.Printf("Transfer %d started to %s.\n", packetID, peer)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&peer, "peer", "", "peer address, host:port (required)")
	flags.Uint16Var(&packetID, "packet-id", 0, "packet identifier")
	flags.Uint16Var(&periodMS, "period-ms", 0, "sub-packet transmission period in milliseconds (0 uses the daemon default)")
	flags.StringVar(&file, "file", "", "path to the payload file")
	flags.StringVar(&inlineVal, "data", "", "inline payload, as a UTF-8 string")

	return cmd
}

func readTransferPayload(file, inline string) ([]byte, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload file %q: %w", file, err)
		}
		return data, nil
	}
	return []byte(inline), nil
}
