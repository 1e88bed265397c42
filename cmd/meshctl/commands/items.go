package commands

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// Sentinel errors for CLI validation.
var errValueRequired = errors.New("--value flag is required")

func itemsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "items",
		Short: "Inspect and mutate broadcast state items",
	}

	cmd.AddCommand(itemsListCmd())
	cmd.AddCommand(itemsUpdateCmd())
	cmd.AddCommand(itemsPauseCmd())
	cmd.AddCommand(itemsResumeCmd())

	return cmd
}

// --- items list ---

func itemsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all broadcast state items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := client.listItems(cmd.Context())
			if err != nil {
				return fmt.Errorf("list items: %w", err)
			}

			out, err := formatItems(items, outputFormat)
			if err != nil {
				return fmt.Errorf("format items: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

// --- items update ---

func itemsUpdateCmd() *cobra.Command {
	var value string

	cmd := &cobra.Command{
		Use:   "update <data-id>",
		Short: "Set an item's value, bumping its version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if value == "" {
				return errValueRequired
			}

			dataID, err := parseDataIDArg(args[0])
			if err != nil {
				return err
			}

			encoded := base64.StdEncoding.EncodeToString([]byte(value))
			if err := client.updateItem(cmd.Context(), dataID, encoded); err != nil {
				return fmt.Errorf("update item: %w", err)
			}

			fmt.Printf("Item %d updated.\n", dataID)
			return nil
		},
	}

	cmd.Flags().StringVar(&value, "value", "", "new item value, as a UTF-8 string (required)")

	return cmd
}

// --- items pause / resume ---

func itemsPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <data-id>",
		Short: "Stop an item's Trickle timer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPauseResume(cmd.Context(), args[0], client.pauseItem, "paused")
		},
	}
}

func itemsResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <data-id>",
		Short: "Restart an item's Trickle timer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPauseResume(cmd.Context(), args[0], client.resumeItem, "resumed")
		},
	}
}

func runPauseResume(ctx context.Context, rawID string, action func(context.Context, uint32) error, verb string) error {
	dataID, err := parseDataIDArg(rawID)
	if err != nil {
		return err
	}
	if err := action(ctx, dataID); err != nil {
		return fmt.Errorf("%s item: %w", verb, err)
	}
	fmt.Printf("Item %d %s.\n", dataID, verb)
	return nil
}

func parseDataIDArg(raw string) (uint32, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse data-id %q: %w", raw, err)
	}
	return uint32(v), nil
}
