// Package commands implements the meshctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// client is the control-plane HTTP client, initialized in PersistentPreRunE.
	client *apiClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the meshd control-plane address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for meshctl.
var rootCmd = &cobra.Command{
	Use:   "meshctl",
	Short: "CLI client for the meshd daemon",
	Long:  "meshctl talks to the meshd control-plane HTTP API to inspect and drive broadcast items and bulk transfers.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = newAPIClient("http://"+serverAddr, &http.Client{Timeout: 10 * time.Second})
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8765",
		"meshd control-plane address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(itemsCmd())
	rootCmd.AddCommand(transferCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
