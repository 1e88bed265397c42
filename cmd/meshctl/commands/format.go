package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatItems renders a slice of items in the requested format.
func formatItems(items []item, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatItemsJSON(items)
	case formatTable:
		return formatItemsTable(items), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatItemsTable(items []item) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATA-ID\tVERSION\tPAUSED\tVALUE")

	for _, it := range items {
		fmt.Fprintf(w, "%d\t%d\t%t\t%s\n", it.DataID, it.Version, it.Paused, it.Value)
	}

	_ = w.Flush()

	return buf.String()
}

func formatItemsJSON(items []item) (string, error) {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal items to JSON: %w", err)
	}
	return string(data), nil
}
