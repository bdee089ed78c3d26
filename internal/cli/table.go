package cli

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// writeTable renders rows under header as a bordered text table.
func writeTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	cells := make([]any, len(header))
	for i, h := range header {
		cells[i] = h
	}
	table.Header(cells...)
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}
