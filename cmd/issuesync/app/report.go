package app

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	pkgsync "github.com/stacklok/issuesync/internal/sync"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// writeReport prints run in the requested format
func writeReport(out io.Writer, run *pkgsync.Run, format string) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	case formatTable:
		return writeReportTable(out, run)
	default:
		return fmt.Errorf("unsupported output format %q (expected %s or %s)", format, formatJSON, formatTable)
	}
}

func writeReportTable(out io.Writer, run *pkgsync.Run) error {
	rows := [][]string{
		{"Run", run.ID},
		{"State", string(run.State)},
		{"Outcome", string(run.Outcome)},
	}
	if run.Window != nil {
		rows = append(rows, []string{"Window", run.Window.String()})
	}
	rows = append(rows,
		[]string{"Pages", strconv.Itoa(run.Pages)},
		[]string{"Fetched", strconv.Itoa(run.Fetched)},
		[]string{"Skipped", strconv.Itoa(run.Skipped)},
		[]string{"Staged", strconv.FormatInt(run.Staged, 10)},
		[]string{"Merged", strconv.FormatInt(run.Merged, 10)},
		[]string{"Duration", run.Duration().String()},
	)
	if run.Err != nil {
		rows = append(rows,
			[]string{"Error", string(run.Err.Kind)},
			[]string{"Message", run.Err.Message},
		)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to write run report: %w", err)
		}
	}
	return table.Render()
}
