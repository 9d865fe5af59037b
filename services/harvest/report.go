package harvest

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

func (r *Report) successRate() string {
	if r.Attempted == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.0f%%", float64(r.Succeeded)/float64(r.Attempted)*100)
}

// Render formats the terminal report as text tables for the CLI.
func (r *Report) Render() string {
	var out strings.Builder

	summary := table.NewWriter()
	summary.SetStyle(table.StyleLight)
	summary.AppendHeader(table.Row{"metric", "value"})
	summary.AppendRows([]table.Row{
		{"run", r.RunID},
		{"state", r.State},
		{"outcome", r.Outcome},
		{"pages discovered", r.Counters.PagesDiscovered},
		{"images fetched", r.Counters.ImagesFetched},
		{"duplicates skipped", r.Counters.DuplicatesSkipped},
		{"records extracted", r.Counters.RecordsExtracted},
		{"extractions attempted", r.Attempted},
		{"extractions succeeded", r.Succeeded},
		{"extractions failed", r.Failed},
		{"items failed", r.Counters.ItemsFailed},
		{"success rate", r.successRate()},
		{"elapsed", r.Elapsed.Round(time.Millisecond)},
	})
	out.WriteString(summary.Render())
	out.WriteString("\n")

	if len(r.Datasets) > 0 {
		datasets := table.NewWriter()
		datasets.SetStyle(table.StyleLight)
		datasets.AppendHeader(table.Row{"dataset", "records"})
		for _, ds := range r.Datasets {
			datasets.AppendRow(table.Row{ds.Type, len(ds.Records)})
		}
		out.WriteString(datasets.Render())
		out.WriteString("\n")
	}

	if len(r.Errors) > 0 {
		failures := table.NewWriter()
		failures.SetStyle(table.StyleLight)
		failures.AppendHeader(table.Row{"failed item", "reason"})
		for _, e := range r.Errors {
			failures.AppendRow(table.Row{e.Item, e.Reason})
		}
		out.WriteString(failures.Render())
		out.WriteString("\n")
	}

	return out.String()
}
