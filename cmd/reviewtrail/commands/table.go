package commands

import (
	"fmt"
	"os"

	"reviewtrail/internal/harvest"

	"github.com/jedib0t/go-pretty/v6/table"
)

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}

func renderSummaries(summaries []harvest.RunSummary) {
	t := newTable()
	t.AppendHeader(table.Row{"Platform", "Items", "Done", "Failed", "Cancelled", "Documents", "Cache hits", "Reduced", "Export", "Error"})
	for _, s := range summaries {
		docs := s.Summary.Documents
		t.AppendRow(table.Row{
			s.Platform,
			s.Summary.Items,
			s.Summary.Done,
			s.Summary.Failed,
			s.Summary.Cancelled,
			fmt.Sprintf("%d new, %d unchanged, %d failed", docs.Downloaded, docs.Unchanged, docs.Failed),
			fmt.Sprintf("%.0f%%", s.Summary.Cache.HitRatio*100),
			len(s.Summary.ReducedConfidence),
			s.Export,
			s.Error,
		})
	}
	t.Render()
}
