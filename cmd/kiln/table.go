package main

import (
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"kiln/internal/api"
)

// renderJobTable renders the queue listing. Only the ID column is
// right-aligned; the rest reads left to right the way the daemon reports it.
func renderJobTable(jobs []api.JobView) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Status", "Preset", "Format", "Model", "Created"})

	for _, job := range jobs {
		tw.AppendRow(table.Row{
			strconv.FormatInt(job.ID, 10),
			statusLabel(job.Status),
			job.PresetID,
			job.TargetFormat,
			shortPath(job.ModelPath),
			job.CreatedAt.Local().Format("Jan 02 15:04"),
		})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}
