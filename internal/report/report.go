// Package report renders run outcomes, run status and pipeline validation
// results for the terminal.
package report

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/vk/stagegrid/internal/app"
	"github.com/vk/stagegrid/internal/executor"
	"github.com/vk/stagegrid/internal/ledger"
	"github.com/vk/stagegrid/internal/runstate"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func paint(status string) string {
	switch strings.ToLower(status) {
	case string(ledger.StatusSucceeded), string(runstate.StateCompleted):
		return color.GreenString(status)
	case string(ledger.StatusFailed), string(ledger.StatusAborted):
		return color.RedString(status)
	case string(ledger.StatusSkipped), string(runstate.StateCancelled):
		return color.YellowString(status)
	case string(ledger.StatusRunning):
		return color.CyanString(status)
	}
	return status
}

// Summary writes the final state of a run and how many stages ended in each
// status.
func Summary(w io.Writer, o *app.Outcome) {
	res := o.Result
	counts := make(map[ledger.Status]int)
	for _, s := range res.Stages {
		counts[s]++
	}
	parts := make([]string, 0, len(counts))
	for _, s := range slices.Sorted(maps.Keys(counts)) {
		parts = append(parts, fmt.Sprintf("%d %s", counts[s], paint(string(s))))
	}

	var headline string
	switch res.State {
	case executor.RunCompleted:
		headline = color.GreenString("✅ Run %s completed", res.RunID)
	case executor.RunCancelled:
		headline = color.YellowString("⏹  Run %s cancelled", res.RunID)
	default:
		headline = color.RedString("❌ Run %s %s", res.RunID, strings.ToLower(string(res.State)))
	}
	fmt.Fprintln(w, headline)
	fmt.Fprintf(w, "   stages: %s\n", strings.Join(parts, ", "))
	fmt.Fprintf(w, "   dir:    %s\n", o.Run.Dir)
}

// Status writes one row per stage of a run.
func Status(w io.Writer, r *app.StatusReport) {
	fmt.Fprintf(w, "Run %s: %s (updated %s)\n", r.Manifest.RunID, paint(string(r.Manifest.State)), r.Manifest.UpdatedAt.Format(time.RFC3339))

	t := newTable(w)
	t.AppendHeader(table.Row{"Stage", "Status", "Attempts", "Exit code", "Duration", "Log"})
	for _, s := range r.Stages {
		status := paint(string(s.Status))
		if s.Reused {
			status += " (reused)"
		}
		exit := "-"
		if s.ExitCode >= 0 {
			exit = fmt.Sprint(s.ExitCode)
		}
		duration := "-"
		if s.Duration > 0 {
			duration = s.Duration.Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{s.StageID, status, s.Attempts, exit, duration, s.LogPath})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	t.Render()
}

// Runs writes the known runs, newest first.
func Runs(w io.Writer, runs []*runstate.Manifest) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Run", "State", "Created", "Updated", "Pipeline"})
	for _, m := range runs {
		t.AppendRow(table.Row{
			m.RunID,
			paint(string(m.State)),
			m.CreatedAt.Local().Format(time.DateTime),
			m.UpdatedAt.Local().Format(time.DateTime),
			strings.Join(m.PipelinePaths, ", "),
		})
	}
	t.Render()
}

// Validation writes the batches a pipeline would run in.
func Validation(w io.Writer, v *app.Validation) {
	stages := 0
	for _, b := range v.Batches {
		stages += len(b)
	}
	fmt.Fprintln(w, color.GreenString("✅ Pipeline is valid: %d stages in %d batches", stages, len(v.Batches)))

	t := newTable(w)
	t.AppendHeader(table.Row{"Batch", "Stages"})
	for i, b := range v.Batches {
		t.AppendRow(table.Row{i + 1, strings.Join(b, ", ")})
	}
	t.Render()

	if len(v.Externals) > 0 {
		ext := newTable(w)
		ext.AppendHeader(table.Row{"External artifact", "Path"})
		for _, key := range slices.Sorted(maps.Keys(v.Externals)) {
			ext.AppendRow(table.Row{key, v.Externals[key]})
		}
		ext.Render()
	}
	fmt.Fprintf(w, "max concurrency %d, retry limit %d, stage timeout %s, cancel grace %s\n",
		v.Settings.MaxConcurrency, v.Settings.RetryLimit, v.Settings.StageTimeout, v.Settings.CancelGrace)
}
