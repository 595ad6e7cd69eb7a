package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"sandboxforge/internal/core"
	"sandboxforge/internal/dag"
	"sandboxforge/internal/trace"
)

type palette struct {
	header lipgloss.Style
	ok     lipgloss.Style
	fail   lipgloss.Style
	muted  lipgloss.Style
	col    func(width int) lipgloss.Style
}

// newPalette binds styles to w, so plain writers get uncolored text.
func newPalette(w io.Writer) palette {
	r := lipgloss.NewRenderer(w)
	return palette{
		header: r.NewStyle().Bold(true),
		ok:     r.NewStyle().Foreground(lipgloss.Color("2")),
		fail:   r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		muted:  r.NewStyle().Foreground(lipgloss.Color("8")),
		col:    func(width int) lipgloss.Style { return r.NewStyle().Width(width) },
	}
}

const stageColumn = 26

func (p palette) state(s dag.TaskState) string {
	text := p.col(11).Render(string(s))
	switch s {
	case dag.TaskCompleted, dag.TaskCached:
		return p.ok.Render(text)
	case dag.TaskFailed:
		return p.fail.Render(text)
	}
	return p.muted.Render(text)
}

func renderSummary(w io.Writer, res CLIResult) {
	p := newPalette(w)
	gr := res.GraphResult
	var b strings.Builder

	b.WriteString(p.header.Render(p.col(stageColumn).Render("STAGE") + p.col(11).Render("STATE") + "KEY"))
	b.WriteByte('\n')
	for _, name := range orderedStages(gr) {
		key := ""
		if r := gr.Results[name]; r != nil {
			key = r.Key.Short()
		}
		b.WriteString(p.col(stageColumn).Render(name) + p.state(gr.FinalState[name]) + p.muted.Render(key))
		b.WriteByte('\n')
	}

	counts := res.Trace.Counts()
	line := fmt.Sprintf("%d stages: %d built, %d cached, %d failed, %d skipped",
		len(gr.FinalState),
		counts[trace.EventStageExecuted],
		counts[trace.EventStageCached],
		counts[trace.EventStageFailed],
		counts[trace.EventStageSkipped])
	if res.RunID != "" {
		line += " (run " + res.RunID + ")"
	}
	if gr.Succeeded() {
		b.WriteString(p.ok.Render(line))
	} else {
		b.WriteString(p.fail.Render(line))
	}
	b.WriteByte('\n')
	fmt.Fprint(w, b.String())
}

// orderedStages lists stages in the order they were started, followed by the
// ones never started, by name.
func orderedStages(gr *dag.GraphResult) []string {
	seen := make(map[string]bool, len(gr.FinalState))
	out := make([]string, 0, len(gr.FinalState))
	for _, n := range gr.ExecutionOrder {
		seen[n] = true
		out = append(out, n)
	}
	var rest []string
	for n := range gr.FinalState {
		if !seen[n] {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func renderPlan(w io.Writer, plan []StageStatus) {
	p := newPalette(w)
	var b strings.Builder
	b.WriteString(p.header.Render(p.col(stageColumn).Render("STAGE") + p.col(8).Render("CACHE") + p.col(14).Render("KEY") + "REQUIRES"))
	b.WriteByte('\n')
	for _, s := range plan {
		status := p.col(8).Render(s.Status.String())
		if s.Status == core.Hit {
			status = p.ok.Render(status)
		} else {
			status = p.muted.Render(status)
		}
		b.WriteString(p.col(stageColumn).Render(s.Stage) + status + p.col(14).Render(s.Key.Short()) + strings.Join(s.Requires, ", "))
		b.WriteByte('\n')
	}
	fmt.Fprint(w, b.String())
}
