// Package ui renders terminal progress for long-running commands.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"permafrost/internal/stress"
)

type progressModel struct {
	title   string
	events  <-chan stress.Event
	spinner spinner.Model
	prog    progress.Model
	workers []workerRow
	rounds  int
	total   int
	width   int
	done    bool
}

type workerRow struct {
	frozen  int
	blocked int
	done    bool
}

func (r workerRow) attempts() int { return r.frozen + r.blocked }

type eventMsg stress.Event
type doneMsg struct{}

// NewStressModel returns a Bubble Tea model that renders one row per
// freezing goroutine and an overall progress bar. It quits once events is
// closed.
func NewStressModel(title string, workers, rounds int, events <-chan stress.Event) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	return &progressModel{
		title:   title,
		events:  events,
		spinner: sp,
		prog:    prog,
		workers: make([]workerRow, workers),
		rounds:  rounds,
		width:   80,
	}
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForEvent())
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		cmd := m.applyEvent(stress.Event(msg))
		return m, tea.Batch(cmd, m.listenForEvent())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		progressModel, cmd := m.prog.Update(msg)
		m.prog = progressModel.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	header := fmt.Sprintf("%s (%d/%d attempts)", m.title, m.total, len(m.workers)*m.rounds)
	if m.done {
		header = "done: " + header
	} else {
		header = m.spinner.View() + " " + header
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(truncate(header, m.width)))
	b.WriteString("\n\n")
	for i, row := range m.workers {
		status := "freezing"
		if row.done {
			status = "done"
		}
		fmt.Fprintf(&b, "  %s worker %-3d %5d/%-5d %s %s\n",
			styleStatus(status).Render(fmt.Sprintf("%8s", status)),
			i, row.attempts(), m.rounds,
			styleStatus("frozen").Render(fmt.Sprintf("%5d frozen", row.frozen)),
			styleStatus("blocked").Render(fmt.Sprintf("%5d blocked", row.blocked)))
	}
	b.WriteString("\n")
	if m.done {
		b.WriteString(m.prog.ViewAs(1.0))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")
	return b.String()
}

func (m *progressModel) listenForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *progressModel) applyEvent(ev stress.Event) tea.Cmd {
	if ev.Worker < 0 || ev.Worker >= len(m.workers) {
		return nil
	}
	row := &m.workers[ev.Worker]
	switch {
	case ev.Done:
		row.done = true
		return nil
	case ev.Frozen:
		row.frozen++
	default:
		row.blocked++
	}
	m.total++
	if want := len(m.workers) * m.rounds; want > 0 {
		return m.prog.SetPercent(float64(m.total) / float64(want))
	}
	return nil
}

func styleStatus(status string) lipgloss.Style {
	switch status {
	case "done", "frozen":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case "blocked":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case "freezing":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	}
}

func truncate(value string, width int) string {
	if width <= 0 {
		return value
	}
	if runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width-3, "...")
}
