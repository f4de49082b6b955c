// Package tui is the operator dashboard: a live table of recent harvest
// runs read from the run history.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/johndauphine/obs-harvest/internal/checkpoint"
)

// Model is the dashboard model
type Model struct {
	state       checkpoint.StateBackend
	limit       int
	refresh     time.Duration
	table       table.Model
	runs        []checkpoint.Run
	err         error
	width       int
	height      int
	ready       bool
	lastRefresh time.Time
}

// TickMsg triggers a periodic reload of the run history
type TickMsg time.Time

// runsMsg carries a reload result
type runsMsg struct {
	runs []checkpoint.Run
	err  error
	at   time.Time
}

var columns = []table.Column{
	{Title: "Run", Width: 10},
	{Title: "Provider", Width: 14},
	{Title: "Mode", Width: 12},
	{Title: "Status", Width: 10},
	{Title: "Started", Width: 19},
	{Title: "Records", Width: 10},
	{Title: "Failed", Width: 7},
	{Title: "Duration", Width: 10},
}

// New creates a dashboard over state showing up to limit runs.
func New(state checkpoint.StateBackend, limit int) Model {
	if limit <= 0 {
		limit = 50
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorGray).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(colorWhite).
		Background(colorPurple).
		Bold(false)
	t.SetStyles(s)

	return Model{state: state, limit: limit, refresh: 5 * time.Second, table: t}
}

// Init loads the history and starts the refresh ticker
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.load(), m.tickCmd())
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) load() tea.Cmd {
	state, limit := m.state, m.limit
	return func() tea.Msg {
		runs, err := state.GetAllRuns(limit)
		return runsMsg{runs: runs, err: err, at: time.Now()}
	}
}

// Update handles input, resizes and reloads
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.load()
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.ready = true
		// Title, detail pane, help and status bar take about 12 lines.
		h := msg.Height - 14
		if h < 3 {
			h = 3
		}
		m.table.SetHeight(h)
		m.table.SetWidth(msg.Width - 4)
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.load(), m.tickCmd())

	case runsMsg:
		m.err = msg.err
		if msg.err == nil {
			m.runs = msg.runs
			m.lastRefresh = msg.at
			m.table.SetRows(rows(msg.runs))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func displayStatus(r checkpoint.Run) string {
	if r.Rejected {
		return "rejected"
	}
	return r.Status
}

func rows(runs []checkpoint.Run) []table.Row {
	out := make([]table.Row, 0, len(runs))
	for _, r := range runs {
		out = append(out, table.Row{
			r.ID,
			r.Provider,
			r.Mode,
			displayStatus(r),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			humanize.Comma(r.Count),
			humanize.Comma(r.Failed),
			r.Duration().Round(time.Second).String(),
		})
	}
	return out
}

// selected returns the run under the cursor.
func (m Model) selected() (checkpoint.Run, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.runs) {
		return checkpoint.Run{}, false
	}
	return m.runs[i], true
}

// View renders the dashboard
func (m Model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}

	var b strings.Builder
	b.WriteString(styleTitle.Render("obs-harvest runs"))
	b.WriteString("\n")
	b.WriteString(styleViewport.Render(m.table.View()))
	b.WriteString("\n")
	b.WriteString(m.detailView())
	b.WriteString("\n")
	b.WriteString(styleHelp.Render(" ↑/↓ select • r refresh • q quit"))
	b.WriteString("\n")
	b.WriteString(m.statusBarView())
	return b.String()
}

func (m Model) detailView() string {
	if m.err != nil {
		return styleError.Render("Error loading history: " + m.err.Error())
	}
	r, ok := m.selected()
	if !ok {
		return styleLabel.Render(" No harvest history")
	}

	line := func(label, value string) string {
		return styleLabel.Render(fmt.Sprintf(" %-10s ", label)) + value
	}
	lines := []string{
		line("Run", r.ID+"  "+statusStyle(displayStatus(r)).Render(displayStatus(r))),
		line("Watermark", r.Watermark),
	}
	if r.PrimaryCount > 0 || r.StagingCount > 0 {
		lines = append(lines, line("Cutover", fmt.Sprintf("staging %s vs primary %s",
			humanize.Comma(r.StagingCount), humanize.Comma(r.PrimaryCount))))
	}
	if r.FailedBatches > 0 {
		lines = append(lines, line("Failed", fmt.Sprintf("%s records in %d batches",
			humanize.Comma(r.Failed), r.FailedBatches)))
	}
	if r.Error != "" {
		lines = append(lines, line("Error", styleError.Render(r.Error)))
	}
	return strings.Join(lines, "\n")
}

func (m Model) statusBarView() string {
	w := lipgloss.Width

	app := styleStatusApp.Render("obs-harvest")

	active := 0
	failed := 0
	for _, r := range m.runs {
		if r.Active() {
			active++
		}
		if r.Status == "failed" {
			failed++
		}
	}
	running := styleStatusActive.Render(fmt.Sprintf("%d running", active))

	health := styleStatusOK.Render("No failures")
	if failed > 0 {
		health = styleStatusBad.Render(fmt.Sprintf("%d failed", failed))
	}

	refreshed := ""
	if !m.lastRefresh.IsZero() {
		refreshed = styleStatusText.Render("updated " + m.lastRefresh.Format("15:04:05"))
	}

	usedWidth := w(app) + w(running) + w(refreshed) + w(health)
	spacerWidth := m.width - usedWidth
	if spacerWidth < 0 {
		spacerWidth = 0
	}
	spacer := styleStatusBar.Width(spacerWidth).Render("")

	return lipgloss.JoinHorizontal(lipgloss.Top,
		app,
		running,
		refreshed,
		spacer,
		health,
	)
}

// Start launches the dashboard
func Start(state checkpoint.StateBackend, limit int) error {
	p := tea.NewProgram(New(state, limit), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return err
	}
	return nil
}
