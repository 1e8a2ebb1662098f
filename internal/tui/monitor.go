// Package tui renders the live monitor: connection state, registry counts
// and the outcome of recent planning passes, polled from the control API.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lotas/bubblegroups/internal/api"
)

const maxHistory = 8

const helpMarkdown = `# Keys

| Key | Action |
| --- | --- |
| r | run a full grouping pass now |
| g | toggle automatic grouping |
| ? | show or hide this help |
| q | quit |

# Pass columns

- **buckets**: window, app and version combinations with at least one tab
- **groups**: groups created by the pass
- **moved**: tabs moved into their branch group
- **titles**: group titles or colors rewritten

Tabs the user dragged out of their group are counted as *held* and left alone
until they navigate to another branch or are moved back.
`

// Source is the control API the monitor polls.
type Source interface {
	Stats(ctx context.Context) (api.StatsResponse, error)
	Regroup(ctx context.Context) (api.PassResponse, error)
	GroupingEnabled(ctx context.Context) (bool, error)
	SetGroupingEnabled(ctx context.Context, enabled bool) error
}

// --- Messages ---

type statsMsg struct {
	stats   api.StatsResponse
	enabled bool
	err     error
}

type tickMsg time.Time

type actionMsg struct {
	text string
	err  error
}

// --- Model ---

type Model struct {
	src      Source
	interval time.Duration

	stats   api.StatsResponse
	enabled bool
	history []api.PassResponse
	loaded  bool
	err     error
	status  string
	help    bool
	width   int
	height  int
}

func NewModel(src Source, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	return Model{src: src, interval: interval}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchStats(m.src), tick(m.interval))
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func fetchStats(src Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := src.Stats(ctx)
		if err != nil {
			return statsMsg{err: err}
		}
		enabled, err := src.GroupingEnabled(ctx)
		return statsMsg{stats: s, enabled: enabled, err: err}
	}
}

func regroup(src Source) tea.Cmd {
	return func() tea.Msg {
		p, err := src.Regroup(context.Background())
		if err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{text: fmt.Sprintf("regrouped: %d buckets, %d created, %d moved", p.Buckets, p.GroupsCreated, p.TabsMoved)}
	}
}

func setGrouping(src Source, enabled bool) tea.Cmd {
	return func() tea.Msg {
		if err := src.SetGroupingEnabled(context.Background(), enabled); err != nil {
			return actionMsg{err: err}
		}
		state := "off"
		if enabled {
			state = "on"
		}
		return actionMsg{text: "grouping " + state}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(fetchStats(m.src), tick(m.interval))

	case statsMsg:
		m.err = msg.err
		if msg.err != nil {
			return m, nil
		}
		m.loaded = true
		m.stats = msg.stats
		m.enabled = msg.enabled
		m.recordPass(msg.stats.LastPass)
		return m, nil

	case actionMsg:
		if msg.err != nil {
			m.status = "error: " + msg.err.Error()
		} else {
			m.status = msg.text
		}
		return m, fetchStats(m.src)

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.status = "regrouping..."
			return m, regroup(m.src)
		case "g":
			return m, setGrouping(m.src, !m.enabled)
		case "?":
			m.help = !m.help
			return m, nil
		}
	}
	return m, nil
}

// recordPass keeps the most recent distinct passes, newest first.
func (m *Model) recordPass(p api.PassResponse) {
	if p.At.IsZero() {
		return
	}
	if len(m.history) > 0 && m.history[0].At.Equal(p.At) && m.history[0].Reason == p.Reason {
		return
	}
	m.history = append([]api.PassResponse{p}, m.history...)
	if len(m.history) > maxHistory {
		m.history = m.history[:maxHistory]
	}
}

var (
	topBarStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	headStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

func (m Model) View() string {
	if !m.loaded {
		if m.err != nil {
			return fmt.Sprintf("\n  Cannot reach organizer: %v\n\n  Retrying... press 'q' to quit.\n", m.err)
		}
		return "\n  Connecting to organizer...\n"
	}

	conn := warnStyle.Render("\u25cb extension not connected")
	if m.stats.Connected {
		conn = okStyle.Render("\u25cf extension connected")
	}
	grouping := warnStyle.Render("grouping off")
	if m.enabled {
		grouping = okStyle.Render("grouping on")
	}
	counts := fmt.Sprintf("%d tabs · %d windows · %d apps · %d groups", m.stats.Tabs, m.stats.Windows, m.stats.Apps, m.stats.Groups)
	if m.stats.Holds > 0 {
		counts += fmt.Sprintf(" · %d held", m.stats.Holds)
	}
	top := topBarStyle.Render(conn + "  " + grouping + "  " + counts)

	var b strings.Builder
	b.WriteString(headStyle.Render("Recent passes") + "\n")
	if len(m.history) == 0 {
		b.WriteString(dimStyle.Render("no pass yet") + "\n")
	}
	for _, p := range m.history {
		b.WriteString(renderPass(p) + "\n")
	}
	body := boxStyle.Render(strings.TrimRight(b.String(), "\n"))
	if m.help {
		body = renderHelp(m.width)
	}

	footer := dimStyle.Render(" r regroup · g toggle grouping · ? help · q quit")
	if m.status != "" {
		footer = " " + m.status + "\n" + footer
	}
	if m.err != nil {
		footer = errStyle.Render(" "+m.err.Error()) + "\n" + footer
	}
	return lipgloss.JoinVertical(lipgloss.Left, top, body, footer)
}

// renderHelp renders the help text, falling back to the raw markdown when
// the renderer fails.
func renderHelp(width int) string {
	wrap := 80
	if width > 4 && width-4 < wrap {
		wrap = width - 4
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath("dark"),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		return helpMarkdown
	}
	out, err := r.Render(helpMarkdown)
	if err != nil {
		return helpMarkdown
	}
	return out
}

func renderPass(p api.PassResponse) string {
	when := p.At.Local().Format("15:04:05")
	if p.Skipped != "" {
		return dimStyle.Render(fmt.Sprintf("%s  %-14s skipped (%s)", when, p.Reason, p.Skipped))
	}
	line := fmt.Sprintf("%s  %-14s %d buckets  +%d groups  %d moved  %d titles  %dms",
		when, p.Reason, p.Buckets, p.GroupsCreated, p.TabsMoved, p.TitlesUpdated, p.DurationMs)
	if p.Errors > 0 {
		return line + errStyle.Render(fmt.Sprintf("  %d errors", p.Errors))
	}
	return line
}
