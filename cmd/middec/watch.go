package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/middec/middec/internal/domain/calculation"
	"github.com/middec/middec/internal/domain/feed"
)

var (
	subtle  = lipgloss.Color("#a6adc8")
	accent  = lipgloss.Color("#74c7ec")
	warning = lipgloss.Color("#fab387")

	titleStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(subtle)
	noticeStyle = lipgloss.NewStyle().Foreground(warning).Bold(true)
	rowStyle    = lipgloss.NewStyle().PaddingLeft(1)
)

func categoryStyle(color string) lipgloss.Style {
	if color == "" {
		return lipgloss.NewStyle().Bold(true)
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Bold(true)
}

type refresher interface {
	Refresh() error
}

// stateMsg carries a feed state into the program.
type stateMsg feed.State

func waitForState(ch <-chan feed.State) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return nil
		}
		return stateMsg(s)
	}
}

// watchModel renders one live feed. The controller pushes states into a
// feed.Latest; the model only ever reads the newest one.
type watchModel struct {
	title  string
	ctl    refresher
	states <-chan feed.State
	state  feed.State
	notice string
}

func newWatchModel(title string, ctl refresher, states <-chan feed.State, initial feed.State) watchModel {
	return watchModel{title: title, ctl: ctl, states: states, state: initial}
}

func (m watchModel) Init() tea.Cmd {
	return waitForState(m.states)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case stateMsg:
		m.state = feed.State(msg)
		return m, waitForState(m.states)

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.notice = ""
			if err := m.ctl.Refresh(); err != nil {
				m.notice = err.Error()
			}
		}
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	switch {
	case m.state.Status == feed.StatusLoading:
		b.WriteString(mutedStyle.Render("  loading…"))
	case m.state.Refreshing:
		b.WriteString(mutedStyle.Render("  refreshing…"))
	}
	b.WriteString("\n\n")

	if m.state.Status == feed.StatusFailed && m.state.Err != nil {
		b.WriteString(noticeStyle.Render("Live updates stopped: "+m.state.Err.Error()) + "\n\n")
	}

	switch {
	case m.state.Status == feed.StatusLoading:
	case len(m.state.Items) == 0:
		b.WriteString(mutedStyle.Render("No calculations yet.") + "\n")
	default:
		for _, rec := range m.state.Items {
			b.WriteString(rowStyle.Render(renderRecord(rec)) + "\n")
		}
	}

	if m.notice != "" {
		b.WriteString("\n" + noticeStyle.Render(m.notice) + "\n")
	}
	b.WriteString("\n" + mutedStyle.Render("r refresh • q quit"))
	return b.String()
}

func renderRecord(rec *calculation.Record) string {
	name := rec.PatientName
	if name == "" {
		name = "(unnamed)"
	}
	badge := categoryStyle(rec.Result.ColorHint).Render(fmt.Sprintf("%-6s", rec.Result.Category))
	return fmt.Sprintf("%s  %3d  %-24s %s", badge, rec.Result.Score, truncate(name, 24), formatTime(rec.CreatedAt))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("02 Jan 15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
