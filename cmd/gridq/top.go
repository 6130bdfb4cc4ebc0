package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	taskdomain "gridq/internal/domain/task"
	"gridq/internal/shared/logging"
)

func newTopCmd() *cobra.Command {
	var refreshSeconds int

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live queue dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isTTY() {
				return fail("top needs an interactive terminal")
			}
			cfg, err := loadEnv()
			if err != nil {
				return fail("%v", err)
			}
			logger := logging.NewComponentLogger("top")
			taskStore, closeStore, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return fail("%v", err)
			}
			defer closeStore()

			model := newTopModel(taskStore, time.Duration(refreshSeconds)*time.Second)
			if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
				return fail("%v", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&refreshSeconds, "refresh-seconds", 2, "dashboard refresh interval")
	return cmd
}

var (
	topHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#06B6D4"))
	topMutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	topErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))

	topStatusStyles = map[taskdomain.Status]lipgloss.Style{
		taskdomain.StatusQueued:   lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		taskdomain.StatusLeased:   lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4")),
		taskdomain.StatusRunning:  lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4")),
		taskdomain.StatusDone:     lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")),
		taskdomain.StatusFailed:   lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")),
		taskdomain.StatusCanceled: lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")),
	}
)

type topRefreshMsg struct {
	counts map[taskdomain.Status]int
	recent []*taskdomain.Task
	err    error
}

type topTickMsg struct{}

type topModel struct {
	store   taskdomain.Store
	refresh time.Duration

	spin    spinner.Model
	counts  map[taskdomain.Status]int
	recent  []*taskdomain.Task
	lastErr error
	updated time.Time
	ready   bool
}

func newTopModel(store taskdomain.Store, refresh time.Duration) topModel {
	if refresh <= 0 {
		refresh = 2 * time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return topModel{store: store, refresh: refresh, spin: sp}
}

func (m topModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.fetch())
}

func (m topModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		counts, err := m.store.CountByStatus(ctx)
		if err != nil {
			return topRefreshMsg{err: err}
		}
		recent, err := m.store.List(ctx, taskdomain.Filter{Limit: 15})
		if err != nil {
			return topRefreshMsg{err: err}
		}
		return topRefreshMsg{counts: counts, recent: recent}
	}
}

func (m topModel) scheduleTick() tea.Cmd {
	return tea.Tick(m.refresh, func(time.Time) tea.Msg { return topTickMsg{} })
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil

	case topTickMsg:
		return m, m.fetch()

	case topRefreshMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.counts = msg.counts
			m.recent = msg.recent
			m.updated = time.Now()
			m.ready = true
		}
		return m, m.scheduleTick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m topModel) View() string {
	var b strings.Builder

	b.WriteString(topHeaderStyle.Render("gridq top"))
	if m.ready {
		b.WriteString(topMutedStyle.Render(fmt.Sprintf("  updated %s ago", time.Since(m.updated).Round(time.Second))))
	} else {
		b.WriteString("  " + m.spin.View() + topMutedStyle.Render("connecting"))
	}
	b.WriteString("\n\n")

	if m.lastErr != nil {
		b.WriteString(topErrorStyle.Render("error: "+m.lastErr.Error()) + "\n\n")
	}

	for _, status := range taskdomain.AllStatuses() {
		style := topStatusStyles[status]
		b.WriteString(fmt.Sprintf("%s %-4d  ", style.Render(fmt.Sprintf("%-9s", status)), m.counts[status]))
	}
	b.WriteString("\n\n")

	b.WriteString(topHeaderStyle.Render(fmt.Sprintf("%-36s  %-24s  %-8s  %s", "ID", "TYPE", "STATUS", "AGE")) + "\n")
	for _, t := range m.recent {
		style := topStatusStyles[t.Status]
		b.WriteString(fmt.Sprintf("%-36s  %-24s  %s  %s\n",
			t.ID, t.TaskType,
			style.Render(fmt.Sprintf("%-8s", t.Status)),
			topMutedStyle.Render(time.Since(t.CreatedAt).Round(time.Second).String())))
	}

	b.WriteString("\n" + topMutedStyle.Render("q to quit"))
	return b.String()
}
