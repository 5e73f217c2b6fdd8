package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/tasktracker/internal/lifecycle"
	"github.com/basket/tasktracker/internal/persistence"
	"github.com/basket/tasktracker/internal/report"
	"github.com/basket/tasktracker/internal/shared"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"
)

// Tasks is the lifecycle surface the browser drives.
type Tasks interface {
	List(ctx context.Context, filter persistence.Filter) ([]persistence.Task, error)
	Add(ctx context.Context, description string) (lifecycle.Result, error)
	Close(ctx context.Context, id int64, timeSpent string) (lifecycle.Result, error)
	Edit(ctx context.Context, id int64, description string) (lifecycle.Result, error)
	Delete(ctx context.Context, id int64) (lifecycle.Result, error)
}

var filterCycle = []persistence.Filter{persistence.FilterOpen, persistence.FilterAll, persistence.FilterClosed}

const refreshInterval = 30 * time.Second

var (
	previewStyle  = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	closedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type model struct {
	ctx   context.Context
	tasks Tasks
	now   func() time.Time

	filterIdx int
	items     []persistence.Task
	cursor    int
	prompt    prompt
	status    string
	err       string
	loading   bool
	width     int

	// preview holds the rendered daily report while it is shown.
	preview string
}

type previewMsg struct {
	text string
	err  error
}

type tasksLoadedMsg struct {
	filter persistence.Filter
	tasks  []persistence.Task
	err    error
}

type mutatedMsg struct {
	message string
	err     error
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func newModel(ctx context.Context, tasks Tasks) model {
	return model{
		ctx:     shared.NewRequestContext(ctx, shared.OriginTUI),
		tasks:   tasks,
		now:     time.Now,
		loading: true,
	}
}

func (m model) filter() persistence.Filter { return filterCycle[m.filterIdx] }

func (m model) selected() (persistence.Task, bool) {
	if m.cursor < 0 || m.cursor >= len(m.items) {
		return persistence.Task{}, false
	}
	return m.items[m.cursor], true
}

func (m model) loadCmd() tea.Cmd {
	filter := m.filter()
	return func() tea.Msg {
		tasks, err := m.tasks.List(m.ctx, filter)
		return tasksLoadedMsg{filter: filter, tasks: tasks, err: err}
	}
}

func (m model) mutateCmd(sub promptSubmittedMsg) tea.Cmd {
	return func() tea.Msg {
		var (
			res lifecycle.Result
			err error
		)
		switch sub.kind {
		case promptAdd:
			res, err = m.tasks.Add(m.ctx, sub.value)
		case promptEdit:
			res, err = m.tasks.Edit(m.ctx, sub.taskID, sub.value)
		case promptClose:
			res, err = m.tasks.Close(m.ctx, sub.taskID, sub.value)
		case promptDelete:
			if !strings.EqualFold(sub.value, "y") && !strings.EqualFold(sub.value, "д") {
				return mutatedMsg{message: "Удаление отменено."}
			}
			res, err = m.tasks.Delete(m.ctx, sub.taskID)
		}
		return mutatedMsg{message: res.Message, err: err}
	}
}

// previewCmd renders the daily report exactly as the scheduler would send it.
func (m model) previewCmd() tea.Cmd {
	return func() tea.Msg {
		tasks, err := m.tasks.List(m.ctx, persistence.FilterOpen)
		if err != nil {
			return previewMsg{err: err}
		}
		return previewMsg{text: report.Render(tasks, m.now())}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.loadCmd(), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		if m.prompt.isOpen() {
			return m, m.prompt.update(msg)
		}
		if m.preview != "" {
			// Any key closes the preview; q still quits.
			m.preview = ""
			if msg.String() == "q" || msg.String() == "ctrl+c" {
				return m, tea.Quit
			}
			return m, nil
		}
		return m.handleKey(msg)
	case previewMsg:
		if msg.err != nil {
			m.err = humanError(msg.err)
			return m, nil
		}
		m.preview = msg.text
		return m, nil
	case promptSubmittedMsg:
		m.status, m.err = "", ""
		return m, m.mutateCmd(msg)
	case promptCancelledMsg:
		return m, nil
	case mutatedMsg:
		if msg.err != nil {
			m.err = humanError(msg.err)
			m.status = ""
		} else {
			m.status = firstLine(msg.message)
			m.err = ""
		}
		m.loading = true
		return m, m.loadCmd()
	case tasksLoadedMsg:
		if msg.filter != m.filter() {
			// A stale response from before the filter changed.
			return m, nil
		}
		m.loading = false
		if msg.err != nil {
			m.err = humanError(msg.err)
			return m, nil
		}
		m.items = msg.tasks
		if m.cursor >= len(m.items) {
			m.cursor = len(m.items) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}
	case tickMsg:
		return m, tea.Batch(m.loadCmd(), tickCmd())
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.items)-1 {
			m.cursor++
		}
	case "f", "tab":
		m.filterIdx = (m.filterIdx + 1) % len(filterCycle)
		m.cursor = 0
		m.items = nil
		m.loading = true
		return m, m.loadCmd()
	case "r":
		m.loading = true
		return m, m.loadCmd()
	case "p":
		return m, m.previewCmd()
	case "a":
		m.prompt.open(promptAdd, 0, "Новая задача: описание", "")
	case "e":
		if t, ok := m.selected(); ok {
			m.prompt.open(promptEdit, t.ID, fmt.Sprintf("Новое описание для задачи %d", t.ID), t.Description)
		}
	case "c":
		if t, ok := m.selected(); ok {
			if t.IsClosed {
				m.err = humanError(persistence.ErrAlreadyClosed)
				return m, nil
			}
			m.prompt.open(promptClose, t.ID, fmt.Sprintf("Сколько часов потрачено на задачу %d?", t.ID), "")
		}
	case "d":
		if t, ok := m.selected(); ok {
			m.prompt.open(promptDelete, t.ID, fmt.Sprintf("Удалить задачу %d? (y/n)", t.ID), "")
		}
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("📋 Задачи (%s)", filterLabel(m.filter()))) + "\n\n")

	if m.preview != "" {
		text := m.preview
		if m.width > 4 {
			text = wordwrap.String(text, m.width-4)
		}
		b.WriteString(previewStyle.Render(text) + "\n")
		b.WriteString(helpStyle.Render("любая клавиша: назад к списку"))
		return b.String()
	}

	switch {
	case m.loading && len(m.items) == 0:
		b.WriteString("  Загрузка...\n")
	case len(m.items) == 0:
		b.WriteString("  Нет задач.\n")
	default:
		now := m.now()
		for i, t := range m.items {
			line := renderRow(t, now)
			if m.width > 2 {
				line = truncate.StringWithTail(line, uint(m.width-2), "…")
			}
			switch {
			case i == m.cursor:
				line = selectedStyle.Render("> " + line)
			case t.IsClosed:
				line = closedStyle.Render("  " + line)
			default:
				line = "  " + line
			}
			b.WriteString(line + "\n")
		}
	}

	b.WriteString("\n")
	if m.prompt.isOpen() {
		b.WriteString(m.prompt.view() + "\n")
	}
	if m.err != "" {
		b.WriteString(errorStyle.Render(m.err) + "\n")
	} else if m.status != "" {
		b.WriteString(statusStyle.Render(m.status) + "\n")
	}
	b.WriteString(helpStyle.Render("↑/↓ выбор · f фильтр · a добавить · c закрыть · e изменить · d удалить · p отчёт · r обновить · q выход"))
	return b.String()
}

func renderRow(t persistence.Task, now time.Time) string {
	if t.IsClosed {
		hours := 0.0
		if t.TimeSpent != nil {
			hours = *t.TimeSpent
		}
		return fmt.Sprintf("#%-4d ✅ %s (%s ч.)", t.ID, t.Description, lifecycle.FormatHours(hours))
	}
	return fmt.Sprintf("#%-4d ⏳ %s · висит %s", t.ID, t.Description, report.FormatAge(now.Sub(t.CreatedAt)))
}

func filterLabel(f persistence.Filter) string {
	switch f {
	case persistence.FilterOpen:
		return "открытые"
	case persistence.FilterClosed:
		return "закрытые"
	default:
		return "все"
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Run opens the browser on the terminal and blocks until the user quits or
// ctx is cancelled.
func Run(ctx context.Context, tasks Tasks) error {
	defer resetTerminal()

	p := tea.NewProgram(newModel(ctx, tasks), tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
