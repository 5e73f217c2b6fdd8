package tui

import (
	"strings"
	"unicode/utf8"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type promptKind int

const (
	promptNone promptKind = iota
	promptAdd
	promptEdit
	promptClose
	promptDelete
)

// prompt is the single-line input box used for add, edit, close (hours)
// and delete confirmation.
type prompt struct {
	kind   promptKind
	taskID int64
	title  string
	value  string
}

type promptSubmittedMsg struct {
	kind   promptKind
	taskID int64
	value  string
}

type promptCancelledMsg struct{}

func (p *prompt) open(kind promptKind, taskID int64, title, initial string) {
	p.kind = kind
	p.taskID = taskID
	p.title = title
	p.value = initial
}

func (p *prompt) close() { *p = prompt{} }

func (p prompt) isOpen() bool { return p.kind != promptNone }

func (p *prompt) update(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyEsc, tea.KeyCtrlC:
		p.close()
		return func() tea.Msg { return promptCancelledMsg{} }
	case tea.KeyEnter:
		sub := promptSubmittedMsg{kind: p.kind, taskID: p.taskID, value: strings.TrimSpace(p.value)}
		p.close()
		return func() tea.Msg { return sub }
	case tea.KeyBackspace:
		if p.value != "" {
			_, size := utf8.DecodeLastRuneInString(p.value)
			p.value = p.value[:len(p.value)-size]
		}
		return nil
	case tea.KeySpace:
		p.value += " "
		return nil
	case tea.KeyRunes:
		p.value += string(msg.Runes)
	}
	return nil
}

func (p prompt) view() string {
	if !p.isOpen() {
		return ""
	}
	border := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).Padding(0, 1).Width(60)
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	var b strings.Builder
	b.WriteString(title.Render(p.title) + "\n")
	b.WriteString("> " + p.value + "█\n")
	b.WriteString(dim.Render("Enter: подтвердить · Esc: отмена"))
	return border.Render(b.String())
}
