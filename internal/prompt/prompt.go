// Package prompt collects the username, password and plate id from the
// terminal. The password is never echoed.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrCancelled is returned when the user aborts the form.
var ErrCancelled = errors.New("prompt: cancelled")

// Answers holds the collected values.
type Answers struct {
	Username string
	Password string
	PlateID  int64
}

const (
	fieldUser = iota
	fieldPassword
	fieldPlate
	fieldCount
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle = lipgloss.NewStyle().Width(10)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	hintStyle  = lipgloss.NewStyle().Faint(true)
)

// Model is the bubbletea form model.
type Model struct {
	host      string
	inputs    []textinput.Model
	focus     int
	err       string
	done      bool
	cancelled bool
	answers   Answers
}

// New builds the form. host is shown in the title.
func New(host string) Model {
	m := Model{host: host, inputs: make([]textinput.Model, fieldCount)}
	for i := range m.inputs {
		in := textinput.New()
		in.CharLimit = 128
		switch i {
		case fieldUser:
			in.Placeholder = "username"
			in.Focus()
		case fieldPassword:
			in.Placeholder = "password"
			in.EchoMode = textinput.EchoPassword
			in.EchoCharacter = '•'
		case fieldPlate:
			in.Placeholder = "plate id"
			in.CharLimit = 19
		}
		m.inputs[i] = in
	}
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.cancelled = true
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		case tea.KeyTab, tea.KeyDown:
			return m.move(1), nil
		case tea.KeyShiftTab, tea.KeyUp:
			return m.move(-1), nil
		}
	}
	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	return m, cmd
}

func (m Model) move(delta int) Model {
	m.inputs[m.focus].Blur()
	m.focus = (m.focus + delta + fieldCount) % fieldCount
	m.inputs[m.focus].Focus()
	return m
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	m.err = ""
	if m.focus < fieldPlate {
		if strings.TrimSpace(m.inputs[m.focus].Value()) == "" && m.focus == fieldUser {
			m.err = "username is required"
			return m, nil
		}
		return m.move(1), nil
	}
	user := strings.TrimSpace(m.inputs[fieldUser].Value())
	if user == "" {
		m.err = "username is required"
		return m.jump(fieldUser), nil
	}
	id, err := strconv.ParseInt(strings.TrimSpace(m.inputs[fieldPlate].Value()), 10, 64)
	if err != nil || id <= 0 {
		m.err = "plate id must be a positive integer"
		return m, nil
	}
	m.answers = Answers{Username: user, Password: m.inputs[fieldPassword].Value(), PlateID: id}
	m.done = true
	return m, tea.Quit
}

func (m Model) jump(field int) Model {
	m.inputs[m.focus].Blur()
	m.focus = field
	m.inputs[m.focus].Focus()
	return m
}

// View implements tea.Model.
func (m Model) View() string {
	if m.done || m.cancelled {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("plateflow " + m.host))
	b.WriteString("\n\n")
	labels := []string{"Username", "Password", "Plate ID"}
	for i, in := range m.inputs {
		b.WriteString(labelStyle.Render(labels[i]))
		b.WriteString(in.View())
		b.WriteString("\n")
	}
	if m.err != "" {
		b.WriteString(errorStyle.Render(m.err))
		b.WriteString("\n")
	}
	b.WriteString(hintStyle.Render("enter: next/submit  tab: move  esc: cancel"))
	b.WriteString("\n")
	return b.String()
}

// Answers returns the submitted values, or ErrCancelled.
func (m Model) Answers() (Answers, error) {
	if !m.done {
		return Answers{}, ErrCancelled
	}
	return m.answers, nil
}

// Ask runs the form on in/out until it is submitted or cancelled.
func Ask(ctx context.Context, host string, in io.Reader, out io.Writer) (Answers, error) {
	p := tea.NewProgram(New(host), tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out))
	final, err := p.Run()
	if err != nil {
		return Answers{}, fmt.Errorf("prompt: %w", err)
	}
	m, ok := final.(Model)
	if !ok {
		return Answers{}, fmt.Errorf("prompt: unexpected model %T", final)
	}
	return m.Answers()
}
