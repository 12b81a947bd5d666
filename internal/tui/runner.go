// Package tui renders bpctl's multi-step operations with a spinner per step.
package tui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/hopboxdev/bpshell/internal/ui"
)

// Phase groups related steps under a header.
type Phase struct {
	Title string
	Steps []Step
}

// Step is one RPC or local action. Optional steps that fail are shown as
// warnings and the run continues.
type Step struct {
	Title    string
	Run      func(ctx context.Context, progress func(string)) error
	Optional bool
}

type status int

const (
	statusPending status = iota
	statusRunning
	statusDone
	statusFailed
	statusWarned
)

type step struct {
	Step
	phase   int
	status  status
	message string // last progress message
	errMsg  string
	took    time.Duration
	started time.Time
}

func (s *step) label() string {
	if s.message != "" {
		return s.message
	}
	return s.Title
}

type progressMsg struct{ message string }
type stepDoneMsg struct{ err error }

type runner struct {
	title   string
	phases  []string
	steps   []*step
	current int
	spinner spinner.Model
	err     error
	done    bool
	send    func(tea.Msg)
	ctx     context.Context
	cancel  context.CancelFunc
	now     func() time.Time
}

func newRunner(ctx context.Context, title string, phases []Phase) *runner {
	ctx, cancel := context.WithCancel(ctx)
	m := &runner{title: title, ctx: ctx, cancel: cancel, now: time.Now}
	for _, p := range phases {
		if len(p.Steps) == 0 {
			continue
		}
		m.phases = append(m.phases, p.Title)
		for _, s := range p.Steps {
			m.steps = append(m.steps, &step{Step: s, phase: len(m.phases) - 1})
		}
	}
	m.spinner = spinner.New()
	m.spinner.Spinner = spinner.Dot
	m.spinner.Style = lipgloss.NewStyle().Foreground(ui.Yellow)
	return m
}

func (m *runner) Init() tea.Cmd {
	if len(m.steps) == 0 {
		m.done = true
		return tea.Quit
	}
	return tea.Batch(m.spinner.Tick, m.start(0))
}

// start marks step idx running and returns the command that runs it.
func (m *runner) start(idx int) tea.Cmd {
	s := m.steps[idx]
	s.status = statusRunning
	s.started = m.now()
	return func() tea.Msg {
		defer func() {
			if r := recover(); r != nil && m.send != nil {
				m.send(stepDoneMsg{err: fmt.Errorf("panic: %v", r)})
			}
		}()
		progress := func(msg string) {
			if m.send != nil {
				m.send(progressMsg{message: msg})
			}
		}
		return stepDoneMsg{err: s.Run(m.ctx, progress)}
	}
}

// next advances past the current step and starts the following one.
func (m *runner) next() (tea.Model, tea.Cmd) {
	m.current++
	if m.current >= len(m.steps) {
		m.done = true
		return m, tea.Quit
	}
	return m, m.start(m.current)
}

func (m *runner) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.cancel()
			m.err = context.Canceled
			return m, tea.Quit
		}

	case progressMsg:
		if m.current < len(m.steps) {
			m.steps[m.current].message = msg.message
		}
		return m, nil

	case stepDoneMsg:
		if m.current >= len(m.steps) {
			return m, nil
		}
		s := m.steps[m.current]
		s.took = m.now().Sub(s.started)
		switch {
		case msg.err == nil:
			s.status = statusDone
		case s.Optional:
			s.status = statusWarned
			s.errMsg = msg.err.Error()
		default:
			s.status = statusFailed
			s.errMsg = msg.err.Error()
			m.err = msg.err
			return m, tea.Quit
		}
		return m.next()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(ui.Subtle)
	errorStyle   = lipgloss.NewStyle().Foreground(ui.Red)
	warningStyle = lipgloss.NewStyle().Foreground(ui.Yellow)
)

func (m *runner) View() string {
	finished := 0
	for _, s := range m.steps {
		if s.status == statusDone || s.status == statusWarned {
			finished++
		}
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title) + subtleStyle.Render(fmt.Sprintf(" [%d/%d]", finished, len(m.steps))) + "\n")
	phase := -1
	for _, s := range m.steps {
		if s.phase != phase {
			phase = s.phase
			b.WriteString("\n" + titleStyle.Render(m.phases[phase]) + "\n")
		}
		switch s.status {
		case statusPending:
			b.WriteString("  " + subtleStyle.Render("○ "+s.Title) + "\n")
		case statusRunning:
			b.WriteString("  " + m.spinner.View() + " " + s.label() + "\n")
		case statusDone:
			b.WriteString("  " + ui.StepOK(s.label()) + subtleStyle.Render(" "+ui.Elapsed(s.took)) + "\n")
		case statusWarned:
			b.WriteString("  " + ui.Warn(s.Title) + "\n")
			b.WriteString("    " + warningStyle.Render("Warning: "+s.errMsg) + "\n")
		case statusFailed:
			b.WriteString("  " + ui.StepFail(s.Title) + "\n")
			b.WriteString("    " + errorStyle.Render("Error: "+s.errMsg) + "\n")
		}
	}
	return b.String()
}

// Run executes the phases in order and renders their progress on out. It
// returns the error of the first failed required step. When out is not a
// terminal each finished step is printed as one plain line.
func Run(ctx context.Context, out io.Writer, title string, phases []Phase) error {
	m := newRunner(ctx, title, phases)
	defer m.cancel()
	if len(m.steps) == 0 {
		return nil
	}
	if f, ok := out.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		return m.runPlain(out)
	}

	p := tea.NewProgram(m, tea.WithOutput(out))
	m.send = p.Send
	result, err := p.Run()
	if err != nil {
		return fmt.Errorf("TUI: %w", err)
	}
	if r, ok := result.(*runner); ok && r.err != nil {
		return r.err
	}
	return nil
}

func (m *runner) runPlain(out io.Writer) error {
	_, _ = fmt.Fprintln(out, m.title)
	for _, s := range m.steps {
		progress := func(msg string) { s.message = msg }
		if err := s.Run(m.ctx, progress); err != nil {
			if s.Optional {
				_, _ = fmt.Fprintln(out, "  "+ui.Warn(s.Title+": "+err.Error()))
				continue
			}
			_, _ = fmt.Fprintln(out, "  "+ui.StepFail(s.label()))
			return err
		}
		_, _ = fmt.Fprintln(out, "  "+ui.StepOK(s.label()))
	}
	return nil
}
