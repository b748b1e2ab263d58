package progress

import (
	"fmt"
	"io"
	"strings"
	"time"

	progressbar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// Palette, shared by the text styles and the bar gradient.
const (
	colorPrimary = "#7C3AED" // purple
	colorAccent  = "#06B6D4" // cyan
	colorText    = "#CDD6F4" // light gray
	colorMuted   = "#6C7086" // medium gray
	colorGood    = "#A6E3A1" // green
)

var (
	phaseStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorAccent))
	textStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorText))
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted))
	doneStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorGood))
)

// tickMsg carries one poll of the source.
type tickMsg time.Time

// stopMsg asks the model for a final poll before quitting.
type stopMsg struct{}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// model is the single-line status display following the Elm
// architecture. It owns no pipeline state; every tick re-polls the
// source.
type model struct {
	source   Source
	interval time.Duration

	spin  spinner.Model
	bar   progressbar.Model
	snap  Snapshot
	start time.Time

	width    int
	finished bool
}

// Ensure model implements tea.Model.
var _ tea.Model = model{}

func newModel(source Source, interval time.Duration) model {
	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(colorPrimary))

	bar := progressbar.New(progressbar.WithGradient(colorPrimary, colorAccent))
	bar.Width = 30

	return model{
		source:   source,
		interval: interval,
		spin:     spin,
		bar:      bar,
		snap:     source(),
		start:    time.Now(),
	}
}

// Init implements tea.Model.
func (m model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, tick(m.interval))
}

// Update implements tea.Model.
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		m.snap = m.source()
		return m, tick(m.interval)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case stopMsg:
		m.snap = m.source()
		m.finished = true
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model. It renders one status line; bubbletea
// leaves the final frame behind on exit, which doubles as the stage
// summary in scrollback.
func (m model) View() string {
	s := m.snap

	head := m.spin.View()
	if m.finished {
		head = doneStyle.Render("✓")
	}
	parts := []string{head + " " + phaseStyle.Render(s.Phase)}
	if s.Detail != "" {
		parts = append(parts, detailStyle.Render(s.Detail))
	}
	if s.Total > 0 {
		ratio := float64(s.Done) / float64(s.Total)
		if ratio > 1 {
			ratio = 1
		}
		count := fmt.Sprintf("%d/%d", s.Done, s.Total)
		if s.Unit != "" {
			count += " " + s.Unit
		}
		parts = append(parts, m.bar.ViewAs(ratio), textStyle.Render(count))
	}
	if s.Resources > 0 {
		parts = append(parts, textStyle.Render(humanize.Comma(s.Resources)+" resources"))
	}
	if s.Bytes > 0 {
		parts = append(parts, textStyle.Render(humanize.Bytes(uint64(s.Bytes))))
	}
	parts = append(parts, detailStyle.Render(time.Since(m.start).Round(time.Second).String()))

	line := strings.Join(parts, "  ")
	if m.width > 0 {
		line = lipgloss.NewStyle().MaxWidth(m.width).Render(line)
	}
	return line
}

// screen runs the bubbletea display on its own goroutine. Input and
// signal handling stay with the caller; the program only writes.
type screen struct {
	prog *tea.Program
	done chan struct{}
}

func newScreen(source Source, out io.Writer, interval time.Duration) *screen {
	prog := tea.NewProgram(newModel(source, interval),
		tea.WithOutput(out),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
	)
	return &screen{prog: prog}
}

func (s *screen) Start() {
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		// A renderer failure must not fail the run.
		_, _ = s.prog.Run()
	}()
}

func (s *screen) Stop() {
	if s.done == nil {
		return
	}
	s.prog.Send(stopMsg{})
	<-s.done
	s.done = nil
}
