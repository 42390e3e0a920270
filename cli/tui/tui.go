package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/sheetjobs/types"
)

// Source is the observable job the view follows. *runtime.Controller
// satisfies it.
type Source interface {
	Snapshot() types.JobRecord
	Changed() <-chan struct{}
	Cancel(ctx context.Context) error
}

// cancelTimeout bounds a cancel request issued from the view.
const cancelTimeout = 30 * time.Second

// keyMap defines key bindings.
type keyMap struct {
	Cancel key.Binding
	Quit   key.Binding
}

var keys = keyMap{
	Cancel: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("c", "cancel job"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

type changedMsg struct{}

type cancelDoneMsg struct{ err error }

// JobModel is a Bubble Tea model following one job until it finishes.
type JobModel struct {
	src        Source
	rec        types.JobRecord
	changed    <-chan struct{}
	spinner    spinner.Model
	cancelling bool
	cancelErr  error
	width      int
	height     int
	quitting   bool
	detached   bool
}

// NewJobModel creates a model following src.
func NewJobModel(src Source) JobModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = ActiveStyle
	ch := src.Changed()
	return JobModel{
		src:     src,
		rec:     src.Snapshot(),
		changed: ch,
		spinner: sp,
	}
}

// Record returns the last record the view rendered.
func (m JobModel) Record() types.JobRecord { return m.rec }

// Detached reports whether the user quit before the job finished.
func (m JobModel) Detached() bool { return m.detached }

func waitForChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return changedMsg{}
	}
}

func (m JobModel) cancel() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		return cancelDoneMsg{err: m.src.Cancel(ctx)}
	}
}

// Init implements tea.Model.
func (m JobModel) Init() tea.Cmd {
	if m.rec.Status.IsTerminal() {
		return tea.Quit
	}
	return tea.Batch(m.spinner.Tick, waitForChange(m.changed))
}

// Update implements tea.Model.
func (m JobModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			m.detached = !m.rec.Status.IsTerminal()
			return m, tea.Quit
		case key.Matches(msg, keys.Cancel):
			if m.cancelling || !m.rec.Status.IsActive() {
				return m, nil
			}
			m.cancelling = true
			return m, m.cancel()
		}

	case changedMsg:
		// Re-arm before reading so no change is missed.
		m.changed = m.src.Changed()
		m.rec = m.src.Snapshot()
		if !m.rec.Status.IsActive() && m.rec.Status != types.StatusValidating {
			m.quitting = true
			return m, tea.Quit
		}
		return m, waitForChange(m.changed)

	case cancelDoneMsg:
		m.cancelling = false
		m.cancelErr = msg.err
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View implements tea.Model.
func (m JobModel) View() string {
	if m.quitting {
		return ""
	}
	return m.render() + "\n" + HelpStyle.Render(m.help())
}

func (m JobModel) help() string {
	var parts []string
	if m.rec.Status.IsActive() && !m.cancelling {
		parts = append(parts, keys.Cancel.Help().Key+" "+keys.Cancel.Help().Desc)
	}
	parts = append(parts, keys.Quit.Help().Key+" "+keys.Quit.Help().Desc)
	return strings.Join(parts, " • ")
}

func (m JobModel) render() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render(m.rec.Feature))
	b.WriteString("\n")

	status := StatusStyle(m.rec.Status).Render(string(m.rec.Status))
	if m.rec.Status.IsBusy() {
		status = m.spinner.View() + " " + status
	}
	if m.cancelling {
		status += MutedStyle.Render("  (cancelling…)")
	}
	row(&b, "Status", status)
	if m.rec.JobID != "" {
		row(&b, "Job", ValueStyle.Render(m.rec.JobID))
	}
	for _, s := range m.rec.Slots {
		name := s.ArtifactName()
		if name == "" {
			name = MutedStyle.Render("(empty)")
		} else if s.Validated {
			name += SuccessStyle.Render(" ✓")
		}
		row(&b, s.Name, name)
	}
	if m.rec.ErrorDetail != "" {
		row(&b, "Error", ErrorStyle.Render(m.rec.ErrorDetail))
	}
	if m.cancelErr != nil {
		row(&b, "Cancel", ErrorStyle.Render(m.cancelErr.Error()))
	}

	b.WriteString("\n")
	for _, line := range tail(m.rec.Log, m.logLines()) {
		b.WriteString(MutedStyle.Render("› ") + line + "\n")
	}

	style := BoxStyle
	if m.width > 4 {
		style = style.Width(m.width - 4)
	}
	return style.Render(strings.TrimRight(b.String(), "\n"))
}

// logLines is how many log lines fit under the header.
func (m JobModel) logLines() int {
	if m.height == 0 {
		return 10
	}
	return max(m.height-len(m.rec.Slots)-12, 3)
}

func row(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "%s %s\n", LabelStyle.Render(label+":"), value)
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// Run follows src in a full-screen view until the job leaves its active
// statuses or the user quits. It returns the last rendered record and
// whether the user quit early.
func Run(src Source) (types.JobRecord, bool, error) {
	p := tea.NewProgram(NewJobModel(src), tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return src.Snapshot(), false, err
	}
	m, ok := final.(JobModel)
	if !ok {
		return src.Snapshot(), false, nil
	}
	return m.Record(), m.Detached(), nil
}

// RenderStatic renders the view once without a terminal program.
func RenderStatic(src Source) string {
	m := NewJobModel(src)
	m.width = 80
	m.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(m.View())
}
