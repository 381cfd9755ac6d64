package sink

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"cubesat-fsw/internal/telemetry"
)

// teaProgram abstracts bubbletea.Program for testing.
type teaProgram interface {
	Send(tea.Msg)
}

// frameMsg carries a rendered frame line for the viewport.
type frameMsg struct{ line string }

// statusMsg carries the kernel status published after a tick.
type statusMsg struct{ telemetry.KernelStatus }

const maxFrameLines = 2000

// TUIWriter renders flushed frames and the live kernel status in a bubbletea TUI.
type TUIWriter struct {
	program    teaProgram
	colors     map[string]string
	done       chan struct{}
	sendSignal atomic.Bool
}

// NewTUIWriter starts a bubbletea program and returns a TUIWriter. Quitting
// the TUI interrupts the process so the supervisor shuts down cleanly.
func NewTUIWriter(profile string) *TUIWriter {
	w := &TUIWriter{colors: make(map[string]string), done: make(chan struct{})}
	w.sendSignal.Store(true)
	p := tea.NewProgram(newTUIModel(profile), tea.WithAltScreen())
	w.program = p
	go func() {
		_, _ = p.Run()
		close(w.done)
		if w.sendSignal.Load() {
			if proc, err := os.FindProcess(os.Getpid()); err == nil {
				_ = proc.Signal(os.Interrupt)
			}
		}
	}()
	return w
}

func (w *TUIWriter) Write(f telemetry.Frame) error {
	w.program.Send(frameMsg{line: formatFrame(f, w.colors, true)})
	return nil
}

func (w *TUIWriter) WriteBatch(frames []telemetry.Frame) error {
	for _, f := range frames {
		_ = w.Write(f)
	}
	return nil
}

// ObserveStatus forwards the kernel status to the task table.
func (w *TUIWriter) ObserveStatus(st telemetry.KernelStatus) {
	w.program.Send(statusMsg{st})
}

// Close stops the program and waits for it to restore the terminal.
func (w *TUIWriter) Close() error {
	w.sendSignal.Store(false)
	if w.program != nil {
		w.program.Send(tea.Quit())
	}
	if w.done != nil {
		<-w.done
	}
	return nil
}

type tuiModel struct {
	profile    string
	table      table.Model
	vp         viewport.Model
	lines      []string
	status     telemetry.KernelStatus
	wrap       bool
	autoscroll bool
	showTasks  bool
	help       bool
	width      int
	height     int
}

func newTUIModel(profile string) tuiModel {
	cols := []table.Column{
		{Title: "Task", Width: 10},
		{Title: "State", Width: 11},
		{Title: "Elig", Width: 5},
		{Title: "Period", Width: 8},
		{Title: "Runs", Width: 7},
		{Title: "Fail", Width: 5},
		{Title: "WDT", Width: 8},
	}
	t := table.New(table.WithColumns(cols), table.WithHeight(2))
	return tuiModel{
		profile:    profile,
		table:      t,
		vp:         viewport.New(0, 0),
		autoscroll: true,
		showTasks:  true,
	}
}

func (m tuiModel) Init() tea.Cmd { return nil }

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.vp.Width = msg.Width
		m.table.SetWidth(msg.Width)
		m.updateViewportHeight()
		m.refreshViewport()
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "w":
			m.wrap = !m.wrap
			m.refreshViewport()
		case "s":
			m.autoscroll = !m.autoscroll
			if m.autoscroll {
				m.vp.GotoBottom()
			}
		case "t":
			m.showTasks = !m.showTasks
			m.updateViewportHeight()
		case "h", "?":
			m.help = !m.help
		default:
			if !m.autoscroll {
				var cmd tea.Cmd
				m.vp, cmd = m.vp.Update(msg)
				return m, cmd
			}
		}
	case frameMsg:
		m.lines = append(m.lines, msg.line)
		if len(m.lines) > maxFrameLines {
			m.lines = m.lines[len(m.lines)-maxFrameLines:]
		}
		m.refreshViewport()
	case statusMsg:
		m.status = msg.KernelStatus
		m.table.SetRows(taskRows(m.status))
		m.table.SetHeight(len(m.status.Tasks) + 1)
		m.updateViewportHeight()
	}
	return m, nil
}

func taskRows(st telemetry.KernelStatus) []table.Row {
	wdt := make(map[string]telemetry.WatchdogStatus, len(st.Watchdog))
	for _, w := range st.Watchdog {
		wdt[w.TaskID] = w
	}
	rows := make([]table.Row, 0, len(st.Tasks))
	for _, t := range st.Tasks {
		elig := "-"
		if t.Eligible {
			elig = "yes"
		}
		watch := ""
		if w, ok := wdt[t.ID]; ok {
			watch = fmt.Sprintf("%d/%d", w.Misses, w.Threshold)
			if w.Tripped {
				watch += "!"
			}
		}
		rows = append(rows, table.Row{
			t.ID,
			t.State,
			elig,
			(time.Duration(t.PeriodMS) * time.Millisecond).String(),
			fmt.Sprint(t.Runs),
			fmt.Sprint(t.Failures),
			watch,
		})
	}
	return rows
}

func (m *tuiModel) updateViewportHeight() {
	used := lipgloss.Height(m.renderHeader()) + lipgloss.Height(m.renderBottom()) + 2
	if m.showTasks {
		used += lipgloss.Height(m.table.View())
	}
	h := m.height - used
	if h < 0 {
		h = 0
	}
	m.vp.Height = h
	if m.autoscroll {
		m.vp.GotoBottom()
	}
}

func (m *tuiModel) refreshViewport() {
	lines := m.lines
	if m.wrap && m.vp.Width > 0 {
		lines = make([]string, len(m.lines))
		for i, l := range m.lines {
			lines[i] = wordwrap.String(l, m.vp.Width)
		}
	}
	m.vp.SetContent(strings.Join(lines, "\n"))
	if m.autoscroll {
		m.vp.GotoBottom()
	}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	modeStyles = map[string]lipgloss.Style{
		"NOMINAL":   lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		"LOW_POWER": lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		"SAFE":      lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		"RECOVERY":  lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
)

func (m tuiModel) renderHeader() string {
	st := m.status
	modeStyle, ok := modeStyles[st.Mode]
	if !ok {
		modeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	}
	since := ""
	if !st.ModeSince.IsZero() && !st.Timestamp.IsZero() {
		since = " for " + st.Timestamp.Sub(st.ModeSince).Truncate(time.Second).String()
	}
	return fmt.Sprintf("%s  profile=%s boot=%s cycle=%d mode=%s%s",
		titleStyle.Render("cubesat-fsw"), m.profile, shortID(st.Boot), st.Cycle, modeStyle.Render(st.Mode), since)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func indicator(on bool) string {
	c := lipgloss.Color("9")
	if on {
		c = lipgloss.Color("10")
	}
	return lipgloss.NewStyle().Foreground(c).Render("●")
}

func (m tuiModel) renderBottom() string {
	d := m.status.Data
	c := m.status.Commands
	stats := fmt.Sprintf("%sDATA%s seq=%d pending=%d persisted=%d dropped=%d flush_err=%d %sCMD%s ok=%d rej=%d queued=%d",
		colorBlue, colorReset, d.NextSeq, d.Pending, d.Persisted, d.DroppedFrames, d.FlushErrors,
		colorCyan, colorReset, c.Accepted, c.Rejected, c.Queued)
	return fmt.Sprintf("%s | Wrap %s | Scroll %s | Tasks %s | Help %s",
		stats, indicator(m.wrap), indicator(m.autoscroll), indicator(m.showTasks), indicator(m.help))
}

func (m tuiModel) renderHelp() string {
	lines := []string{
		"Key Bindings:",
		" q  quit",
		" w  toggle wrap",
		" s  toggle auto-scroll",
		" t  toggle task table",
		" h/? toggle this help view",
		"",
		"When auto-scroll is disabled:",
		" j/k or up/down    scroll one line",
		" pgdown/pgup       scroll a page",
	}
	return strings.Join(lines, "\n")
}

func (m tuiModel) View() string {
	if m.help {
		return m.renderHelp()
	}
	divider := strings.Repeat("─", m.vp.Width)
	sections := []string{m.renderHeader()}
	if m.showTasks {
		sections = append(sections, m.table.View())
	}
	sections = append(sections, divider, m.vp.View(), divider, m.renderBottom())
	return strings.Join(sections, "\n")
}
