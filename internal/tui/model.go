// Package tui is the interactive terminal surface of livetalk: key triggers
// for recording, video and session reset, the status and error line, the last
// transcript line and live input/output level meters.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/livetalk/internal/live"
	"github.com/MrWong99/livetalk/internal/video"
)

// refreshInterval is how often the model polls the controller. Level meters
// need roughly 10 updates per second to look alive.
const refreshInterval = 100 * time.Millisecond

// Controller is the application surface driven by the TUI. Trigger methods
// may block on device or network I/O and are run as commands.
type Controller interface {
	ToggleRecording(ctx context.Context) error
	Recording() bool
	StartCamera(ctx context.Context) error
	StartScreenShare(ctx context.Context) error
	StopVideo()
	VideoMode() video.Mode
	CaptureFrame() error
	Reset(ctx context.Context) error
	Snapshot() live.Snapshot
	SessionState() live.State
	Levels() (in, out float64)
}

type tickMsg time.Time

// actionDoneMsg reports the end of a trigger. Failures are already on the
// status board, so the error is only kept for tests.
type actionDoneMsg struct {
	action string
	err    error
}

// Model is the root bubbletea model.
type Model struct {
	ctx context.Context
	ctl Controller

	width   int
	pending string

	snap      live.Snapshot
	state     live.State
	recording bool
	mode      video.Mode
	inLevel   float64
	outLevel  float64
}

// New returns a Model bound to ctl. ctx bounds the triggers it runs.
func New(ctx context.Context, ctl Controller) Model {
	m := Model{ctx: ctx, ctl: ctl}
	m.refresh()
	return m
}

// Run starts the interactive program on the terminal and blocks until the
// user quits or ctx is cancelled.
func Run(ctx context.Context, ctl Controller) error {
	p := tea.NewProgram(New(ctx, ctl), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

// Init starts the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tick()

	case actionDoneMsg:
		if m.pending == msg.action {
			m.pending = ""
		}
		m.refresh()
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "Q", "ctrl+c", "esc":
		return m, tea.Quit

	case " ":
		return m.run("record", m.ctl.ToggleRecording)

	case "c":
		return m.run("camera", m.ctl.StartCamera)

	case "s":
		return m.run("screen", m.ctl.StartScreenShare)

	case "v":
		m.ctl.StopVideo()
		m.refresh()
		return m, nil

	case "f":
		return m.run("frame", func(context.Context) error { return m.ctl.CaptureFrame() })

	case "r":
		return m.run("reset", m.ctl.Reset)
	}
	return m, nil
}

// run executes fn off the UI goroutine. Only one trigger runs at a time;
// keys pressed meanwhile are ignored.
func (m Model) run(action string, fn func(context.Context) error) (tea.Model, tea.Cmd) {
	if m.pending != "" {
		return m, nil
	}
	m.pending = action
	ctx := m.ctx
	return m, func() tea.Msg {
		return actionDoneMsg{action: action, err: fn(ctx)}
	}
}

func (m *Model) refresh() {
	m.snap = m.ctl.Snapshot()
	m.state = m.ctl.SessionState()
	m.recording = m.ctl.Recording()
	m.mode = m.ctl.VideoMode()
	m.inLevel, m.outLevel = m.ctl.Levels()
}

// ── View ─────────────────────────────────────────────────────────────────────

// View renders the screen.
func (m Model) View() string {
	width := m.width
	if width <= 0 {
		width = 72
	}

	sections := []string{
		titleStyle.Render("LIVETALK") + "  " + m.renderSession(),
		m.renderIndicators(),
		dividerStyle.Render(strings.Repeat("─", width)),
		m.renderMessage(),
		m.renderTranscript(width),
		dividerStyle.Render(strings.Repeat("─", width)),
		m.renderFooter(),
	}
	return strings.Join(sections, "\n")
}

func (m Model) renderSession() string {
	label := "session " + m.state.String()
	switch m.state {
	case live.StateOpen:
		return openStyle.Render("● " + label)
	case live.StateConnecting:
		return pendingStyle.Render("◌ " + label)
	case live.StateError:
		return failStyle.Render("✕ " + label)
	default:
		return dimStyle.Render("○ " + label)
	}
}

func (m Model) renderIndicators() string {
	rec := idleStyle.Render("○ IDLE")
	if m.recording {
		rec = recStyle.Render("● REC")
	}
	vid := dimStyle.Render("video off")
	switch m.mode {
	case video.ModeCamera:
		vid = openStyle.Render("camera on")
	case video.ModeScreen:
		vid = openStyle.Render("screen on")
	}
	busy := ""
	if m.pending != "" {
		busy = "  " + pendingStyle.Render("⟳ "+m.pending)
	}
	return fmt.Sprintf("%s  %s  %s  %s%s",
		rec, renderLevel("IN ", m.inLevel), renderLevel("OUT", m.outLevel), vid, busy)
}

func (m Model) renderMessage() string {
	switch {
	case m.snap.Error != "":
		return errorStyle.Render("Error: ") + m.snap.Error
	case m.snap.Status != "":
		return statusStyle.Render(m.snap.Status)
	default:
		return dimStyle.Render("Ready.")
	}
}

func (m Model) renderTranscript(width int) string {
	if m.snap.Transcript == "" {
		return dimStyle.Render("(no transcript yet)")
	}
	return transcriptText.Render(truncate(m.snap.Transcript, width))
}

func (m Model) renderFooter() string {
	recLabel := " Record"
	if m.recording {
		recLabel = " Stop"
	}
	parts := []string{
		keyStyle.Render("Space") + dimStyle.Render(recLabel),
		keyStyle.Render("c") + dimStyle.Render(" Camera"),
		keyStyle.Render("s") + dimStyle.Render(" Screen"),
		keyStyle.Render("v") + dimStyle.Render(" Video off"),
		keyStyle.Render("f") + dimStyle.Render(" Send frame"),
		keyStyle.Render("r") + dimStyle.Render(" Reset"),
		keyStyle.Render("q") + dimStyle.Render(" Quit"),
	}
	return strings.Join(parts, "  ")
}

// renderLevel draws a fixed-width bar for a level in [0, 1].
func renderLevel(label string, level float64) string {
	const barLen = 10
	filled := min(max(int(level*barLen+0.5), 0), barLen)

	var b strings.Builder
	for i := range barLen {
		switch {
		case i >= filled:
			b.WriteString(levelEmpty.Render("░"))
		case i >= barLen*6/10:
			b.WriteString(levelHigh.Render("█"))
		default:
			b.WriteString(levelLow.Render("█"))
		}
	}
	return dimStyle.Render(label) + " " + b.String()
}

func truncate(s string, width int) string {
	if lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	if width <= 1 || len(runes) < width {
		return s
	}
	return string(runes[:width-1]) + "…"
}
