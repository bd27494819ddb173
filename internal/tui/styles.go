package tui

import "github.com/charmbracelet/lipgloss"

// Colors used throughout the TUI.
var (
	colorRed    = lipgloss.Color("#FF5F5F")
	colorGreen  = lipgloss.Color("#5FD75F")
	colorYellow = lipgloss.Color("#FFD75F")
	colorCyan   = lipgloss.Color("#5FD7FF")
	colorGray   = lipgloss.Color("#767676")
	colorDim    = lipgloss.Color("#444444")
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	dimStyle       = lipgloss.NewStyle().Foreground(colorGray)
	recStyle       = lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	idleStyle      = lipgloss.NewStyle().Foreground(colorGray)
	openStyle      = lipgloss.NewStyle().Foreground(colorGreen)
	pendingStyle   = lipgloss.NewStyle().Foreground(colorYellow)
	failStyle      = lipgloss.NewStyle().Foreground(colorRed)
	statusStyle    = lipgloss.NewStyle().Foreground(colorCyan)
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	transcriptText = lipgloss.NewStyle().Italic(true)
	levelLow       = lipgloss.NewStyle().Foreground(colorGreen)
	levelHigh      = lipgloss.NewStyle().Foreground(colorYellow)
	levelEmpty     = lipgloss.NewStyle().Foreground(colorDim)
	keyStyle       = lipgloss.NewStyle().Bold(true).Foreground(colorYellow)
	dividerStyle   = lipgloss.NewStyle().Foreground(colorDim)
)
