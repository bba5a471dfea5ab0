// Package render prints transcript units to a terminal and asks for tool
// approvals interactively.
package render

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/codefionn/nullterm/internal/transcript"
)

var (
	toolNameStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	argsStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	resultStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("250")).MarginLeft(4)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	noticeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	iterStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)

	callStatusStyles = map[transcript.CallStatus]lipgloss.Style{
		transcript.CallSuccess:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		transcript.CallError:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		transcript.CallDenied:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		transcript.CallCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}

	callStatusIcons = map[transcript.CallStatus]string{
		transcript.CallSuccess:   "✓",
		transcript.CallError:     "✗",
		transcript.CallDenied:    "⊘",
		transcript.CallCancelled: "◌",
	}
)

func callStatusLabel(s transcript.CallStatus) string {
	icon, ok := callStatusIcons[s]
	if !ok {
		icon = "•"
	}
	style, ok := callStatusStyles[s]
	if !ok {
		style = statusStyle
	}
	return style.Render(icon + " " + string(s))
}
