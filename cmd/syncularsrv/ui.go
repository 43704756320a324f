package main

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("#3ECF8E")
	errorColor   = lipgloss.Color("#EF4444")
	infoColor    = lipgloss.Color("#3B82F6")
	successColor = lipgloss.Color("#10B981")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(infoColor)

	successStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)
)

func banner() string {
	return titleStyle.Render("syncularsrv — offline-first sync server")
}
