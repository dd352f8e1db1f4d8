// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the graphflow CLI.
package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette: deep ocean teals.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#5C7A84")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Header    lipgloss.Style
	Box       lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorMuted),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Header:    lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon provides themed status icons.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconRunning Icon = "◐"
	IconSkipped Icon = "⊘"
	IconArrow   Icon = "→"
)

// Render returns the icon with appropriate styling.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning, IconSkipped:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	case IconRunning:
		return Styles.Highlight.Render(string(i))
	default:
		return string(i)
	}
}

// StatusIcon maps an execution or node status name to its icon.
func StatusIcon(status string) Icon {
	switch status {
	case "SUCCEEDED":
		return IconSuccess
	case "FAILED":
		return IconError
	case "CANCELLED":
		return IconWarning
	case "SKIPPED":
		return IconSkipped
	case "RUNNING", "READY":
		return IconRunning
	default:
		return IconPending
	}
}

// Status renders a status with its icon, or the bare name in plain mode.
func Status(status string) string {
	if CurrentMode() == ModePlain {
		return status
	}
	icon := StatusIcon(status)
	style := Styles.Muted
	switch icon {
	case IconSuccess:
		style = Styles.Success
	case IconError:
		style = Styles.Error
	case IconWarning, IconSkipped:
		style = Styles.Warning
	case IconRunning:
		style = Styles.Highlight
	}
	return icon.Render() + " " + style.Render(status)
}

// Success prints a success message.
func Success(w io.Writer, text string) {
	if CurrentMode() == ModePlain {
		fmt.Fprintf(w, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning message.
func Warning(w io.Writer, text string) {
	if CurrentMode() == ModePlain {
		fmt.Fprintf(w, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error message.
func Error(w io.Writer, text string) {
	if CurrentMode() == ModePlain {
		fmt.Fprintf(w, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(w, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Title prints a styled title. Nothing is printed in plain mode.
func Title(w io.Writer, text string) {
	if CurrentMode() == ModePlain {
		return
	}
	fmt.Fprintln(w, Styles.Title.Render(text))
}

// Box prints content in a rounded box under a title.
func Box(w io.Writer, title, content string) {
	if CurrentMode() == ModePlain {
		fmt.Fprintf(w, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(w, Styles.Box.Render(Styles.Title.Render(title)+"\n"+content))
}

// JSON writes v as indented JSON.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table prints rows under bold headers with columns padded to their
// widest cell. Widths are measured with lipgloss so styled cells line up.
func Table(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], lipgloss.Width(row[i]))
		}
	}

	line := func(cells []string, style *lipgloss.Style) string {
		var b strings.Builder
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			if style != nil {
				cell = style.Render(cell)
			}
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		return b.String()
	}

	header := Styles.Header
	if CurrentMode() == ModePlain {
		fmt.Fprintln(w, line(headers, nil))
	} else {
		fmt.Fprintln(w, line(headers, &header))
	}
	for _, row := range rows {
		fmt.Fprintln(w, line(row, nil))
	}
}
