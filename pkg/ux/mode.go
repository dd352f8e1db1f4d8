// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Mode selects how the CLI writes its results.
type Mode string

const (
	// ModeRich uses colors, icons and tables.
	ModeRich Mode = "rich"

	// ModePlain writes JSON results and unstyled messages, for pipes and
	// scripts.
	ModePlain Mode = "plain"
)

var (
	currentMode = ModeRich
	modeMu      sync.RWMutex
)

// CurrentMode returns the active output mode.
func CurrentMode() Mode {
	modeMu.RLock()
	defer modeMu.RUnlock()
	return currentMode
}

// SetMode changes the output mode.
func SetMode(m Mode) {
	modeMu.Lock()
	defer modeMu.Unlock()
	currentMode = m
}

// ParseMode converts a flag value. Unknown values select ModeRich.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain", "json", "machine":
		return ModePlain
	default:
		return ModeRich
	}
}

// InitMode picks the mode from GRAPHFLOW_OUTPUT, falling back to plain
// whenever stdout is not a terminal.
func InitMode() {
	if env := os.Getenv("GRAPHFLOW_OUTPUT"); env != "" {
		SetMode(ParseMode(env))
		return
	}
	if !IsTerminal(os.Stdout) {
		SetMode(ModePlain)
		return
	}
	SetMode(ModeRich)
}

// IsTerminal reports whether f is a terminal, including Cygwin and MSYS
// terminals on Windows.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// IsInteractive reports whether prompts and live views may be shown.
func IsInteractive() bool {
	return CurrentMode() == ModeRich && IsTerminal(os.Stdin) && IsTerminal(os.Stdout)
}
