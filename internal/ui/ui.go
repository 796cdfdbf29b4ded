// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui provides the runner's colorized console output: the startup
// banner, shutdown notice, and leveled log lines shared by the CLI and the
// HTTP server's own request logging.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	infoColor  = color.New(color.FgCyan)
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed, color.Bold)
	okColor    = color.New(color.FgGreen)
)

// InitColors decides whether ANSI color codes are emitted, honoring an
// explicit --no-color flag, the NO_COLOR convention, and whether stdout is
// actually a terminal.
func InitColors(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

// Banner prints the startup summary lines, colorized when enabled.
func Banner(lines ...string) {
	for _, l := range lines {
		fmt.Println(l)
	}
}

// Info logs an informational line to stderr when verbosity allows it.
func Info(verbose int, quiet bool, format string, args ...any) {
	if quiet || verbose < 1 {
		return
	}
	infoColor.Fprintf(os.Stderr, "[INFO] "+format+"\n", args...)
}

// Debug logs a debug line to stderr, shown only at -vv.
func Debug(verbose int, format string, args ...any) {
	if verbose < 2 {
		return
	}
	fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", args...)
}

// Warn logs a warning line to stderr unless quiet.
func Warn(quiet bool, format string, args ...any) {
	if quiet {
		return
	}
	warnColor.Fprintf(os.Stderr, "[WARN] "+format+"\n", args...)
}

// Error logs an error line to stderr unless quiet.
func Error(quiet bool, format string, args ...any) {
	if quiet {
		return
	}
	errorColor.Fprintf(os.Stderr, "[ERROR] "+format+"\n", args...)
}

// OK logs a success line to stderr unless quiet.
func OK(quiet bool, format string, args ...any) {
	if quiet {
		return
	}
	okColor.Fprintf(os.Stderr, "[OK] "+format+"\n", args...)
}
