package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// statusKind is the severity of one line in `kiln status` output.
type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
)

// statusLine renders one "  Label  [OK] detail" row. The label column is
// sized for the longest preflight check name.
func statusLine(label string, kind statusKind, detail string, colorize bool) string {
	line := fmt.Sprintf("  %-24s [%s]", label, kindTag(kind))
	if detail != "" {
		line += " " + detail
	}
	if colorize {
		if color := kindColor(kind); color != "" {
			return color + line + ansiReset
		}
	}
	return line
}

func kindTag(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func kindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	default:
		return ""
	}
}

// readyKind maps a stage-health or preflight pass flag to a line severity.
func readyKind(ok bool) statusKind {
	if ok {
		return statusOK
	}
	return statusError
}

// counterKind makes a non-zero failed-job counter stand out; other counters
// stay neutral.
func counterKind(n int) statusKind {
	if n > 0 {
		return statusWarn
	}
	return statusInfo
}

func sectionHeader(title string, colorize bool) string {
	line := "== " + title + " =="
	if colorize {
		return ansiCyan + line + ansiReset
	}
	return line
}

func shouldColorize(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(file.Fd()) || isatty.IsCygwinTerminal(file.Fd()))
}
