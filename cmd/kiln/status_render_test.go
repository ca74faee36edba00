package main

import (
	"strings"
	"testing"
)

func TestStatusLine(t *testing.T) {
	plain := statusLine("Slicer binary", statusOK, "/usr/bin/slicer", false)
	if !strings.Contains(plain, "[OK]") || !strings.Contains(plain, "/usr/bin/slicer") {
		t.Errorf("line = %q", plain)
	}
	if strings.Contains(plain, ansiGreen) {
		t.Errorf("uncolorized line carries ANSI codes: %q", plain)
	}

	colored := statusLine("Slicer binary", statusError, "missing", true)
	if !strings.HasPrefix(colored, ansiRed) || !strings.HasSuffix(colored, ansiReset) {
		t.Errorf("colorized error line = %q", colored)
	}

	bare := statusLine("Pending", statusInfo, "", false)
	if strings.HasSuffix(bare, " ") {
		t.Errorf("empty detail should not leave a trailing space: %q", bare)
	}
}

func TestKindMappers(t *testing.T) {
	if readyKind(true) != statusOK || readyKind(false) != statusError {
		t.Error("readyKind should map pass/fail to OK/ERROR")
	}
	if counterKind(0) != statusInfo {
		t.Error("a zero counter stays neutral")
	}
	if counterKind(3) != statusWarn {
		t.Error("a non-zero failed counter should warn")
	}
}

func TestSectionHeader(t *testing.T) {
	if got := sectionHeader("Daemon", false); got != "== Daemon ==" {
		t.Errorf("header = %q", got)
	}
	colored := sectionHeader("Daemon", true)
	if !strings.HasPrefix(colored, ansiCyan) || !strings.HasSuffix(colored, ansiReset) {
		t.Errorf("colorized header = %q", colored)
	}
}
