// Package cmdutil contains helpers shared by the CLI commands.
package cmdutil

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/mitchellh/go-wordwrap"
)

const (
	Indentation = "   "
	LineLen     = 80
)

// PreflightError reports a missing prerequisite at startup.
type PreflightError struct {
	Msg string
}

func (e *PreflightError) Error() string {
	return "preflight error: " + e.Msg
}

// NewDescription creates a description from a long desc
// and examples. This also formats them and normalizes the formatting.
func NewDescription(desc, examples string) string {
	normalizedDesc := Normalize(desc)
	normalizedExamples := Normalize(examples)

	return normalizedDesc + "\n\nEXAMPLES:\n" + normalizedExamples
}

// Normalize takes a string and normalizes it.
func Normalize(s string) string {
	indentedLines := []string{}
	for _, line := range strings.Split(wordwrap.WrapString(s, LineLen), "\n") {
		trimmed := strings.TrimSpace(line)
		indented := Indentation + trimmed
		indentedLines = append(indentedLines, indented)
	}

	if strings.TrimSpace(indentedLines[len(indentedLines)-1]) == "" {
		// found extra newline, remove it
		indentedLines = indentedLines[:len(indentedLines)-1]
	}

	return strings.Join(indentedLines, "\n")
}

// EnsureTools verifies that every named external tool is on PATH.
func EnsureTools(names ...string) error {
	missing := []string{}
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			missing = append(missing, name)
		}
	}

	if len(missing) != 0 {
		return &PreflightError{
			Msg: fmt.Sprintf("required tools not found on PATH: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
