// Package validation validates request, response and claim payloads against
// JSON-schema documents, resolving mdstudio schema references through the
// registry.
package validation

import (
	"fmt"
	"strings"
)

// Issue is one validation failure inside a payload.
type Issue struct {
	// Path is the JSON pointer to the offending sub-value.
	Path string `json:"path"`

	// Expected locates the failing subschema keyword.
	Expected string `json:"expected"`

	// Value is the offending sub-value, when it could be extracted.
	Value any `json:"value,omitempty"`

	// Message is the human-readable reason.
	Message string `json:"message"`
}

// Error is a structured validation failure against one schema.
type Error struct {
	// Ref names the schema the payload failed against.
	Ref string

	// Issues are the leaf failures.
	Issues []Issue
}

func (e *Error) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("validation against %s failed", e.Ref)
	}
	first := e.Issues[0]
	msg := fmt.Sprintf("validation against %s failed at %q: %s", e.Ref, first.Path, first.Message)
	if len(e.Issues) > 1 {
		msg += fmt.Sprintf(" (and %d more)", len(e.Issues)-1)
	}
	return msg
}

// Detail renders every issue on its own line for envelope error messages.
func (e *Error) Detail() string {
	lines := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		lines = append(lines, fmt.Sprintf("path=%s expected=%s value=%v: %s",
			issue.Path, issue.Expected, issue.Value, issue.Message))
	}
	return strings.Join(lines, "\n")
}
