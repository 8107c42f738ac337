// Package logging provides the supervisor's ambient logger: a thin,
// kv-pair-formatting wrapper over the standard library's *log.Logger,
// matching the teacher's plain prefixed-logger idiom
// (internal/controller/controller.go: log.New(os.Stdout, "[controller] ",
// log.LstdFlags)) rather than introducing a structured logging dependency.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
)

// Logger satisfies every component-local Warn/Info/Error logging seam in
// this module (orchestrator.Logger, mergepipeline.Logger, and any other
// package that declares its own narrow logging interface per the "three
// seams only" design note — logging is not one of those seams, so every
// package defines its own interface and this type happens to satisfy all
// of them structurally).
type Logger struct {
	std *log.Logger
}

// New creates a Logger writing to w with the given prefix, e.g.
// New(os.Stdout, "[supervisor] ").
func New(w io.Writer, prefix string) *Logger {
	return &Logger{std: log.New(w, prefix, log.LstdFlags)}
}

// Info logs an informational line.
func (l *Logger) Info(msg string, kv ...any) {
	l.std.Print("INFO  " + format(msg, kv))
}

// Warn logs a warning line.
func (l *Logger) Warn(msg string, kv ...any) {
	l.std.Print("WARN  " + format(msg, kv))
}

// Error logs an error line.
func (l *Logger) Error(msg string, kv ...any) {
	l.std.Print("ERROR " + format(msg, kv))
}

func format(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	if len(kv)%2 == 1 {
		fmt.Fprintf(&b, " %v=<missing>", kv[len(kv)-1])
	}
	return b.String()
}
