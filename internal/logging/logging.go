// Package logging provides the structured, leveled logger shared by every
// component.
package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// New returns a logger prefixed with component, writing to stderr at Info
// level by default. Every package in internal/ calls this once at
// construction time rather than holding a package-level global.
func New(component string) *log.Logger {
	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Prefix:          component,
	})
	if lvl := os.Getenv("SMARTFORK_LOG_LEVEL"); lvl != "" {
		if parsed, err := log.ParseLevel(lvl); err == nil {
			l.SetLevel(parsed)
		}
	}
	return l
}

// Discard returns a logger that writes nowhere, for tests that want a real
// *log.Logger without stderr noise.
func Discard() *log.Logger {
	return log.New(io.Discard)
}
