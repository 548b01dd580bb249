// Package logging provides the one zerolog.Logger factory every
// component in the cluster pulls its logger from.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger tagged with component, writing one JSON object
// per event to w with a timestamp and a "component" field.
func New(component string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// NewConsole is New with a human-readable console writer, used by the
// cmd/ entry points instead of raw JSON.
func NewConsole(component string) zerolog.Logger {
	cw := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return New(component, cw)
}
