package log

import (
	"io"
	"sync"
)

// Color is an ANSI background used to tag the output of a step.
type Color string

const (
	GreenBackground Color = "\u001b[42m"
	Reset                 = "\u001b[0m"
)

// Sink receives lines printed by a worker process.
type Sink interface {
	Log(step, line string)
}

// StepWriter is a Sink writing every line as
//
//	<color><step><reset> - <line>
//
// Each line is a single Write call, so concurrent callers never interleave
// within a line.
type StepWriter struct {
	mx    sync.Mutex
	w     io.Writer
	color Color
}

func NewStepWriter(w io.Writer, color Color) *StepWriter {
	return &StepWriter{w: w, color: color}
}

func (s *StepWriter) Log(step, line string) {
	buf := make([]byte, 0, len(s.color)+len(step)+len(Reset)+len(line)+4)
	buf = append(buf, string(s.color)...)
	buf = append(buf, step...)
	buf = append(buf, Reset...)
	buf = append(buf, " - "...)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	s.mx.Lock()
	defer s.mx.Unlock()
	_, _ = s.w.Write(buf)
}

// Prefix returns the tag every line written for step starts with.
func (s *StepWriter) Prefix(step string) string {
	return string(s.color) + step + Reset
}

// Discard is a Sink dropping all lines.
var Discard Sink = discard{}

type discard struct{}

func (discard) Log(string, string) {}
