package model

import (
	"log/slog"
	"time"
)

// TraceSource says which output vocabulary a TraceMessage was extracted from.
type TraceSource int

const (
	// SourceProtocol is a TRACE/ERROR message of the line-delimited protocol.
	SourceProtocol TraceSource = iota
	// SourceDbtText is a block of "[error]" tagged dbt log lines.
	SourceDbtText
	// SourceDbtJSON is a dbt JSON log line with level "error".
	SourceDbtJSON
)

func (s TraceSource) String() string {
	switch s {
	case SourceProtocol:
		return "protocol"
	case SourceDbtText:
		return "dbt_text"
	case SourceDbtJSON:
		return "dbt_json"
	default:
		return "unknown"
	}
}

func (s TraceSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FailureSystem is the failure type of traces extracted from dbt output.
const FailureSystem = "system_error"

// TraceMessage is a diagnostic record extracted from the worker output.
type TraceMessage struct {
	Source          TraceSource `json:"source"`
	Message         string      `json:"message"`
	InternalMessage string      `json:"internal_message,omitempty"`
	StackTrace      string      `json:"stack_trace,omitempty"`
	FailureType     string      `json:"failure_type,omitempty"`
	EmittedAt       time.Time   `json:"emitted_at"`
}

func (m TraceMessage) Attr(name string) slog.Attr {
	return slog.Group(
		name,
		slog.String("source", m.Source.String()),
		slog.String("message", m.Message),
		slog.String("failure_type", m.FailureType),
		slog.Time("emitted_at", m.EmittedAt),
	)
}
