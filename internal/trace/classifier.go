// Package trace turns the output of a normalization process into log lines
// and diagnostic records.
//
// Each line is tried against three vocabularies, first match wins:
//
//  1. protocol TRACE message of type ERROR, swallowed (not logged)
//  2. dbt JSON log line with "level": "error"
//  3. dbt text log line tagged "[error]", contiguous lines form one record
//
// Anything else is only logged. A line failing to decode in one vocabulary
// simply falls through to the next one.
package trace

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/CZERTAINLY/normalizer/internal/model"
)

// Line is the outcome of classifying a single line of output.
type Line struct {
	// Forward is true when the raw line belongs to the log sink.
	Forward bool
	// Records completed by this line, in emission order.
	Records []model.TraceMessage
}

// Classifier keeps the state of a single output stream. It is not safe for
// concurrent use, every stream gets its own instance.
type Classifier struct {
	now     func() time.Time
	pending []string
	started time.Time
}

func NewClassifier() *Classifier {
	return &Classifier{now: time.Now}
}

// WithClock replaces the clock used to stamp dbt records.
func (c *Classifier) WithClock(now func() time.Time) *Classifier {
	c.now = now
	return c
}

// Classify consumes one line without its terminator.
func (c *Classifier) Classify(line string) Line {
	if rec, ok := decodeProtocolError(line, c.now); ok {
		return Line{Forward: false, Records: c.flush(rec)}
	}

	if rec, ok := decodeDbtJSONError(line, c.now); ok {
		return Line{Forward: true, Records: c.flush(rec)}
	}

	if text, ok := dbtErrorText(line); ok {
		if len(c.pending) == 0 {
			c.started = c.now()
		}
		c.pending = append(c.pending, text)
		return Line{Forward: true}
	}

	return Line{Forward: true, Records: c.flush()}
}

// Flush returns the dbt error block still being accumulated, if any. It must
// be called once the stream reached EOF.
func (c *Classifier) Flush() []model.TraceMessage {
	return c.flush()
}

// flush closes a pending dbt text block, which always precedes next.
func (c *Classifier) flush(next ...model.TraceMessage) []model.TraceMessage {
	if len(c.pending) == 0 {
		if len(next) == 0 {
			return nil
		}
		return next
	}
	out := make([]model.TraceMessage, 0, 1+len(next))
	out = append(out, dbtTextRecord(c.pending, c.started))
	out = append(out, next...)
	c.pending = nil
	return out
}

type envelope struct {
	Type  string     `json:"type"`
	Trace *traceBody `json:"trace"`
}

type traceBody struct {
	Type      string     `json:"type"`
	EmittedAt float64    `json:"emitted_at"`
	Error     *errorBody `json:"error"`
}

type errorBody struct {
	Message         string `json:"message"`
	InternalMessage string `json:"internal_message"`
	StackTrace      string `json:"stack_trace"`
	FailureType     string `json:"failure_type"`
}

func decodeProtocolError(line string, now func() time.Time) (model.TraceMessage, bool) {
	var zero model.TraceMessage
	if !looksLikeJSON(line) {
		return zero, false
	}
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return zero, false
	}
	if env.Type != "TRACE" || env.Trace == nil || env.Trace.Type != "ERROR" || env.Trace.Error == nil {
		return zero, false
	}
	return model.TraceMessage{
		Source:          model.SourceProtocol,
		Message:         env.Trace.Error.Message,
		InternalMessage: env.Trace.Error.InternalMessage,
		StackTrace:      env.Trace.Error.StackTrace,
		FailureType:     env.Trace.Error.FailureType,
		EmittedAt:       epochSeconds(env.Trace.EmittedAt, now),
	}, true
}

type dbtLogLine struct {
	Level    string       `json:"level"`
	Msg      string       `json:"msg"`
	Code     string       `json:"code"`
	TS       string       `json:"ts"`
	NodeInfo *dbtNodeInfo `json:"node_info"`
}

type dbtNodeInfo struct {
	NodePath string `json:"node_path"`
	UniqueID string `json:"unique_id"`
}

func decodeDbtJSONError(line string, now func() time.Time) (model.TraceMessage, bool) {
	var zero model.TraceMessage
	if !looksLikeJSON(line) {
		return zero, false
	}
	var l dbtLogLine
	if err := json.Unmarshal([]byte(line), &l); err != nil {
		return zero, false
	}
	if l.Level != "error" {
		return zero, false
	}

	var internal []string
	if l.Code != "" {
		internal = append(internal, "dbt code "+l.Code)
	}
	if l.NodeInfo != nil {
		if l.NodeInfo.UniqueID != "" {
			internal = append(internal, "node "+l.NodeInfo.UniqueID)
		}
		if l.NodeInfo.NodePath != "" {
			internal = append(internal, "path "+l.NodeInfo.NodePath)
		}
	}

	emitted, err := time.Parse(time.RFC3339Nano, l.TS)
	if err != nil {
		emitted = now()
	}

	return model.TraceMessage{
		Source:          model.SourceDbtJSON,
		Message:         stripANSI(l.Msg),
		InternalMessage: strings.Join(internal, ", "),
		FailureType:     model.FailureSystem,
		EmittedAt:       emitted.UTC(),
	}, true
}

// [error] [MainThread]: Database Error in model xyz
var reDbtError = regexp.MustCompile(`^\s*\[error\s*\]\s*(?:\[[^\]]*\]:?)?\s?(.*)$`)

func dbtErrorText(line string) (string, bool) {
	m := reDbtError.FindStringSubmatch(stripANSI(line))
	if m == nil {
		return "", false
	}
	return strings.TrimRight(m[1], " \t"), true
}

func dbtTextRecord(lines []string, started time.Time) model.TraceMessage {
	var message string
	trimmed := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if message == "" {
			message = l
		}
		trimmed = append(trimmed, l)
	}
	if message == "" {
		message = "dbt reported an error"
	}
	return model.TraceMessage{
		Source:          model.SourceDbtText,
		Message:         message,
		InternalMessage: strings.Join(trimmed, "\n"),
		FailureType:     model.FailureSystem,
		EmittedAt:       started.UTC(),
	}
}

var reANSI = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return reANSI.ReplaceAllString(s, "")
}

func looksLikeJSON(line string) bool {
	b := bytes.TrimSpace([]byte(line))
	return len(b) >= 2 && b[0] == '{' && b[len(b)-1] == '}'
}

// Years 0 through 9999, the range time.Time.MarshalJSON accepts.
const (
	minEpochSeconds = -62167219200
	maxEpochSeconds = 253402300799
)

// epochSeconds converts a protocol timestamp. Values out of the range above
// are replaced by the time of reading.
func epochSeconds(f float64, now func() time.Time) time.Time {
	if math.IsNaN(f) || f < minEpochSeconds || f > maxEpochSeconds {
		return now().UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}
