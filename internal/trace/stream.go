package trace

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/CZERTAINLY/normalizer/internal/model"
)

// LineFunc receives a line which should be logged.
type LineFunc func(line string)

// RecordFunc receives a completed diagnostic record.
type RecordFunc func(rec model.TraceMessage)

// Scan reads r until EOF, classifying line by line. A final line without
// a terminator is classified too. Bytes which are not valid UTF-8 are
// replaced by U+FFFD. The returned error is the read error, never a
// classification problem.
func Scan(r io.Reader, c *Classifier, onLine LineFunc, onRecord RecordFunc) error {
	br := bufio.NewReader(r)
	emit := func(recs []model.TraceMessage) {
		if onRecord == nil {
			return
		}
		for _, rec := range recs {
			onRecord(rec)
		}
	}

	for {
		raw, err := br.ReadString('\n')
		if len(raw) > 0 {
			line := normalizeLine(raw)
			res := c.Classify(line)
			if res.Forward && onLine != nil {
				onLine(line)
			}
			emit(res.Records)
		}
		if err != nil {
			emit(c.Flush())
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func normalizeLine(raw string) string {
	line := strings.TrimSuffix(raw, "\n")
	line = strings.TrimSuffix(line, "\r")
	if !utf8.ValidString(line) {
		line = strings.ToValidUTF8(line, string(utf8.RuneError))
	}
	return line
}
