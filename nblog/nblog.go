// Package nblog is the engine's logging facade. It reproduces the level
// names and colorized "[HH:MM:SS] [LEVEL] message" text layout of
// pkg/logger/logger.go on top of logrus, injected as a logrus.FieldLogger
// rather than a package-global so an embedding host can supply its own
// logger or redirect output.
package nblog

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

const (
	colorReset  = "\x1b[0m"
	colorRed    = "\x1b[31m"
	colorGreen  = "\x1b[32m"
	colorYellow = "\x1b[33m"
	colorBlue   = "\x1b[34m"
	colorCyan   = "\x1b[36m"
)

// textFormatter renders a logrus.Entry as pkg/logger/logger.go did:
// "[HH:MM:SS] [LEVEL] message key=value ...", colored by level, rather than
// logrus's own quoted key="value" layout.
type textFormatter struct{}

func (textFormatter) Format(e *logrus.Entry) ([]byte, error) {
	tag, color := levelTag(e)
	var buf bytes.Buffer
	buf.WriteString(color)
	fmt.Fprintf(&buf, "[%s] [%s] ", e.Time.Format("15:04:05"), tag)
	buf.WriteString(e.Message)
	buf.WriteString(colorReset)

	if len(e.Data) > 0 {
		keys := make([]string, 0, len(e.Data))
		for k := range e.Data {
			if k == successField {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&buf, " %s=%v", k, e.Data[k])
		}
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// successField marks an entry logged via Success so the formatter tags it
// SUCCESS/green instead of INFO/blue, without logrus's fixed level set.
const successField = "success"

func levelTag(e *logrus.Entry) (tag, color string) {
	if _, ok := e.Data[successField]; ok {
		return "SUCCESS", colorGreen
	}
	switch e.Level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return "DEBUG", colorCyan
	case logrus.WarnLevel:
		return "WARN", colorYellow
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return "ERROR", colorRed
	default:
		return "INFO", colorBlue
	}
}

// New returns a logrus.FieldLogger preconfigured with the engine's default
// text formatting: colored, timestamped, full precision disabled so output
// stays legible at a terminal.
func New() logrus.FieldLogger {
	l := logrus.New()
	l.SetFormatter(textFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Discard returns a logrus.FieldLogger that drops everything, for tests and
// embeddings that want the engine silent by default.
func Discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Fields mirrors logrus.Fields, re-exported so callers building up
// connection/peer-scoped log lines don't need their own import of logrus
// just for the field map type.
type Fields = logrus.Fields

// WithConn returns a logger entry scoped to one peer, the way the engine
// tags every connection-lifecycle and resend log line.
func WithConn(log logrus.FieldLogger, peer string) *logrus.Entry {
	return log.WithField("peer", peer)
}

// Success logs msg at info level, tagged so textFormatter renders it as a
// green SUCCESS line rather than a plain INFO one — the engine's way of
// calling out a completed handshake or accepted connection distinctly from
// routine informational logging.
func Success(log logrus.FieldLogger, msg string, args ...interface{}) {
	log.WithField(successField, true).Info(fmt.Sprintf(msg, args...))
}
