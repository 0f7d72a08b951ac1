package nblog

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestLogger(buf *bytes.Buffer) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(textFormatter{})
	l.SetOutput(buf)
	l.SetLevel(logrus.InfoLevel)
	return l
}

func TestTextFormatterRendersLevelAndTimestamp(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	l.WithField("peer", "1.2.3.4:9").Warn("resend budget exceeded")

	out := buf.String()
	if !strings.Contains(out, "[WARN]") {
		t.Errorf("output %q missing [WARN] tag", out)
	}
	if !regexp.MustCompile(`\[\d{2}:\d{2}:\d{2}\] \[WARN\]`).MatchString(out) {
		t.Errorf("output %q missing [HH:MM:SS] timestamp before the level tag", out)
	}
	if !strings.Contains(out, "resend budget exceeded") {
		t.Errorf("output %q missing message", out)
	}
	if !strings.Contains(out, "peer=1.2.3.4:9") {
		t.Errorf("output %q missing field rendering", out)
	}
}

func TestSuccessTagsLineDistinctFromInfo(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	Success(l, "handshake complete")

	out := buf.String()
	if !strings.Contains(out, "[SUCCESS]") {
		t.Errorf("output %q should be tagged SUCCESS, not plain INFO", out)
	}
	if strings.Contains(out, "success=true") {
		t.Errorf("output %q should not leak the internal success marker field", out)
	}
}

func TestWithConnScopesPeerField(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	WithConn(l, "10.0.0.1:7777").Info("keepalive sent")

	if !strings.Contains(buf.String(), "peer=10.0.0.1:7777") {
		t.Errorf("output %q missing scoped peer field", buf.String())
	}
}
