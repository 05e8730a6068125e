package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO")

	Debug("hidden")
	Info("shown", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "key=value")
	assert.Contains(t, out, "[INFO]")
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO")

	SetLevel("DEBUG")
	Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")

	buf.Reset()
	SetLevel("ERROR")
	Warn("suppressed")
	Error("kept")
	assert.NotContains(t, buf.String(), "suppressed")
	assert.Contains(t, buf.String(), "kept")
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO")

	child := With("component", "sweeper")
	child.Info("tick")
	assert.Contains(t, buf.String(), "component=sweeper")
}

func TestTextHandlerAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := NewTextHandler(&buf, nil, false)
	l := slog.New(h.WithAttrs([]slog.Attr{slog.String("code", "ABC123")}))

	l.Info("session created", "clients", 2)

	line := buf.String()
	assert.True(t, strings.HasSuffix(strings.TrimSpace(line), "code=ABC123 clients=2"), "got %q", line)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
