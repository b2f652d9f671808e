package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func prettyOut(t *testing.T, level slog.Level, fn func(l *slog.Logger)) string {
	t.Helper()
	var buf bytes.Buffer
	fn(slog.New(NewPrettyHandler(&buf, level, false)))
	return buf.String()
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("dropped")
	log.Debug("dropped")
	if buf.Len() > 0 {
		t.Fatalf("expected no output below warn, got: %s", buf.String())
	}
	log.With("stage", 2).Warn("blend stage slow")
	out := buf.String()
	if !strings.Contains(out, `"stage":2`) || !strings.Contains(out, `"level":"WARN"`) {
		t.Fatalf("unexpected JSON output: %s", out)
	}
}

func TestForFormat(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log, err := ForFormat("JSON", &buf, slog.LevelInfo)
	if err != nil {
		t.Fatalf("ForFormat(json): %v", err)
	}
	log.Info("blend stage", "stage", 1)
	if !strings.Contains(buf.String(), `"stage":1`) {
		t.Fatalf("expected JSON attrs, got: %s", buf.String())
	}

	buf.Reset()
	log, err = ForFormat("text", &buf, slog.LevelInfo)
	if err != nil {
		t.Fatalf("ForFormat(text): %v", err)
	}
	log.Info("hello", "steps", 10)
	if !strings.Contains(buf.String(), "steps=10") {
		t.Fatalf("expected text attrs, got: %s", buf.String())
	}

	if _, err := ForFormat("pretty", &buf, slog.LevelInfo); err != nil {
		t.Fatalf("ForFormat(pretty): %v", err)
	}
	if _, err := ForFormat("xml", &buf, slog.LevelInfo); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).WithGroup("ddim").Info("step", "t", 981)
	if !strings.Contains(buf.String(), `"ddim":{"t":981}`) {
		t.Fatalf("expected grouped attr via context logger, got: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger returned nil")
	}
	Discard().With("k", "v").Error("dropped")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{" Warn ", slog.LevelWarn},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestPrettyLine(t *testing.T) {
	t.Parallel()
	out := prettyOut(t, slog.LevelInfo, func(l *slog.Logger) {
		l.Info("generation finished",
			"shape", []int{2, 4, 64, 64},
			"elapsed", 1234567*time.Microsecond,
			"guidance", 7.5,
			"prompt", "a cat, watercolor",
			"err", errors.New("boom"),
		)
	})
	for _, want := range []string{
		"INFO  generation finished",
		"shape=2x4x64x64",
		"elapsed=1.23s",
		"guidance=7.5",
		`prompt="a cat, watercolor"`,
		"err=boom",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got: %s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Fatalf("colour codes written with colour disabled: %q", out)
	}
	if !strings.HasSuffix(out, "\n") || strings.Count(out, "\n") != 1 {
		t.Fatalf("expected exactly one line, got: %q", out)
	}
}

func TestPrettyLevels(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, slog.LevelWarn, false)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info to be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error to be enabled at warn level")
	}
	out := prettyOut(t, slog.LevelDebug, func(l *slog.Logger) { l.Debug("style stages registered") })
	if !strings.Contains(out, "DEBUG style stages registered") {
		t.Fatalf("expected debug line, got: %s", out)
	}
	if NewPrettyHandler(&bytes.Buffer{}, nil, false).Enabled(context.Background(), slog.LevelDebug) {
		t.Error("nil level should default to info")
	}
}

func TestPrettyGroups(t *testing.T) {
	t.Parallel()
	out := prettyOut(t, slog.LevelInfo, func(l *slog.Logger) {
		l.With("job", "job_1").WithGroup("stage").WithGroup("ddim").
			Info("step", "t", 981, slog.Group("latent", "std", 1.0))
	})
	for _, want := range []string{"job=job_1", "stage.ddim.t=981", "stage.ddim.latent.std=1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got: %s", want, out)
		}
	}
	if strings.Contains(out, "stage.ddim.job") {
		t.Fatalf("attrs added before the group were qualified: %s", out)
	}

	h := NewPrettyHandler(&bytes.Buffer{}, nil, false)
	if h.WithGroup("") != h {
		t.Fatal("WithGroup(\"\") should return the same handler")
	}
}

func TestPrettyColour(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	slog.New(NewPrettyHandler(&buf, slog.LevelInfo, true)).Error("decode failed")
	if !strings.Contains(buf.String(), colorRed) || !strings.Contains(buf.String(), colorReset) {
		t.Fatalf("expected colour codes, got: %q", buf.String())
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  bool
	}{
		{"simple", false},
		{"has space", true},
		{"has\ttab", true},
		{"has\nnewline", true},
		{`has"quote`, true},
		{"k=v", true},
		{"", true},
		{"fp16", false},
	}
	for _, tc := range tests {
		if got := needsQuoting(tc.input); got != tc.want {
			t.Errorf("needsQuoting(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}
