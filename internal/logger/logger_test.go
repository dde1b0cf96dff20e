package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func jsonLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New(Config{
		Level:  level,
		Pretty: false,
		Output: &buf,
	})
	return l, &buf
}

func TestNew_ComponentField(t *testing.T) {
	l, buf := jsonLogger(InfoLevel)

	l.WithComponent("frontier").Info("ready")

	if !strings.Contains(buf.String(), "frontier") {
		t.Errorf("output should contain component: %s", buf.String())
	}
}

func TestNew_NilOutputDefaultsToStderr(t *testing.T) {
	l := New(Config{Level: ErrorLevel})
	if l == nil {
		t.Fatal("New() returned nil")
	}
	// Must not panic when writing.
	l.Error("to stderr")
}

func TestLogger_JSONOutput(t *testing.T) {
	l, buf := jsonLogger(InfoLevel)

	l.Info("json test")

	var data map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &data); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if data["message"] != "json test" {
		t.Errorf("message = %v, want 'json test'", data["message"])
	}
	if data["level"] != "info" {
		t.Errorf("level = %v, want 'info'", data["level"])
	}
	if _, ok := data["time"]; !ok {
		t.Error("output should carry a timestamp")
	}
}

func TestLogger_FieldHelpers(t *testing.T) {
	tests := []struct {
		name  string
		with  func(*Logger) *Logger
		wants []string
	}{
		{"url", func(l *Logger) *Logger { return l.WithURL("https://example.com/x") }, []string{`"url"`, "https://example.com/x"}},
		{"host", func(l *Logger) *Logger { return l.WithHost("example.com") }, []string{`"host"`, "example.com"}},
		{"worker", func(l *Logger) *Logger { return l.WithWorker(42) }, []string{`"worker_id"`, "42"}},
		{"depth", func(l *Logger) *Logger { return l.WithDepth(3) }, []string{`"depth"`, "3"}},
		{"field", func(l *Logger) *Logger { return l.WithField("k", "v") }, []string{`"k"`, `"v"`}},
		{"fields", func(l *Logger) *Logger {
			return l.WithFields(map[string]interface{}{"a": 1, "b": "two"})
		}, []string{`"a"`, `"b"`, "two"}},
		{"duration", func(l *Logger) *Logger { return l.WithDuration(time.Second) }, []string{`"duration"`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, buf := jsonLogger(InfoLevel)
			tt.with(l).Info("msg")
			for _, want := range tt.wants {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q: %s", want, buf.String())
				}
			}
		})
	}
}

func TestLogger_WithErrorNil(t *testing.T) {
	l, _ := jsonLogger(InfoLevel)
	// A nil error must not panic.
	l.WithError(nil).Info("no error")
}

func TestLogger_ChainedContexts(t *testing.T) {
	l, buf := jsonLogger(InfoLevel)

	l.WithComponent("engine").WithWorker(1).WithURL("https://example.com").Info("chained")

	out := buf.String()
	for _, want := range []string{"engine", "worker_id", "https://example.com"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	l, buf := jsonLogger(WarnLevel)

	l.Debug("quiet-debug")
	l.Info("quiet-info")
	l.Warn("loud-warn")
	l.Error("loud-error")

	out := buf.String()
	if strings.Contains(out, "quiet-debug") || strings.Contains(out, "quiet-info") {
		t.Errorf("below-level messages should be filtered: %s", out)
	}
	if !strings.Contains(out, "loud-warn") || !strings.Contains(out, "loud-error") {
		t.Errorf("at-level messages should be present: %s", out)
	}
}

func TestLogger_Formatted(t *testing.T) {
	l, buf := jsonLogger(DebugLevel)

	l.Debugf("d %d", 1)
	l.Infof("i %s", "x")
	l.Warnf("w %d", 2)
	l.Errorf("e %s", "y")

	out := buf.String()
	for _, want := range []string{"d 1", "i x", "w 2", "e y"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestLogger_SetLevel(t *testing.T) {
	l, buf := jsonLogger(DebugLevel)

	l.Debug("before")
	l.SetLevel(ErrorLevel)
	l.Debug("after")

	if !strings.Contains(buf.String(), "before") {
		t.Error("debug before SetLevel should appear")
	}
	if strings.Contains(buf.String(), "after") {
		t.Error("debug after SetLevel should be filtered")
	}
}

func TestLogger_FetchEvent(t *testing.T) {
	l, buf := jsonLogger(InfoLevel)

	l.FetchEvent("https://example.com", 2, 200, 100*time.Millisecond)

	out := buf.String()
	for _, want := range []string{"https://example.com", "200", "Fetched", `"depth":2`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestLogger_RetryEvent(t *testing.T) {
	l, buf := jsonLogger(WarnLevel)

	l.RetryEvent("https://example.com/flaky", 2, 500*time.Millisecond, nil)

	out := buf.String()
	for _, want := range []string{"https://example.com/flaky", "attempt", "Retrying"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestLogger_RobotsEvent(t *testing.T) {
	l, buf := jsonLogger(DebugLevel)

	l.RobotsEvent("example.com", "fetched", 2*time.Second)

	out := buf.String()
	for _, want := range []string{"example.com", "fetched", "crawl_delay"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestLogger_RobotsEvent_NoDelay(t *testing.T) {
	l, buf := jsonLogger(DebugLevel)

	l.RobotsEvent("example.com", "unavailable", 0)

	if strings.Contains(buf.String(), "crawl_delay") {
		t.Errorf("output should omit crawl_delay when zero: %s", buf.String())
	}
}

func TestLogger_StatsEvent(t *testing.T) {
	l, buf := jsonLogger(InfoLevel)

	l.StatsEvent(map[string]interface{}{
		"pages_crawled": 100,
		"errors":        5,
	})

	if !strings.Contains(buf.String(), "pages_crawled") {
		t.Errorf("output should contain pages_crawled: %s", buf.String())
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	if l == nil {
		t.Fatal("Nop() returned nil")
	}
	// Must not panic and must not write anywhere.
	l.Info("discarded")
	l.WithURL("https://example.com").Error("also discarded")
}
