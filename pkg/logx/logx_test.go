package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLoggerWithCarriesFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	log.Info("tick done", Int("published", 2), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["comp"] != "dispatch" {
		t.Fatalf("comp = %v, want dispatch", m["comp"])
	}
	if m["published"] != float64(2) {
		t.Fatalf("published = %v, want 2", m["published"])
	}
	if m["message"] != "tick done" {
		t.Fatalf("message = %v, want tick done", m["message"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q, want logx_test.go:*", c)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatalf("Enabled(debug) = true at warn level")
	}
	var zero Logger
	zero.Error("dropped")
	if !zero.IsZero() {
		t.Fatalf("zero logger IsZero = false")
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()

	line := []byte(`{"level":"warn","time":"x","message":"late publish","job":"j1","dest":"main"}` + "\n")
	got := formatChatLine(line)
	want := "[WARN] late publish\n- dest=main\n- job=j1"
	if got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}

	raw := formatChatLine([]byte("  not json  "))
	if raw != "not json" {
		t.Fatalf("formatChatLine(raw) = %q, want %q", raw, "not json")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

type chatRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *chatRecorder) SendPlain(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *chatRecorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestChatMirrorsWarnings(t *testing.T) {
	svc, log := New(Config{Level: "debug", Chat: ChatConfig{Enabled: true, ChatID: 5, MinLevel: "warn", RatePerSec: 10}})
	defer svc.Close()
	rec := &chatRecorder{}
	svc.SetSender(rec)

	log.Info("quiet")
	log.Warn("publish failed", Job("j1"))

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got := rec.sent()
	if len(got) != 1 {
		t.Fatalf("sent %d chat lines, want 1: %q", len(got), got)
	}
	if !strings.HasPrefix(got[0], "[WARN] publish failed") || !strings.Contains(got[0], "- job=j1") {
		t.Fatalf("chat line = %q", got[0])
	}
}
