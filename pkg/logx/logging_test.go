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
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "auth"))
	log.Warn("login failed", Int("attempt", 2), Duration("wait", 4*time.Second), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if m["message"] != "login failed" || m["level"] != "warn" || m["comp"] != "auth" {
		t.Fatalf("unexpected record: %v", m)
	}
	if m["attempt"] != float64(2) {
		t.Fatalf("attempt=%v", m["attempt"])
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("error missing: %s", buf.String())
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller=%q", c)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("below-level records written: %s", buf.String())
	}
	if log.Enabled(LevelInfo) || !log.Enabled(LevelError) {
		t.Fatalf("Enabled disagrees with level")
	}
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero logger not reported as zero")
	}
	zero.Error("dropped", String("k", "v"))
	Nop().With(Bool("x", true)).Error("dropped")
	if Nop().IsZero() {
		t.Fatalf("Nop reported as zero")
	}
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	chat []int64
}

func (f *fakeSender) SendText(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.chat = append(f.chat, chatID)
	return nil
}

func (f *fakeSender) snapshot() ([]string, []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), append([]int64(nil), f.chat...)
}

func TestTelegramAlertsRespectMinLevel(t *testing.T) {
	sender := &fakeSender{}
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, ChatID: 42, MinLevel: "warn", RatePerSec: 10},
	}, sender)
	defer svc.Close()

	log.Info("routine")
	log.With(String("comp", "fleet")).Error("worker crashed", String("worker", "message:ops:abc"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		sent, chats := sender.snapshot()
		if len(sent) == 1 {
			if chats[0] != 42 {
				t.Fatalf("chat=%d", chats[0])
			}
			if !strings.HasPrefix(sent[0], "[ERROR] worker crashed") || !strings.Contains(sent[0], "- worker=message:ops:abc") {
				t.Fatalf("alert=%q", sent[0])
			}
			break
		}
		if len(sent) > 1 || time.Now().After(deadline) {
			t.Fatalf("sent=%v", sent)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	got := formatAlert([]byte(`{"level":"warn","message":"login failed","time":"x","b":"2","a":1}`))
	want := "[WARN] login failed\n- a=1\n- b=2"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := formatAlert([]byte("not json")); got != "not json" {
		t.Fatalf("raw passthrough=%q", got)
	}
	if got := truncate(strings.Repeat("x", 50), 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate=%q", got)
	}
}
