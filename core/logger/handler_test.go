package logger

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"log/slog"
)

func newTestHandler(buf *bytes.Buffer, format logFormat) (*structuredHandler, *asyncWriter) {
	aw := newAsyncWriter([]io.Writer{buf}, 1024)
	return newStructuredHandler(handlerConfig{
		level:    slog.LevelInfo,
		writer:   aw,
		format:   format,
		keyOrder: append([]string(nil), defaultKeyOrder...),
	}), aw
}

func drain(t *testing.T, aw *asyncWriter, buf *bytes.Buffer) string {
	t.Helper()
	if err := aw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return strings.TrimSpace(buf.String())
}

func TestStructuredHandlerKVOrder(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatKV)
	ctx := WithRID(context.Background(), "rid-123")
	ctx = WithUpdateMeta(ctx, 42, 7, 9)

	log := slog.New(handler).With("component", "conversation")
	LogEvent(ctx, log, slog.LevelInfo, "turn.done",
		slog.String("status", "ok"),
		slog.String("cause", "unit"),
	)

	line := drain(t, aw, buf)
	tokens := strings.Split(line, " ")
	expected := []string{"ts=", "level=INFO", "component=conversation", "event=turn.done", "status=ok", "rid=rid-123", "update_id=42", "user_id=7", "chat_id=9"}
	if len(tokens) < len(expected) {
		t.Fatalf("unexpected token count: %d (%s)", len(tokens), line)
	}
	for i, prefix := range expected {
		if !strings.HasPrefix(tokens[i], prefix) {
			t.Fatalf("token %d = %s, expected prefix %s", i, tokens[i], prefix)
		}
	}
}

func TestStructuredHandlerJSONOrder(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatJSON)
	ctx := WithRID(context.Background(), "rid-json")
	ctx = WithUpdateMeta(ctx, 11, 22, 33)

	log := slog.New(handler).With("component", "faq")
	LogEvent(ctx, log, slog.LevelError, "ask.fail",
		slog.String("status", "fail"),
		slog.String("err", "boom"),
		slog.String("err_code", "ANSWER_SOURCE_UNAVAILABLE"),
	)

	line := drain(t, aw, buf)
	if !strings.HasPrefix(line, "{") {
		t.Fatalf("expected JSON, got %s", line)
	}
	prefixes := []string{`{"ts":`, `"level":"ERROR"`, `"component":"faq"`, `"event":"ask.fail"`, `"status":"fail"`, `"rid":"rid-json"`, `"chat_id":33`}
	pos := -1
	for _, pref := range prefixes {
		idx := strings.Index(line, pref)
		if idx == -1 || idx < pos {
			t.Fatalf("prefix %s not found in order within %s", pref, line)
		}
		pos = idx
	}
}

func TestStructuredHandlerCompactRIDJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatJSON)
	rawRID := "12:34:56"
	ctx := WithRID(context.Background(), rawRID)
	LogEvent(ctx, slog.New(handler), slog.LevelInfo, "rid.test", slog.String("status", "ok"))

	line := drain(t, aw, buf)
	if !strings.Contains(line, `"rid":"`+CompactRID(rawRID)+`"`) {
		t.Fatalf("expected compact rid in JSON, got %s", line)
	}
	if !strings.Contains(line, `"rid_full":"`+rawRID+`"`) {
		t.Fatalf("expected rid_full in JSON output, got %s", line)
	}
	if !strings.Contains(line, `"component":"app"`) {
		t.Fatalf("expected default component, got %s", line)
	}
}

func TestStructuredHandlerDurationKeys(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatKV)
	LogEvent(context.Background(), slog.New(handler), slog.LevelInfo, "retry",
		slog.Duration("duration", 1500*time.Millisecond),
		slog.Duration("backoff", 2*time.Second),
		slog.Duration("retry_after_ms", 3*time.Second),
	)

	line := drain(t, aw, buf)
	for _, want := range []string{"duration_ms=1500", "backoff_ms=2000", "retry_after_ms=3000"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %s in %s", want, line)
		}
	}
}

func TestStructuredHandlerScrubsValues(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatKV)
	token := "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsawz"
	LogEvent(context.Background(), slog.New(handler), slog.LevelInfo, "send.fail",
		slog.String("err", "Post https://api.telegram.org/bot"+token+"/sendMessage: EOF"),
		slog.String("question", strings.Repeat("я", 300)),
	)

	line := drain(t, aw, buf)
	if strings.Contains(line, token) {
		t.Fatalf("token leaked: %s", line)
	}
	if !strings.Contains(line, "bot<token>") {
		t.Fatalf("token not masked: %s", line)
	}
	if strings.Count(line, "я") != userTextLimit {
		t.Fatalf("question not capped to %d runes: %s", userTextLimit, line)
	}
}

func TestStructuredHandlerLevelFilter(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatKV)
	log := slog.New(handler)
	log.Debug("hidden")
	log.Warn("shown")

	line := drain(t, aw, buf)
	if strings.Contains(line, "hidden") || !strings.Contains(line, "event=shown") {
		t.Fatalf("unexpected output %q", line)
	}
}

func TestRatioSampler(t *testing.T) {
	s := newRatioSampler(1, 3)
	got := []bool{s.Allow("a"), s.Allow("a"), s.Allow("a"), s.Allow("a")}
	want := []bool{true, false, false, true}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("allow #%d = %v, want %v", i, got[i], want[i])
		}
	}
	if !s.Allow("b") {
		t.Fatal("events must be counted separately")
	}

	s.Set(0, 0)
	if !s.Allow("a") {
		t.Fatal("disabled sampler must allow everything")
	}
}

func TestParseRatioSpec(t *testing.T) {
	cases := map[string][2]int{"1/10": {1, 10}, "20": {1, 20}, "": {0, 0}, "x/2": {0, 0}, "-5": {0, 0}}
	for spec, want := range cases {
		n, d := parseRatioSpec(spec)
		if n != want[0] || d != want[1] {
			t.Errorf("parseRatioSpec(%q) = %d/%d, want %d/%d", spec, n, d, want[0], want[1])
		}
	}
}

func TestSanitizeLimit(t *testing.T) {
	if got := SanitizeLimit("a\x00b​c\nd", 10); got != "abc\nd" {
		t.Fatalf("SanitizeLimit = %q", got)
	}
	if got := SanitizeLimit("привет", 3); got != "при" {
		t.Fatalf("SanitizeLimit rune cut = %q", got)
	}
}
