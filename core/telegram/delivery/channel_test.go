package delivery

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"
)

type fakeTransport struct {
	mu    sync.Mutex
	errs  []error
	calls int
	sent  []string
	opts  []interface{}
}

func (f *fakeTransport) Send(_ tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.opts = append(f.opts, opts...)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.sent = append(f.sent, what.(string))
	return &tele.Message{}, nil
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func newTestChannel(tr Transport, sl *sleepRecorder, attempts int) *Channel {
	return NewChannel(tr, Options{
		Name: "test",
		Policy: Policy{
			MaxAttempts: attempts,
			BaseDelay:   time.Second,
			MaxDelay:    5 * time.Second,
		},
		Sleep: sl.sleep,
	})
}

func transientErr() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

func TestSendSucceedsFirstTry(t *testing.T) {
	tr := &fakeTransport{}
	sl := &sleepRecorder{}
	ch := newTestChannel(tr, sl, 3)

	if err := ch.Send(context.Background(), tele.ChatID(1), Message{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if tr.calls != 1 || len(sl.waits) != 0 {
		t.Fatalf("calls=%d waits=%v", tr.calls, sl.waits)
	}
}

func TestSendFloodWaitIsNotCounted(t *testing.T) {
	tr := &fakeTransport{errs: []error{
		tele.FloodError{RetryAfter: 7},
		tele.FloodError{RetryAfter: 7},
		tele.FloodError{RetryAfter: 7},
		nil,
	}}
	sl := &sleepRecorder{}
	ch := newTestChannel(tr, sl, 1)

	if err := ch.Send(context.Background(), tele.ChatID(1), Message{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if tr.calls != 4 {
		t.Fatalf("calls = %d, want 4", tr.calls)
	}
	for _, w := range sl.waits {
		if w != 7*time.Second {
			t.Fatalf("wait = %v, want exactly retry_after", w)
		}
	}
	if len(sl.waits) != 3 {
		t.Fatalf("waits = %v", sl.waits)
	}
}

func TestSendTransientBackoffThenGiveUp(t *testing.T) {
	tr := &fakeTransport{errs: []error{transientErr(), transientErr(), transientErr(), transientErr()}}
	sl := &sleepRecorder{}
	ch := newTestChannel(tr, sl, 4)

	err := ch.Send(context.Background(), tele.ChatID(1), Message{Text: "hi"})
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("expected ErrGaveUp, got %v", err)
	}
	if !strings.Contains(err.Error(), "4 attempt(s)") {
		t.Fatalf("unexpected error text %q", err)
	}
	if tr.calls != 4 {
		t.Fatalf("calls = %d, want 4", tr.calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(sl.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", sl.waits, want)
	}
	for i := range want {
		if sl.waits[i] != want[i] {
			t.Fatalf("wait[%d] = %v, want %v", i, sl.waits[i], want[i])
		}
	}
}

func TestSendBackoffCapped(t *testing.T) {
	ch := newTestChannel(&fakeTransport{}, &sleepRecorder{}, 10)
	if got := ch.backoff(8); got != 5*time.Second {
		t.Fatalf("backoff(8) = %v, want cap", got)
	}
}

func TestSendPermanentStopsImmediately(t *testing.T) {
	tr := &fakeTransport{errs: []error{&tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}}}
	sl := &sleepRecorder{}
	ch := newTestChannel(tr, sl, 5)

	err := ch.Send(context.Background(), tele.ChatID(1), Message{Text: "hi"})
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("expected ErrGaveUp, got %v", err)
	}
	if tr.calls != 1 || len(sl.waits) != 0 {
		t.Fatalf("calls=%d waits=%v", tr.calls, sl.waits)
	}
}

func TestSendRecoversAfterServerError(t *testing.T) {
	tr := &fakeTransport{errs: []error{&tele.Error{Code: 502, Description: "Bad Gateway"}, nil}}
	sl := &sleepRecorder{}
	ch := newTestChannel(tr, sl, 3)

	if err := ch.Send(context.Background(), tele.ChatID(1), Message{Text: "again"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if tr.calls != 2 || len(tr.sent) != 1 || tr.sent[0] != "again" {
		t.Fatalf("calls=%d sent=%v", tr.calls, tr.sent)
	}
}

func TestSendCancelledContextStopsFloodWait(t *testing.T) {
	tr := &fakeTransport{errs: []error{tele.FloodError{RetryAfter: 30}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := NewChannel(tr, Options{Policy: Policy{MaxAttempts: 3}})

	err := ch.Send(ctx, tele.ChatID(1), Message{Text: "hi"})
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("expected ErrGaveUp, got %v", err)
	}
}

func TestSendAttachesMenu(t *testing.T) {
	tr := &fakeTransport{}
	ch := newTestChannel(tr, &sleepRecorder{}, 1)

	msg := Message{Text: "pick", Menu: [][]string{{"a"}, {"b"}}}
	if err := ch.Send(context.Background(), tele.ChatID(1), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	opts, ok := tr.opts[0].(*tele.SendOptions)
	if !ok || opts.ReplyMarkup == nil || len(opts.ReplyMarkup.ReplyKeyboard) != 2 {
		t.Fatalf("expected two-row keyboard, got %+v", tr.opts)
	}
}

func TestClassifyError(t *testing.T) {
	cases := map[string]error{
		"dial":         transientErr(),
		"rate_limited": tele.FloodError{RetryAfter: 1},
		"http_4xx":     &tele.Error{Code: 400, Description: "Bad Request"},
		"http_5xx":     errors.New("telegram: internal (500)"),
		"timeout":      context.DeadlineExceeded,
		"unknown":      errors.New("boom"),
	}
	for want, err := range cases {
		if got := ClassifyError(err); got != want {
			t.Errorf("ClassifyError(%s) = %q", want, got)
		}
	}
}

func TestSanitizeErrorRedactsToken(t *testing.T) {
	err := errors.New(`Post "https://api.telegram.org/bot123:ABC-def/sendMessage": dial tcp`)
	if got := SanitizeError(err); strings.Contains(got, "ABC-def") {
		t.Fatalf("token leaked: %s", got)
	}
}
