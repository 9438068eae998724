package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/faqbot/core/telegram/delivery"
	"github.com/m3rciful/faqbot/core/telegram/sender"
)

type fakeChannel struct {
	mu    sync.Mutex
	to    []string
	texts []string
	err   error
	block chan struct{}
}

func (f *fakeChannel) Send(_ context.Context, to tele.Recipient, msg delivery.Message) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = append(f.to, to.Recipient())
	f.texts = append(f.texts, msg.Text)
	return f.err
}

func TestEscalateDelivers(t *testing.T) {
	ch := &fakeChannel{}
	e := NewEmitter(ch, Options{Target: "@ops"})
	e.Escalate(context.Background(), Alert{
		Kind:     KindIngestion,
		ChatID:   42,
		Question: "How do I reset my password?",
		Err:      errors.New("ingestion status 500"),
	})
	e.Close()

	if len(ch.texts) != 1 || ch.to[0] != "@ops" {
		t.Fatalf("sent %v to %v", ch.texts, ch.to)
	}
	text := ch.texts[0]
	for _, want := range []string{
		"Ошибка при обращении к серверу: ingestion status 500",
		"kind: ingestion_failure",
		"incident: ",
		"chat: 42",
		"question: How do I reset my password?",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("alert text missing %q:\n%s", want, text)
		}
	}
	if s := e.Stats(); s.Queued != 1 || s.Sent != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestEscalateNeverBlocks(t *testing.T) {
	ch := &fakeChannel{block: make(chan struct{})}
	e := NewEmitter(ch, Options{Target: "-100123", Dispatcher: sender.Options{QueueSize: 1, Workers: 1}})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			e.Escalate(context.Background(), Alert{Kind: KindAnswerSource, Err: errors.New("down")})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Escalate blocked while the operator channel was stuck")
	}
	if e.Stats().Dropped == 0 {
		t.Fatalf("expected drops, stats = %+v", e.Stats())
	}
	close(ch.block)
	e.Close()
}

func TestEscalateCountsFailures(t *testing.T) {
	ch := &fakeChannel{err: delivery.ErrGaveUp}
	e := NewEmitter(ch, Options{Target: "123"})
	e.Escalate(context.Background(), Alert{Kind: KindPoll, Err: errors.New("timeout")})
	e.Close()
	if s := e.Stats(); s.Failed != 1 || s.Sent != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestEscalateWithoutTarget(t *testing.T) {
	ch := &fakeChannel{}
	e := NewEmitter(ch, Options{})
	e.Escalate(context.Background(), Alert{Kind: KindPanic})
	e.Close()
	if len(ch.texts) != 0 || e.Stats().Queued != 0 {
		t.Fatal("alert delivered without a target")
	}
}

func TestTargetValid(t *testing.T) {
	cases := map[Target]bool{"@ops": true, "-100123": true, "42": true, "@": false, "ops": false, "": false}
	for target, want := range cases {
		if got := target.Valid(); got != want {
			t.Errorf("%q.Valid() = %v", target, got)
		}
	}
}
