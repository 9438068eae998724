package app

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	coreconfig "github.com/m3rciful/faqbot/core/config"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (r *recordingTransport) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = map[string][]string{}
	}
	r.sent[to.Recipient()] = append(r.sent[to.Recipient()], what.(string))
	return &tele.Message{}, nil
}

func (r *recordingTransport) to(chat string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent[chat]...)
}

func newTestApp(t *testing.T, faqHandler http.HandlerFunc) (*App, *recordingTransport) {
	t.Helper()
	srv := httptest.NewServer(faqHandler)
	t.Cleanup(srv.Close)

	cfg := &coreconfig.Config{
		Telegram: coreconfig.TelegramConfig{Token: "123:abc", AdminID: 1},
		FAQ: coreconfig.FAQConfig{
			AskURL:    srv.URL + "/ask_question",
			IngestURL: srv.URL + "/uk/",
		},
		Alerts:   coreconfig.AlertsConfig{Target: "-100500"},
		Feedback: coreconfig.FeedbackConfig{File: filepath.Join(t.TempDir(), "feedback.txt"), DelayMS: 60_000},
	}
	if err := coreconfig.Normalize(cfg); err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	bot, err := tele.NewBot(tele.Settings{Offline: true, Synchronous: true})
	if err != nil {
		t.Fatalf("NewBot: %v", err)
	}
	tr := &recordingTransport{}
	a, err := assemble(cfg, components{bot: bot, transport: tr})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return a, tr
}

func message(t *testing.T, a *App, userID int64, text string) tele.Context {
	t.Helper()
	return a.bot.NewContext(tele.Update{
		ID: 1,
		Message: &tele.Message{
			Text:   text,
			Sender: &tele.User{ID: userID, Username: "alice"},
			Chat:   &tele.Chat{ID: userID, Type: tele.ChatPrivate},
		},
	})
}

func TestTextIsAnsweredThroughMailbox(t *testing.T) {
	a, tr := newTestApp(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"answer":"Click forgot password"}`)
	})

	if err := a.registry.TextFallback()(message(t, a, 77, "How do I reset my password?")); err != nil {
		t.Fatalf("text handler: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := tr.to("77"); len(got) != 1 || got[0] != "Click forgot password" {
		t.Fatalf("sent = %v", got)
	}
}

func TestAnswerSourceFailureAlertsOperator(t *testing.T) {
	a, tr := newTestApp(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"unexpected":true}`)
	})

	_ = a.registry.TextFallback()(message(t, a, 77, "Where is my order?"))
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := tr.to("77"); len(got) != 0 {
		t.Fatalf("user got %v", got)
	}
	alerts := tr.to("-100500")
	if len(alerts) != 1 {
		t.Fatalf("operator messages = %v", alerts)
	}
	if !strings.Contains(alerts[0], "Where is my order?") || !strings.HasPrefix(alerts[0], "Ошибка при обращении к серверу:") {
		t.Fatalf("alert = %q", alerts[0])
	}
}

func TestStatsIsAdminOnly(t *testing.T) {
	a, tr := newTestApp(t, func(w http.ResponseWriter, _ *http.Request) {})
	routes := a.runOptions().Routes

	var stats tele.HandlerFunc
	for _, r := range routes {
		if r.Endpoint == "/stats" {
			stats = r.Handler
		}
	}
	if stats == nil {
		t.Fatal("no /stats route")
	}

	_ = stats(message(t, a, 5, "/stats"))
	_ = stats(message(t, a, 1, "/stats"))
	_ = a.Close()

	if got := tr.to("5"); len(got) != 0 {
		t.Fatalf("non-admin got %v", got)
	}
	got := tr.to("1")
	if len(got) != 1 || !strings.Contains(got[0], "sessions:") {
		t.Fatalf("admin got %v", got)
	}
}

func TestStartGreets(t *testing.T) {
	a, tr := newTestApp(t, func(w http.ResponseWriter, _ *http.Request) {})
	start, ok := a.registry.Command("/start")
	if !ok {
		t.Fatal("/start not registered")
	}
	_ = start.Handler(message(t, a, 9, "/start"))
	_ = a.Close()

	if got := tr.to("9"); len(got) != 1 || got[0] != a.texts.Greeting {
		t.Fatalf("sent = %v", got)
	}
}

func TestInvalidAlertTarget(t *testing.T) {
	cfg := &coreconfig.Config{Alerts: coreconfig.AlertsConfig{Target: "not a chat"}}
	bot, _ := tele.NewBot(tele.Settings{Offline: true})
	if _, err := assemble(cfg, components{bot: bot}); err == nil {
		t.Fatal("expected error for invalid target")
	}
}

func TestSnapshot(t *testing.T) {
	a, _ := newTestApp(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"possible_answers":[{"topic":"A","topic_id":1,"answer":"a"}]}`)
	})
	_ = a.registry.TextFallback()(message(t, a, 3, "q"))

	deadline := time.Now().Add(2 * time.Second)
	for a.mailbox.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s := a.Snapshot()
	_ = a.Close()

	if s.Sessions != 1 || s.AwaitingMenu != 1 || s.PendingPrompts != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestRunOptionsCarryMiddlewares(t *testing.T) {
	a, _ := newTestApp(t, func(w http.ResponseWriter, _ *http.Request) {})
	defer a.Close()
	opts, err := a.TelegramRunOptions()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Bot != a.bot || opts.Guard != a.guard || opts.Registry != a.registry {
		t.Fatal("run options do not carry app components")
	}
	if len(opts.Middlewares) < 2 || opts.Middlewares[0].Name != "recover" {
		t.Fatalf("middlewares = %+v", opts.Middlewares)
	}
}
