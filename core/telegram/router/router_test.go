package router

import (
	"testing"

	tele "gopkg.in/telebot.v4"

	tg "github.com/m3rciful/faqbot/core/telegram"
	"github.com/m3rciful/faqbot/core/telegram/commands"
)

func newContext(t *testing.T, userID int64, text string) tele.Context {
	t.Helper()
	bot, err := tele.NewBot(tele.Settings{Offline: true, Synchronous: true})
	if err != nil {
		t.Fatalf("NewBot: %v", err)
	}
	return bot.NewContext(tele.Update{
		ID: 1,
		Message: &tele.Message{
			Text:   text,
			Sender: &tele.User{ID: userID},
			Chat:   &tele.Chat{ID: userID, Type: tele.ChatPrivate},
		},
	})
}

type calls struct {
	start, stats, text int
}

func newRegistry(c *calls) *tg.Registry {
	reg := tg.NewRegistry()
	reg.RegisterCommand("/start", commands.Command{
		Handler:     func(tele.Context) error { c.start++; return nil },
		Description: "start",
		Aliases:     []string{"begin"},
	})
	reg.RegisterCommand("/stats", commands.Command{
		Handler:     func(tele.Context) error { c.stats++; return nil },
		Description: "stats",
		AdminOnly:   true,
	})
	reg.SetTextFallback(func(tele.Context) error { c.text++; return nil })
	return reg
}

func textHandler(t *testing.T, reg *tg.Registry, opts TextOptions) tele.HandlerFunc {
	t.Helper()
	for _, r := range TextRoutes(reg, opts) {
		if r.Endpoint == tele.OnText {
			return r.Handler
		}
	}
	t.Fatal("no OnText route")
	return nil
}

func TestTextRoutesDispatch(t *testing.T) {
	var c calls
	h := textHandler(t, newRegistry(&c), TextOptions{AdminID: 1})

	_ = h(newContext(t, 5, "/START"))
	_ = h(newContext(t, 5, "/begin now"))
	_ = h(newContext(t, 5, "start"))
	_ = h(newContext(t, 5, "How do I pay?"))

	if c.start != 2 {
		t.Errorf("start calls = %d, want 2", c.start)
	}
	if c.text != 2 {
		t.Errorf("fallback calls = %d, want 2", c.text)
	}
}

func TestTextRoutesGuardAdminCommands(t *testing.T) {
	var c calls
	rejected := 0
	h := textHandler(t, newRegistry(&c), TextOptions{
		AdminID:       1,
		OnAdminReject: func(tele.Context) error { rejected++; return nil },
	})

	_ = h(newContext(t, 5, "/STATS"))
	if c.stats != 0 || rejected != 1 {
		t.Fatalf("non-admin: stats=%d rejected=%d", c.stats, rejected)
	}
	_ = h(newContext(t, 1, "/Stats"))
	if c.stats != 1 {
		t.Fatalf("admin: stats=%d", c.stats)
	}
}

func TestCommandRoutesBindAliases(t *testing.T) {
	var c calls
	routes := CommandRoutes(newRegistry(&c), CommandRouteOptions{AdminID: 1})

	endpoints := map[any]tele.HandlerFunc{}
	for _, r := range routes {
		endpoints[r.Endpoint] = r.Handler
	}
	for _, want := range []string{"/start", "/begin", "/stats"} {
		if endpoints[want] == nil {
			t.Fatalf("missing route %s in %v", want, endpoints)
		}
	}

	_ = endpoints["/stats"](newContext(t, 5, "/stats"))
	if c.stats != 0 {
		t.Fatal("admin-only command ran for a regular user")
	}
}

func TestMediaRoutesUseUnknownMedia(t *testing.T) {
	media := 0
	routes := TextRoutes(tg.NewRegistry(), TextOptions{UnknownMedia: func(tele.Context) error { media++; return nil }})
	for _, r := range routes {
		if r.Endpoint == tele.OnSticker {
			_ = r.Handler(newContext(t, 5, ""))
		}
	}
	if media != 1 {
		t.Fatalf("media calls = %d", media)
	}
}

func TestNormalizeHandlerName(t *testing.T) {
	cases := map[string]string{
		"/Stats":    "stats",
		" help me ": "help_me",
		"":          "unknown",
		"/":         "unknown",
	}
	for in, want := range cases {
		if got := normalizeHandlerName(in); got != want {
			t.Errorf("normalizeHandlerName(%q) = %q, want %q", in, got, want)
		}
	}
}
