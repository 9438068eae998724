package telegram

import (
	"testing"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/faqbot/core/telegram/commands"
)

func noop(tele.Context) error { return nil }

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterCommand("/start", commands.Command{Handler: noop, Description: "start", Aliases: []string{"begin"}})
	reg.RegisterCommand("/stats", commands.Command{Handler: noop, Description: "stats", AdminOnly: true})
	reg.RegisterCommand("help", commands.Command{Handler: noop, Description: "no slash"})
	reg.RegisterCommand("/start", commands.Command{Handler: noop, Description: "dup"})

	cases := map[string]string{
		"/start":         "/start",
		"/START@faq_bot": "/start",
		"/begin":         "/start",
		"/stats extra":   "/stats",
	}
	for in, want := range cases {
		key, _, ok := reg.LookupCommand(in)
		if !ok || key != want {
			t.Errorf("LookupCommand(%q) = %q, %v", in, key, ok)
		}
	}
	if _, _, ok := reg.LookupCommand("/help"); ok {
		t.Error("command without slash prefix must be rejected")
	}
	cmd, _ := reg.Command("/start")
	if cmd.Description != "start" {
		t.Errorf("duplicate replaced original: %q", cmd.Description)
	}
}

type fakeSetter struct{ got []tele.Command }

func (f *fakeSetter) SetCommands(opts ...interface{}) error {
	f.got = opts[0].([]tele.Command)
	return nil
}

func TestInitBotCommandsHidesAdmin(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterCommand("/help", commands.Command{Handler: noop, Description: "help"})
	reg.RegisterCommand("/stats", commands.Command{Handler: noop, Description: "stats", AdminOnly: true})

	setter := &fakeSetter{}
	InitBotCommands(setter, reg)
	if len(setter.got) != 1 || setter.got[0].Text != "/help" {
		t.Fatalf("published %+v", setter.got)
	}
}
