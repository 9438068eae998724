package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		Telegram: TelegramConfig{Token: "123:abc"},
		FAQ: FAQConfig{
			AskURL:    "http://faq.local/ask_question",
			IngestURL: "http://faq.local/uk/",
		},
	}
}

func TestNormalizeDefaults(t *testing.T) {
	cfg := validConfig()
	if err := Normalize(&cfg); err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if cfg.Telegram.RunMode != RunModeLongpoll {
		t.Errorf("run mode = %q", cfg.Telegram.RunMode)
	}
	if cfg.Telegram.Resilience != ResilienceRestart {
		t.Errorf("resilience = %q", cfg.Telegram.Resilience)
	}
	if cfg.FAQ.Attempts != 10 || cfg.FAQ.MinBackoffMS != 4_000 || cfg.FAQ.MaxBackoffMS != 10_000 {
		t.Errorf("faq retry defaults = %+v", cfg.FAQ)
	}
	if cfg.FAQ.AskMethod != "GET" {
		t.Errorf("ask method = %q", cfg.FAQ.AskMethod)
	}
	if cfg.Feedback.DelayMS != 30_000 {
		t.Errorf("feedback delay = %d", cfg.Feedback.DelayMS)
	}
	if cfg.Feedback.Storage != StorageFile || cfg.Feedback.File != "feedback.txt" {
		t.Errorf("feedback storage = %q %q", cfg.Feedback.Storage, cfg.Feedback.File)
	}
	if cfg.RateLimit.Burst != 1 {
		t.Errorf("rate limit burst = %d", cfg.RateLimit.Burst)
	}
	if cfg.Delivery.MaxAttempts <= 0 || cfg.Alerts.MaxAttempts <= 0 {
		t.Errorf("attempt budgets not defaulted: %+v %+v", cfg.Delivery, cfg.Alerts)
	}
}

func TestNormalizeErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = "" }, "Token"},
		{"bad ask url", func(c *Config) { c.FAQ.AskURL = "not a url" }, "AskURL"},
		{"bad run mode", func(c *Config) { c.Telegram.RunMode = "carrier-pigeon" }, "run_mode"},
		{"webhook without url", func(c *Config) { c.Telegram.RunMode = RunModeWebhook }, "webhook.url"},
		{"bad resilience", func(c *Config) { c.Telegram.Resilience = "pray" }, "resilience"},
		{"bad storage", func(c *Config) { c.Feedback.Storage = "s3" }, "feedback.storage"},
		{"postgres without db", func(c *Config) { c.Feedback.Storage = StoragePostgres }, "database.host"},
		{"bad exclude", func(c *Config) { c.RateLimit.ExcludeUpdates = []string{"poll"} }, "exclude_updates"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := Normalize(&cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadOverlaysEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
telegram:
  token: from-file
faq:
  ask_url: http://faq.local/ask_question
  ingest_url: http://faq.local/uk/
feedback:
  delay_ms: 1000
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BOT_TOKEN", "from-env")
	t.Setenv("FAQ_API_TOKEN", "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Errorf("token = %q, want env override", cfg.Telegram.Token)
	}
	if cfg.FAQ.APIToken != "secret" {
		t.Errorf("api token = %q", cfg.FAQ.APIToken)
	}
	if cfg.Feedback.DelayMS != 1000 {
		t.Errorf("delay = %d", cfg.Feedback.DelayMS)
	}
}
