package database

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	coreconfig "github.com/m3rciful/faqbot/core/config"
)

func TestListMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"000002_b.up.sql", "000001_a.up.sql", "000001_a.down.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	got := listMigrationFiles(dir)
	want := []string{"000001_a.up.sql", "000002_b.up.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("listMigrationFiles = %v, want %v", got, want)
	}
}

func TestSelectApplied(t *testing.T) {
	files := []string{"000001_a.up.sql", "000002_b.up.sql", "000003_c.up.sql"}
	if got := selectApplied(files, 1, 3); !reflect.DeepEqual(got, files[1:]) {
		t.Fatalf("selectApplied(1,3) = %v", got)
	}
	if got := selectApplied(files, 3, 3); len(got) != 0 {
		t.Fatalf("selectApplied no-op = %v", got)
	}
	if v := parseVersion("000042_feedback.up.sql"); v != 42 {
		t.Fatalf("parseVersion = %d", v)
	}
}

func TestDSN(t *testing.T) {
	got := DSN(coreconfig.DatabaseConfig{
		Host: "db", Port: "5432", User: "bot", Password: "p@ss word", Name: "faq", SSLMode: "disable",
	})
	want := "postgres://bot:p%40ss%20word@db:5432/faq?sslmode=disable"
	if got != want {
		t.Fatalf("DSN = %q, want %q", got, want)
	}
}

func TestWaitForPostgresGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := WaitForPostgres(ctx, "postgres://nobody@127.0.0.1:1/none?sslmode=disable", 300*time.Millisecond)
	if err == nil {
		t.Fatal("expected an error for an unreachable database")
	}
}
