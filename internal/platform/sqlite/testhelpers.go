package sqlite

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"txqueue/internal/bridge"
)

// NewTestEngine создаёт движок во временном каталоге теста.
// Все базы закрываются после завершения теста.
func NewTestEngine(t *testing.T) *Engine {
	t.Helper()

	cfg := DefaultConfig(t.TempDir())
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 10 * time.Millisecond

	e, err := NewEngine(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Failed to create test engine: %v", err)
	}
	t.Cleanup(func() {
		_ = e.CloseAll()
	})
	return e
}

// MustOpen открывает базу в каталоге docs и падает при ошибке.
func (e *Engine) MustOpen(t *testing.T, name string) {
	t.Helper()
	if err := e.Open(context.Background(), name, bridge.LocationDocs); err != nil {
		t.Fatalf("Failed to open database %s: %v", name, err)
	}
}

// MustExec исполняет выражения одним пакетом и падает на первой ошибке.
func (e *Engine) MustExec(t *testing.T, name string, queries ...string) []bridge.Outcome {
	t.Helper()

	batch := make([]bridge.Request, len(queries))
	for i, q := range queries {
		batch[i] = bridge.Request{SQL: q}
	}
	out, err := e.ExecuteBatch(context.Background(), name, batch)
	if err != nil {
		t.Fatalf("Failed to execute batch: %v", err)
	}
	for i, o := range out {
		if o.Tag != bridge.TagSuccess {
			t.Fatalf("Statement %q failed: %v", queries[i], o.Err)
		}
	}
	return out
}

// WriteMigration кладёт файл миграции в dir.
func WriteMigration(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write migration %s: %v", name, err)
	}
}
