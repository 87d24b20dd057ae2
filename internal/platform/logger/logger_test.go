package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNew_DualOutput(t *testing.T) {
	// Create temporary file for testing
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	opts := Options{
		Env:          "prod",
		ConsoleLevel: "info",
		FileLevel:    "debug",
		File:         logFile,
		App:          "test-app",
	}

	logger := New(opts)
	defer func() {
		err := Close(logger)
		if err != nil {
			t.Errorf("Error closing logger: %v", err)
		}
	}()

	// Test logging at different levels
	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")

	// Give some time for file writes
	time.Sleep(100 * time.Millisecond)

	// Check that file was created and contains logs
	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	fileContent := string(content)

	// File should contain all messages (debug level includes all)
	if !strings.Contains(fileContent, "debug message") {
		t.Error("File should contain debug message")
	}
	if !strings.Contains(fileContent, "info message") {
		t.Error("File should contain info message")
	}
	if !strings.Contains(fileContent, "warn message") {
		t.Error("File should contain warn message")
	}

	// Check JSON format
	if !strings.Contains(fileContent, `"level":"DEBUG"`) {
		t.Error("File should contain JSON formatted debug level")
	}
	if !strings.Contains(fileContent, `"app":"test-app"`) {
		t.Error("File should contain app field")
	}
}

func TestNew_DefaultLevels(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "default.log")

	opts := Options{
		Env:  "prod",
		File: logFile,
		App:  "test-app",
	}

	logger := New(opts)
	defer func() {
		err := Close(logger)
		if err != nil {
			t.Errorf("Error closing logger: %v", err)
		}
	}()

	if logger == nil {
		t.Fatal("Logger should not be nil")
	}

	logger.Debug("debug message")
	logger.Info("info message")

	time.Sleep(100 * time.Millisecond)

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	fileContent := string(content)

	if !strings.Contains(fileContent, "debug message") {
		t.Error("Default file level should include debug messages")
	}
	if !strings.Contains(fileContent, "info message") {
		t.Error("File should contain info message")
	}
}

func TestNew_ConsoleOnly(t *testing.T) {
	// Test console-only mode (no file specified)
	opts := Options{
		Env:          "dev",
		ConsoleLevel: "info",
		App:          "test-app",
	}

	logger := New(opts)
	defer func() {
		err := Close(logger)
		if err != nil {
			t.Errorf("Error closing logger: %v", err)
		}
	}()

	if logger == nil {
		t.Fatal("Logger should not be nil")
	}

	// Should not panic
	logger.Info("console only message")
}

func TestNew_DifferentLevels(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "levels.log")

	opts := Options{
		Env:          "prod",
		ConsoleLevel: "warn",  // Only warn and error to console
		FileLevel:    "debug", // All levels to file
		File:         logFile,
		App:          "test-app",
	}

	logger := New(opts)
	defer func() {
		err := Close(logger)
		if err != nil {
			t.Errorf("Error closing logger: %v", err)
		}
	}()

	// Log messages at different levels
	logger.Debug("debug only in file")
	logger.Info("info only in file")
	logger.Warn("warn in both")
	logger.Error("error in both")

	// Give time for file writes
	time.Sleep(100 * time.Millisecond)

	// Check file contains all messages
	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	fileContent := string(content)

	if !strings.Contains(fileContent, "debug only in file") {
		t.Error("File should contain debug message")
	}
	if !strings.Contains(fileContent, "info only in file") {
		t.Error("File should contain info message")
	}
	if !strings.Contains(fileContent, "warn in both") {
		t.Error("File should contain warn message")
	}
	if !strings.Contains(fileContent, "error in both") {
		t.Error("File should contain error message")
	}
}

func TestRedactingHandler(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "redacted.log")

	opts := Options{
		Env:       "prod",
		FileLevel: "debug",
		File:      logFile,
		App:       "test-app",
	}

	logger := New(opts)
	defer func() {
		err := Close(logger)
		if err != nil {
			t.Errorf("Error closing logger: %v", err)
		}
	}()

	// Log sensitive data
	logger.Info("batch",
		slog.String("token", "sk-1234567890abcdef"),
		slog.Any("params", []any{"hunter2"}),
		slog.String("db", "app.db"))

	time.Sleep(100 * time.Millisecond)

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	fileContent := string(content)

	if strings.Contains(fileContent, "sk-1234567890abcdef") {
		t.Error("Sensitive token should be redacted")
	}
	if strings.Contains(fileContent, "hunter2") {
		t.Error("Bound parameters should be redacted")
	}
	if !strings.Contains(fileContent, "[REDACTED]") {
		t.Error("Should contain redacted placeholder")
	}
	if !strings.Contains(fileContent, "app.db") {
		t.Error("Non-sensitive data should not be redacted")
	}
}

func TestMultiHandler(t *testing.T) {
	h1 := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	h2 := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})

	multi := NewMultiHandler(h1, h2)

	ctx := context.Background()

	// Test Enabled
	if !multi.Enabled(ctx, slog.LevelInfo) {
		t.Error("Should be enabled for info level")
	}
	if !multi.Enabled(ctx, slog.LevelWarn) {
		t.Error("Should be enabled for warn level")
	}

	// Test Handle (should not panic)
	record := slog.NewRecord(time.Now(), slog.LevelInfo, "test", 0)
	err := multi.Handle(ctx, record)
	if err != nil {
		t.Errorf("Handle should not return error: %v", err)
	}

	// Test WithAttrs
	withAttrs := multi.WithAttrs([]slog.Attr{slog.String("key", "value")})
	if withAttrs == nil {
		t.Error("WithAttrs should not return nil")
	}

	// Test WithGroup
	withGroup := multi.WithGroup("group")
	if withGroup == nil {
		t.Error("WithGroup should not return nil")
	}
}

func TestRedactingHandler_Groups(t *testing.T) {
	var buf strings.Builder
	h := NewRedactingHandler(slog.NewJSONHandler(&buf, nil), SensitiveKeys)
	l := slog.New(h).With(slog.Group("pg", slog.String("dsn", "postgres://u:p@db/x"), slog.String("host", "db")))

	l.Info("opened")

	out := buf.String()
	if strings.Contains(out, "postgres://u:p@db/x") {
		t.Errorf("dsn inside group should be redacted: %s", out)
	}
	if !strings.Contains(out, `"host":"db"`) {
		t.Errorf("host should be kept: %s", out)
	}
}

func TestMaskURLPassword(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain message", "plain message"},
		{"dial postgres://admin:s3cret@db:5432/postgres failed", "dial postgres://admin:xxxxx@db:5432/postgres failed"},
		{"url http://bridge.local/v1/batch", "url http://bridge.local/v1/batch"},
		{`"postgres://u@db/x"`, `"postgres://u@db/x"`},
	}
	for _, tt := range tests {
		if got := maskURLPassword(tt.in); got != tt.want {
			t.Errorf("maskURLPassword(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	if l == nil {
		t.Fatal("Discard() returned nil")
	}
	l.Error("dropped")
}
