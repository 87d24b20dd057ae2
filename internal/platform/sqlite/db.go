package sqlite

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite драйвер
)

// driverName - имя драйвера modernc.org/sqlite в database/sql
const driverName = "sqlite"

// DBOptions содержит настройки подключения к файлу базы данных.
type DBOptions struct {
	// PingTimeout - таймаут проверки соединения при открытии
	PingTimeout time.Duration
	// WALMode - использовать ли WAL режим журнала
	WALMode bool
	// ForeignKeys - включить ли проверку внешних ключей
	ForeignKeys bool
	// BusyTimeout - сколько SQLite ждёт снятия блокировки перед SQLITE_BUSY
	BusyTimeout time.Duration
}

// DefaultDBOptions возвращает настройки по умолчанию.
func DefaultDBOptions() DBOptions {
	return DBOptions{
		PingTimeout: 5 * time.Second,
		WALMode:     true,
		ForeignKeys: true,
		BusyTimeout: 5 * time.Second,
	}
}

// OpenDB открывает файл базы данных с одним соединением в пуле.
// Все PRAGMA передаются через DSN, поэтому применяются к каждому новому соединению.
func OpenDB(ctx context.Context, dbPath string, opts DBOptions) (*sqlx.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	db, err := sqlx.Open(driverName, buildDSN(dbPath, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Транзакции эмулируются поверх одного соединения, второе не нужно
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = DefaultDBOptions().PingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return db, nil
}

// buildDSN строит DSN для modernc.org/sqlite с PRAGMA в параметрах _pragma.
func buildDSN(dbPath string, opts DBOptions) string {
	params := url.Values{}

	if opts.BusyTimeout > 0 {
		params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	}
	if opts.ForeignKeys {
		params.Add("_pragma", "foreign_keys(1)")
	}
	if opts.WALMode && dbPath != ":memory:" {
		params.Add("_pragma", "journal_mode(WAL)")
		params.Add("_pragma", "synchronous(NORMAL)")
	}

	if len(params) == 0 {
		return "file:" + dbPath
	}
	return "file:" + dbPath + "?" + params.Encode()
}
