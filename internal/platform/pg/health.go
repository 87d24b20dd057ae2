package pg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"txqueue/pkg/retry"
)

// HealthCheckOptions содержит настройки ожидания сервера при старте.
type HealthCheckOptions struct {
	// MaxRetries - максимальное количество попыток
	MaxRetries int
	// InitialInterval - первая задержка между попытками
	InitialInterval time.Duration
	// MaxInterval - потолок задержки
	MaxInterval time.Duration
	// PingTimeout - таймаут одной попытки
	PingTimeout time.Duration
}

// DefaultHealthCheckOptions возвращает настройки по умолчанию.
func DefaultHealthCheckOptions() HealthCheckOptions {
	return HealthCheckOptions{
		MaxRetries:      10,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		PingTimeout:     5 * time.Second,
	}
}

// WaitForDB ждёт, пока сервер начнёт принимать соединения.
// Повторяет любые ошибки подключения с экспоненциальной задержкой.
func WaitForDB(ctx context.Context, dsn string, opts HealthCheckOptions, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := retry.Config{
		MaxAttempts:  opts.MaxRetries,
		InitialDelay: opts.InitialInterval,
		MaxDelay:     opts.MaxInterval,
		Multiplier:   2.0,
		OnRetry: func(attempt int, err error, next time.Duration) {
			logger.Warn("database not available yet",
				slog.Int("attempt", attempt),
				slog.Duration("next_delay", next),
				slog.Any("error", err))
		},
	}

	err := retry.DoWithRetryable(ctx, cfg, func(ctx context.Context) error {
		return HealthCheck(ctx, dsn, opts.PingTimeout)
	}, func(error) bool { return true })
	if err != nil {
		return fmt.Errorf("database not available: %w", err)
	}
	return nil
}

// HealthCheck выполняет разовую проверку доступности сервера.
func HealthCheck(ctx context.Context, dsn string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// HealthCheckPool проверяет существующий пул простым запросом.
func HealthCheckPool(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("pool is nil")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("simple query failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("unexpected query result: got %d, want 1", result)
	}
	return nil
}
