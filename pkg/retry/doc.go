// Package retry provides retry logic with exponential backoff and jitter.
//
// Basic usage:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
//	    return someNetworkOperation(ctx)
//	})
//
// Custom retryable check, as used by the SQLite engine for SQLITE_BUSY:
//
//	cfg := retry.Config{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
//	err := retry.DoWithRetryable(ctx, cfg, fn, isBusy)
//
// For HTTP-specific retry logic see internal/platform/httpclient, which adds
// status code awareness on top of this package.
package retry
