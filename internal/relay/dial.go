package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/philsphicas/beamfile/internal/beam"
	"github.com/philsphicas/beamfile/internal/protocol"
)

// ErrOpenBudgetExhausted is returned by OpenWithTimeout when every attempt
// within the budget failed. It wraps the last attempt's error.
var ErrOpenBudgetExhausted = errors.New("open budget exhausted")

const (
	openRetryBase = 1 * time.Second
	openRetryMax  = 30 * time.Second
)

// OpenWithTimeout opens an outbound stream, retrying with exponential
// backoff (1s→2s→4s, capped at 30s) until budget is exhausted or ctx is
// cancelled. budget=0 means a single attempt with no retries. onRetry is
// called before each retry attempt; it may be nil.
func OpenWithTimeout(ctx context.Context, p Proxy, to beam.AppID, meta protocol.FileMeta, budget time.Duration, onRetry func(), logger *slog.Logger) (io.ReadWriteCloser, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if budget == 0 {
		return Open(ctx, p, to, meta)
	}

	// The budget only bounds opening; the returned stream must outlive it.
	deadline := time.Now().Add(budget)
	delay := openRetryBase
	var lastErr error
	attempts := 0
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			logger.Debug("retrying socket open", "to", to, "attempt", attempt, "delay", delay)
			if onRetry != nil {
				onRetry()
			}
			if !sleep(ctx, min(delay, remaining)) {
				break
			}
			delay = min(delay*2, openRetryMax)
		}
		attempts++
		stream, err := Open(ctx, p, to, meta)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		logger.Debug("socket open attempt failed", "to", to, "attempt", attempt+1, "error", err)
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			break
		}
	}
	if ctx.Err() != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrOpenBudgetExhausted, attempts, lastErr)
}
