// Package receiver implements "beamfile receive": it polls the proxy for
// incoming sockets, optionally checks the sender against an allowlist,
// connects each socket and hands the byte stream to a Sink.
//
// Files are handled one at a time. A failure affects only the file it
// happened on; the loop carries on until its count is reached or the context
// is cancelled.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/philsphicas/beamfile/internal/beam"
	"github.com/philsphicas/beamfile/internal/metrics"
	"github.com/philsphicas/beamfile/internal/relay"
)

// Sink consumes received files.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string
	// Deliver stores or forwards the file announced by task whose content is
	// read from r. It must not retain r after returning.
	Deliver(ctx context.Context, task beam.SocketTask, r io.Reader) error
}

// Config holds receive configuration.
type Config struct {
	Proxy      relay.Proxy
	Sink       Sink
	Count      int           // stop after this many attempts; 0 means run until cancelled
	RetryDelay time.Duration // pause after a failed poll; 0 means relay.DefaultRetryDelay
	AllowFrom  []string      // optional sender allowlist (app-id patterns)
	Logger     *slog.Logger
	Metrics    *metrics.Metrics // optional; nil disables metrics
}

// ErrSenderNotAllowed is returned for sockets from senders outside AllowFrom.
var ErrSenderNotAllowed = errors.New("sender not allowed")

// Receive runs the receive loop. Every announcement or poll failure counts as
// one attempt; once Count attempts have been made Receive returns nil without
// polling again. Otherwise it runs until ctx is cancelled and returns
// ctx.Err().
func Receive(ctx context.Context, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Proxy == nil {
		return errors.New("receiver: proxy is required")
	}
	if cfg.Sink == nil {
		return errors.New("receiver: sink is required")
	}
	logger := cfg.Logger.With("sink", cfg.Sink.Name())

	if len(cfg.AllowFrom) == 0 {
		logger.Debug("no sender allowlist configured, accepting files from any sender")
	}

	opts := relay.PollOptions{
		RetryDelay: cfg.RetryDelay,
		OnPoll:     func(err error) { cfg.Metrics.SetProxyUp(err == nil) },
	}

	logger.Info("waiting for files", "count", cfg.Count)
	attempts := 0
	for task, err := range relay.Tasks(ctx, cfg.Proxy, opts) {
		attempts++
		if err != nil {
			logger.Warn("failed to poll for incoming files", "error", err)
			cfg.Metrics.TransferError(metrics.RoleReceiver, metrics.ReasonPollFailed)
		} else if err := handleTask(ctx, task, cfg, logger); err != nil {
			logger.Warn("failed to receive file", "from", task.From, "id", task.ID, "error", err)
		}
		if cfg.Count > 0 && attempts >= cfg.Count {
			logger.Debug("receive count reached", "count", cfg.Count)
			return nil
		}
	}
	return ctx.Err()
}

func handleTask(ctx context.Context, task beam.SocketTask, cfg Config, logger *slog.Logger) error {
	if len(cfg.AllowFrom) > 0 && !isAllowed(task.From, cfg.AllowFrom) {
		cfg.Metrics.TransferError(metrics.RoleReceiver, metrics.ReasonRejected)
		// Connect and close right away so the sender is not left waiting.
		if stream, err := relay.Connect(ctx, cfg.Proxy, task); err == nil {
			stream.Close() //nolint:errcheck // best-effort cleanup
		}
		return fmt.Errorf("%w: %s", ErrSenderNotAllowed, task.From)
	}

	stream, err := relay.Connect(ctx, cfg.Proxy, task)
	if err != nil {
		cfg.Metrics.TransferError(metrics.RoleReceiver, metrics.ReasonConnectFailed)
		return err
	}

	logger.Info("receiving file", "from", task.From, "id", task.ID)
	tracker := cfg.Metrics.TransferStarted(metrics.RoleReceiver, task.From)
	var n int64
	err = relay.Consume(ctx, stream, func(r io.Reader) error {
		cr := &countingReader{r: r}
		err := cfg.Sink.Deliver(ctx, task, cr)
		n = cr.n
		return err
	})
	tracker.Done(0, n, err)
	if err != nil {
		return err
	}
	logger.Info("file received", "from", task.From, "id", task.ID, "bytes", n)
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
