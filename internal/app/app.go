// Package app ties the command line to the mode implementations. The CLI
// builds one Env and one Mode and hands both to Run; nothing below this
// package reads flags or environment variables.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/philsphicas/beamfile/internal/auth"
	"github.com/philsphicas/beamfile/internal/beam"
	"github.com/philsphicas/beamfile/internal/metrics"
	"github.com/philsphicas/beamfile/internal/receiver"
	"github.com/philsphicas/beamfile/internal/relay"
	"github.com/philsphicas/beamfile/internal/sender"
	"github.com/philsphicas/beamfile/internal/tunnel"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// ErrInterrupted is returned by Run when ctx was cancelled before the mode
// finished on its own.
var ErrInterrupted = errors.New("interrupted")

// Env is the state shared by every mode.
type Env struct {
	Proxy   relay.Proxy
	Self    beam.AppID
	Stdin   io.Reader // send reads "-" from here
	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// Mode is one of SendMode, ReceiveMode, ServerMode or WatchMode.
type Mode interface {
	mode() string
}

// SendMode sends a single file or stdin.
type SendMode struct {
	To          string
	Path        string
	Name        string
	Meta        json.RawMessage
	OpenTimeout time.Duration
}

// ReceiveMode polls for incoming files and hands them to Sink.
type ReceiveMode struct {
	Sink       receiver.Sink
	Count      int
	RetryDelay time.Duration
	AllowFrom  []string
}

// ServerMode runs the tunnel endpoint. Listener, when set, is used instead
// of listening on BindAddr.
type ServerMode struct {
	BindAddr      string
	Listener      net.Listener
	APIKey        auth.APIKey
	MaxTransfers  int
	ShutdownGrace time.Duration
}

// WatchMode sends every file that shows up in Dir.
type WatchMode struct {
	To          string
	Dir         string
	Meta        json.RawMessage
	Settle      time.Duration
	Remove      bool
	OpenTimeout time.Duration
}

func (SendMode) mode() string    { return "send" }
func (ReceiveMode) mode() string { return "receive" }
func (ServerMode) mode() string  { return "server" }
func (WatchMode) mode() string   { return "watch" }

// Run executes mode until it finishes or ctx is cancelled. A cancelled ctx
// is reported as ErrInterrupted, wrapping the mode's own error if it failed
// for another reason.
func Run(ctx context.Context, env Env, mode Mode) error {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if env.Proxy == nil {
		return errors.New("app: proxy is required")
	}
	logger := env.Logger.With("mode", mode.mode())

	var err error
	switch m := mode.(type) {
	case SendMode:
		err = sender.Send(ctx, sender.Config{
			Proxy:       env.Proxy,
			Self:        env.Self,
			To:          m.To,
			Path:        m.Path,
			Stdin:       env.Stdin,
			Name:        m.Name,
			Meta:        m.Meta,
			OpenTimeout: m.OpenTimeout,
			Logger:      logger,
			Metrics:     env.Metrics,
		})
	case ReceiveMode:
		err = receiver.Receive(ctx, receiver.Config{
			Proxy:      env.Proxy,
			Sink:       m.Sink,
			Count:      m.Count,
			RetryDelay: m.RetryDelay,
			AllowFrom:  m.AllowFrom,
			Logger:     logger,
			Metrics:    env.Metrics,
		})
	case ServerMode:
		err = runServer(ctx, env, m, logger)
	case WatchMode:
		err = sender.Watch(ctx, sender.WatchConfig{
			Proxy:       env.Proxy,
			Self:        env.Self,
			To:          m.To,
			Dir:         m.Dir,
			Meta:        m.Meta,
			Settle:      m.Settle,
			Remove:      m.Remove,
			OpenTimeout: m.OpenTimeout,
			Logger:      logger,
			Metrics:     env.Metrics,
		})
	default:
		return fmt.Errorf("app: unknown mode %T", mode)
	}
	return interrupted(ctx, err)
}

func runServer(ctx context.Context, env Env, m ServerMode, logger *slog.Logger) error {
	cfg := tunnel.Config{
		Proxy:         env.Proxy,
		Self:          env.Self,
		APIKey:        m.APIKey,
		MaxTransfers:  m.MaxTransfers,
		ShutdownGrace: m.ShutdownGrace,
		Logger:        logger,
		Metrics:       env.Metrics,
	}
	if m.Listener == nil {
		return tunnel.ListenAndServe(ctx, m.BindAddr, cfg)
	}
	s, err := tunnel.New(cfg)
	if err != nil {
		return err
	}
	return s.Serve(ctx, m.Listener)
}

func interrupted(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrInterrupted
	}
	return fmt.Errorf("%w: %w", ErrInterrupted, err)
}

// ExitCode maps the result of Run to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInterrupted):
		return ExitInterrupted
	default:
		return ExitFailure
	}
}
