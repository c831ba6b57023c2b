// Package sender implements the sending modes: a single file or stdin
// ("beamfile send") and a watched spool directory ("beamfile watch").
package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/philsphicas/beamfile/internal/beam"
	"github.com/philsphicas/beamfile/internal/metrics"
	"github.com/philsphicas/beamfile/internal/protocol"
	"github.com/philsphicas/beamfile/internal/relay"
)

// Config holds configuration for a single send.
type Config struct {
	Proxy       relay.Proxy
	Self        beam.AppID      // own id; supplies the broker part of the destination
	To          string          // destination fragment: "app.proxy" or "proxy"
	Path        string          // file to send; "-" reads Stdin
	Stdin       io.Reader       // defaults to os.Stdin
	Name        string          // optional suggested-name override
	Meta        json.RawMessage // optional opaque metadata
	OpenTimeout time.Duration   // total retry budget for opening the socket (0 = single attempt)
	Logger      *slog.Logger
	Metrics     *metrics.Metrics // optional; nil disables metrics
}

// Send streams one file to the destination. Unlike the receive loop every
// failure is returned to the caller.
func Send(ctx context.Context, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}

	dest, err := cfg.Self.Destination(cfg.To)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}
	name, err := protocol.SuggestName(cfg.Name, cfg.Path)
	if err != nil {
		return err
	}
	meta, err := protocol.NewFileMeta(name, cfg.Meta)
	if err != nil {
		return err
	}

	var src io.Reader = cfg.Stdin
	if cfg.Path != "-" {
		f, err := os.Open(cfg.Path)
		if err != nil {
			cfg.Metrics.TransferError(metrics.RoleSender, metrics.ReasonSourceError)
			return fmt.Errorf("open source: %w", err)
		}
		defer f.Close() //nolint:errcheck // best-effort cleanup
		src = f
	}

	n, err := sendStream(ctx, cfg.Proxy, dest, meta, src, cfg.OpenTimeout, metrics.RoleSender, cfg.Logger, cfg.Metrics)
	if err != nil {
		return err
	}
	cfg.Logger.Info("file sent", "to", dest, "name", meta.SuggestedName, "bytes", n)
	return nil
}

// sendStream opens a socket to dest and uploads src into it.
func sendStream(ctx context.Context, p relay.Proxy, dest beam.AppID, meta protocol.FileMeta, src io.Reader, openTimeout time.Duration, role string, logger *slog.Logger, m *metrics.Metrics) (int64, error) {
	logger.Debug("opening socket", "to", dest, "name", meta.SuggestedName)
	stream, err := m.InstrumentedOpen(ctx, p, dest, meta, role, openTimeout, logger)
	if err != nil {
		return 0, err
	}
	return m.TrackedUpload(ctx, stream, src, role, dest.String())
}
