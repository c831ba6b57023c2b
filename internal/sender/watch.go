package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/philsphicas/beamfile/internal/beam"
	"github.com/philsphicas/beamfile/internal/metrics"
	"github.com/philsphicas/beamfile/internal/protocol"
	"github.com/philsphicas/beamfile/internal/relay"
)

// DefaultSettle is how long a file must stay unmodified before it is sent.
const DefaultSettle = 2 * time.Second

// WatchConfig holds configuration for watch mode.
type WatchConfig struct {
	Proxy       relay.Proxy
	Self        beam.AppID
	To          string
	Dir         string
	Meta        json.RawMessage
	Settle      time.Duration
	Remove      bool // delete files after they were sent
	OpenTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics // optional; nil disables metrics
}

// Watch sends every regular file that appears in Dir, plus the ones already
// there at startup. Files whose name starts with a dot are ignored, so
// producers can write to ".name" and rename when done. A file is sent once
// it has seen no create or write event for Settle. Per-file failures are
// logged. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, cfg WatchConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}

	dest, err := cfg.Self.Destination(cfg.To)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}
	if _, err := protocol.NewFileMeta("", cfg.Meta); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck // best-effort cleanup
	if err := watcher.Add(cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", cfg.Dir, err)
	}
	cfg.Logger.Info("watching directory", "dir", cfg.Dir, "to", dest)

	pending := make(map[string]time.Time)
	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", cfg.Dir, err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() && !ignored(e.Name()) {
			pending[filepath.Join(cfg.Dir, e.Name())] = time.Now()
		}
	}

	ticker := time.NewTicker(max(cfg.Settle/4, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("file watcher closed")
			}
			if ignored(filepath.Base(ev.Name)) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				pending[ev.Name] = time.Now()
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				delete(pending, ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("file watcher closed")
			}
			cfg.Logger.Warn("file watcher error", "error", err)
		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < cfg.Settle {
					continue
				}
				delete(pending, path)
				if err := sendFile(ctx, path, dest, cfg); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					cfg.Logger.Warn("failed to send file", "path", path, "error", err)
				}
			}
		}
	}
}

func sendFile(ctx context.Context, path string, dest beam.AppID, cfg WatchConfig) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		cfg.Metrics.TransferError(metrics.RoleWatch, metrics.ReasonSourceError)
		return fmt.Errorf("open source: %w", err)
	}
	defer f.Close() //nolint:errcheck // best-effort cleanup
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	name, _ := protocol.SuggestName("", path) // derived names never fail
	if name == "" {
		cfg.Logger.Warn("file name is not a valid suggested name, sending without one", "path", path)
	}
	meta, err := protocol.NewFileMeta(name, cfg.Meta)
	if err != nil {
		return err
	}

	n, err := sendStream(ctx, cfg.Proxy, dest, meta, f, cfg.OpenTimeout, metrics.RoleWatch, cfg.Logger, cfg.Metrics)
	if err != nil {
		return err
	}
	cfg.Logger.Info("file sent", "path", path, "to", dest, "bytes", n)
	if cfg.Remove {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove sent file: %w", err)
		}
	}
	return nil
}

func ignored(name string) bool {
	return strings.HasPrefix(name, ".")
}
