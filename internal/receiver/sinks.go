package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/philsphicas/beamfile/internal/auth"
	"github.com/philsphicas/beamfile/internal/beam"
	"github.com/philsphicas/beamfile/internal/naming"
	"github.com/philsphicas/beamfile/internal/protocol"
)

// ErrUnsafeName is returned when a resolved filename would leave the output
// directory.
var ErrUnsafeName = errors.New("resolved name is not a local path")

// PrintSink writes every file verbatim to W.
type PrintSink struct {
	W io.Writer
}

// Name implements Sink.
func (s *PrintSink) Name() string { return "print" }

// Deliver implements Sink.
func (s *PrintSink) Deliver(_ context.Context, _ beam.SocketTask, r io.Reader) error {
	if _, err := io.Copy(s.W, r); err != nil {
		return fmt.Errorf("print file: %w", err)
	}
	return nil
}

// SaveSink stores files in Dir under names produced from Template.
type SaveSink struct {
	Dir      string
	Template string           // defaults to naming.DefaultTemplate
	Now      func() time.Time // defaults to time.Now
}

// Name implements Sink.
func (s *SaveSink) Name() string { return "save" }

// Deliver implements Sink. A file whose copy fails is removed again.
func (s *SaveSink) Deliver(_ context.Context, task beam.SocketTask, r io.Reader) error {
	meta, err := protocol.DecodeStream(task.Metadata)
	if err != nil {
		return err
	}
	name := resolveName(s.Template, task.From, now(s.Now), meta.SuggestedName)
	if !isLocalName(name) {
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	path := filepath.Join(s.Dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	_, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(path) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// isLocalName reports whether name points below the sink's root and not at
// the root itself.
func isLocalName(name string) bool {
	return filepath.IsLocal(name) && filepath.Clean(name) != "."
}

// CallbackSink forwards every file as a streaming POST to URL. The file
// metadata travels in the "filename" and "metadata" headers.
type CallbackSink struct {
	URL    string
	Client *http.Client       // defaults to a client without timeout
	Tokens auth.TokenProvider // optional bearer token source
}

// Name implements Sink.
func (s *CallbackSink) Name() string { return "callback" }

// Deliver implements Sink. Any non-2xx answer fails the file.
func (s *CallbackSink) Deliver(ctx context.Context, task beam.SocketTask, r io.Reader) error {
	meta, err := protocol.DecodeStream(task.Metadata)
	if err != nil {
		return err
	}
	// NopCloser hides any WriterTo so the body is streamed chunked.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, io.NopCloser(r))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	if err := protocol.SetHeaders(req.Header, meta); err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if s.Tokens != nil {
		token, err := s.Tokens.GetToken(ctx)
		if err != nil {
			return fmt.Errorf("get callback token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck // drain for reuse
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned %s", resp.Status)
	}
	return nil
}

func resolveName(template, from string, at time.Time, suggested string) string {
	if template == "" {
		template = naming.DefaultTemplate
	}
	return naming.Resolve(template, from, at, suggested)
}

func now(fn func() time.Time) time.Time {
	if fn != nil {
		return fn()
	}
	return time.Now()
}
