package relay

import (
	"context"
	"fmt"
	"io"

	"github.com/philsphicas/beamfile/internal/beam"
	"github.com/philsphicas/beamfile/internal/protocol"
)

// Open opens an outbound stream to to carrying meta as socket metadata.
func Open(ctx context.Context, p Proxy, to beam.AppID, meta protocol.FileMeta) (io.ReadWriteCloser, error) {
	raw, err := protocol.EncodeStream(meta)
	if err != nil {
		return nil, fmt.Errorf("encode file metadata: %w", err)
	}
	stream, err := p.CreateSocket(ctx, to, raw)
	if err != nil {
		return nil, fmt.Errorf("open socket to %s: %w", to, err)
	}
	return stream, nil
}

// Upload copies src into stream until EOF and closes the stream, which tells
// the remote side the file is complete. Cancelling ctx closes the stream and
// aborts the copy. The stream is always closed on return.
func Upload(ctx context.Context, stream io.WriteCloser, src io.Reader) (int64, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = stream.Close()
	})
	n, err := io.Copy(stream, src)
	if !stop() {
		// ctx fired and the stream is already closed.
		return n, fmt.Errorf("copy to socket: %w", context.Cause(ctx))
	}
	closeErr := stream.Close()
	if err != nil {
		return n, fmt.Errorf("copy to socket: %w", err)
	}
	if closeErr != nil {
		return n, fmt.Errorf("close socket: %w", closeErr)
	}
	return n, nil
}

// Consume hands stream to fn and closes it when fn returns. Cancelling ctx
// closes the stream early so a read blocked inside fn fails; Consume then
// reports the cancellation rather than the read error.
func Consume(ctx context.Context, stream io.ReadCloser, fn func(io.Reader) error) error {
	stop := context.AfterFunc(ctx, func() {
		_ = stream.Close()
	})
	err := fn(stream)
	if !stop() {
		if err != nil {
			return fmt.Errorf("copy from socket: %w", context.Cause(ctx))
		}
		return nil
	}
	stream.Close() //nolint:errcheck // read side, nothing left to flush
	return err
}

// Send opens a stream to to and uploads src into it.
func Send(ctx context.Context, p Proxy, to beam.AppID, meta protocol.FileMeta, src io.Reader) (int64, error) {
	stream, err := Open(ctx, p, to, meta)
	if err != nil {
		return 0, err
	}
	return Upload(ctx, stream, src)
}
