// Package relay bridges Beam proxy sockets to local sources and sinks.
//
// It turns the proxy's socket task announcements into a lazy sequence,
// upgrades individual tasks into byte streams, and opens outbound streams
// carrying file metadata. Everything that talks to the proxy goes through
// the Proxy interface, which *beam.Client implements.
package relay

import (
	"context"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/philsphicas/beamfile/internal/beam"
)

// DefaultRetryDelay is how long Tasks waits after a failed poll.
const DefaultRetryDelay = 5 * time.Second

// Proxy is the subset of the Beam proxy API used for file transfer.
type Proxy interface {
	// PollSockets blocks until up to waitCount tasks are pending or the
	// proxy's long poll expires, in which case it returns no tasks.
	PollSockets(ctx context.Context, waitCount int) ([]beam.SocketTask, error)
	// ConnectSocket upgrades an announced task into a byte stream.
	ConnectSocket(ctx context.Context, id string) (io.ReadWriteCloser, error)
	// CreateSocket opens an outbound stream to another application.
	CreateSocket(ctx context.Context, to beam.AppID, metadata any) (io.ReadWriteCloser, error)
}

// PollOptions configures Tasks.
type PollOptions struct {
	// RetryDelay is the pause after a failed poll. Defaults to
	// DefaultRetryDelay.
	RetryDelay time.Duration

	// OnPoll, if set, is called after every poll with its error (nil on
	// success, including empty polls).
	OnPoll func(err error)
}

// Tasks returns the socket tasks announced to this application, one long
// poll at a time. A failed poll yields a zero task with the error and the
// sequence carries on after RetryDelay, so it only ends when the consumer
// stops or ctx is cancelled.
func Tasks(ctx context.Context, p Proxy, opts PollOptions) iter.Seq2[beam.SocketTask, error] {
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return func(yield func(beam.SocketTask, error) bool) {
		for ctx.Err() == nil {
			tasks, err := p.PollSockets(ctx, 1)
			if ctx.Err() != nil {
				return
			}
			if opts.OnPoll != nil {
				opts.OnPoll(err)
			}
			if err != nil {
				if !yield(beam.SocketTask{}, fmt.Errorf("poll socket tasks: %w", err)) {
					return
				}
				if !sleep(ctx, delay) {
					return
				}
				continue
			}
			for _, task := range tasks {
				if !yield(task, nil) {
					return
				}
			}
		}
	}
}

// Connect upgrades task into a byte stream. It does not retry.
func Connect(ctx context.Context, p Proxy, task beam.SocketTask) (io.ReadWriteCloser, error) {
	stream, err := p.ConnectSocket(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("connect socket %s: %w", task.ID, err)
	}
	return stream, nil
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
