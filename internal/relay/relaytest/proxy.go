// Package relaytest provides an in-memory relay.Proxy for tests.
package relaytest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/philsphicas/beamfile/internal/beam"
)

// Proxy is a scripted relay.Proxy. Polls return queued results in order;
// once the queue is empty PollSockets blocks until its context is done, the
// way a long poll with no pending work would.
type Proxy struct {
	mu         sync.Mutex
	polls      []poll
	pollCount  int
	payloads   map[string]io.Reader
	connectErr error
	createErr  error
	createErrs int
	outbound   []*Stream
	queued     chan struct{}
	hold       chan struct{}
	holding    int
}

type poll struct {
	tasks []beam.SocketTask
	err   error
}

// New returns an empty Proxy.
func New() *Proxy {
	return &Proxy{
		payloads: make(map[string]io.Reader),
		queued:   make(chan struct{}, 1),
	}
}

// AddTask queues one poll result announcing task. Connecting to it yields
// payload.
func (p *Proxy) AddTask(task beam.SocketTask, payload string) {
	p.mu.Lock()
	p.payloads[task.ID] = strings.NewReader(payload)
	p.polls = append(p.polls, poll{tasks: []beam.SocketTask{task}})
	p.mu.Unlock()
	p.notify()
}

// AddPoll queues one poll result carrying tasks. Tasks without a payload
// registered through AddTask or SetPayload read as empty streams.
func (p *Proxy) AddPoll(tasks ...beam.SocketTask) {
	p.mu.Lock()
	p.polls = append(p.polls, poll{tasks: tasks})
	p.mu.Unlock()
	p.notify()
}

// AddPollError queues a failed poll.
func (p *Proxy) AddPollError(err error) {
	p.mu.Lock()
	p.polls = append(p.polls, poll{err: err})
	p.mu.Unlock()
	p.notify()
}

// SetPayload sets the stream content for task id.
func (p *Proxy) SetPayload(id string, r io.Reader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads[id] = r
}

// FailConnect makes every ConnectSocket call fail with err.
func (p *Proxy) FailConnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// FailCreate makes the next n CreateSocket calls fail with err. n < 0 fails
// all of them.
func (p *Proxy) FailCreate(err error, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createErr = err
	p.createErrs = n
}

// HoldCreate makes CreateSocket block, the way an open waits for the
// receiver to connect, until release is called or the call's context is
// done.
func (p *Proxy) HoldCreate() (release func()) {
	ch := make(chan struct{})
	p.mu.Lock()
	p.hold = ch
	p.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Holding returns how many CreateSocket calls are blocked by HoldCreate.
func (p *Proxy) Holding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.holding
}

// Polls returns how many polls have been answered.
func (p *Proxy) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pollCount
}

// Outbound returns the streams opened through CreateSocket, in order.
func (p *Proxy) Outbound() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Stream(nil), p.outbound...)
}

// PollSockets implements relay.Proxy.
func (p *Proxy) PollSockets(ctx context.Context, _ int) ([]beam.SocketTask, error) {
	for {
		p.mu.Lock()
		if len(p.polls) > 0 {
			next := p.polls[0]
			p.polls = p.polls[1:]
			p.pollCount++
			p.mu.Unlock()
			return next.tasks, next.err
		}
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.queued:
		}
	}
}

// ConnectSocket implements relay.Proxy.
func (p *Proxy) ConnectSocket(_ context.Context, id string) (io.ReadWriteCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	r, ok := p.payloads[id]
	if !ok {
		r = strings.NewReader("")
	}
	delete(p.payloads, id)
	return &inbound{r: r}, nil
}

// CreateSocket implements relay.Proxy.
func (p *Proxy) CreateSocket(ctx context.Context, to beam.AppID, metadata any) (io.ReadWriteCloser, error) {
	p.mu.Lock()
	if hold := p.hold; hold != nil {
		p.holding++
		p.mu.Unlock()
		select {
		case <-hold:
		case <-ctx.Done():
		}
		p.mu.Lock()
		p.holding--
		if ctx.Err() != nil {
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	defer p.mu.Unlock()
	if p.createErr != nil && p.createErrs != 0 {
		p.createErrs--
		return nil, p.createErr
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	s := &Stream{To: to, Metadata: raw, done: make(chan struct{})}
	p.outbound = append(p.outbound, s)
	return s, nil
}

func (p *Proxy) notify() {
	select {
	case p.queued <- struct{}{}:
	default:
	}
}

// Stream records what was written to an outbound socket.
type Stream struct {
	To       beam.AppID
	Metadata json.RawMessage

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	done   chan struct{}
}

// Write implements io.Writer.
func (s *Stream) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("write on closed stream")
	}
	return s.buf.Write(b)
}

// Read always reports EOF; the remote side never answers.
func (s *Stream) Read([]byte) (int, error) { return 0, io.EOF }

// Close implements io.Closer. Closing twice is not an error.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Done is closed once the stream is closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Closed reports whether the stream has been closed.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Data returns everything written so far.
func (s *Stream) Data() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// inbound is the stream handed out by ConnectSocket.
type inbound struct {
	r io.Reader
}

func (s *inbound) Read(b []byte) (int, error)  { return s.r.Read(b) }
func (s *inbound) Write(b []byte) (int, error) { return len(b), nil }
func (s *inbound) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
