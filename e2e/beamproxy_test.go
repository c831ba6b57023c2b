//go:build e2e

package e2e

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// beamProxy is an in-process stand-in for a Samply.Beam proxy and broker.
// Every app id shares one broker: a socket created by one beamfile process
// shows up in the task queue of its destination, and the POST that created
// it is held until the destination connects, then both upgraded connections
// are spliced together.
type beamProxy struct {
	srv *httptest.Server

	mu      sync.Mutex
	queues  map[string]chan socketTask
	pending map[string]*pendingSocket

	polls   atomic.Int64
	created atomic.Int64
}

type socketTask struct {
	ID       string          `json:"id"`
	From     string          `json:"from"`
	To       []string        `json:"to"`
	TTL      string          `json:"ttl"`
	Metadata json.RawMessage `json:"metadata"`
}

type pendingSocket struct {
	recv chan upgraded
}

type upgraded struct {
	conn net.Conn
	rw   *bufio.ReadWriter
}

const (
	pollWait    = 2 * time.Second
	pairTimeout = 30 * time.Second
)

func startBeamProxy(t *testing.T) *beamProxy {
	t.Helper()
	p := &beamProxy{
		queues:  make(map[string]chan socketTask),
		pending: make(map[string]*pendingSocket),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sockets", p.handlePoll)
	mux.HandleFunc("GET /v1/sockets/{id}", p.handleConnect)
	mux.HandleFunc("POST /v1/sockets/{to}", p.handleCreate)
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

// URL is the base URL to pass as BEAM_URL.
func (p *beamProxy) URL() string { return p.srv.URL }

// Polls is the number of task polls served so far.
func (p *beamProxy) Polls() int64 { return p.polls.Load() }

// Created is the number of outbound sockets requested so far.
func (p *beamProxy) Created() int64 { return p.created.Load() }

func (p *beamProxy) queue(appID string) chan socketTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[appID]
	if !ok {
		q = make(chan socketTask, 64)
		p.queues[appID] = q
	}
	return q
}

// caller extracts the app id from "Authorization: ApiKey <id> <secret>".
func caller(r *http.Request) (string, bool) {
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) != 3 || fields[0] != "ApiKey" || fields[2] == "" {
		return "", false
	}
	return fields[1], true
}

func (p *beamProxy) handlePoll(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	p.polls.Add(1)

	tasks := []socketTask{}
	select {
	case task := <-p.queue(id):
		tasks = append(tasks, task)
	case <-time.After(pollWait):
	case <-r.Context().Done():
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tasks)
}

func (p *beamProxy) handleCreate(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	p.created.Add(1)
	to := r.PathValue("to")
	meta := json.RawMessage(r.Header.Get("metadata"))
	if !json.Valid(meta) {
		http.Error(w, "invalid metadata header", http.StatusBadRequest)
		return
	}

	task := socketTask{ID: uuid.NewString(), From: from, To: []string{to}, TTL: "30s", Metadata: meta}
	ps := &pendingSocket{recv: make(chan upgraded, 1)}
	p.mu.Lock()
	p.pending[task.ID] = ps
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, task.ID)
		p.mu.Unlock()
	}()
	p.queue(to) <- task

	var dst upgraded
	select {
	case dst = <-ps.recv:
	case <-time.After(pairTimeout):
		http.Error(w, "receiver did not connect", http.StatusGatewayTimeout)
		return
	case <-r.Context().Done():
		return
	}
	defer dst.conn.Close()

	src, err := hijack(w)
	if err != nil {
		return
	}
	defer src.conn.Close()
	io.Copy(dst.conn, src.rw)
}

func (p *beamProxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	p.mu.Lock()
	ps, ok := p.pending[r.PathValue("id")]
	p.mu.Unlock()
	if !ok {
		http.Error(w, "no such socket", http.StatusNotFound)
		return
	}
	u, err := hijack(w)
	if err != nil {
		return
	}
	ps.recv <- u
}

// hijack answers 101 and takes over the connection.
func hijack(w http.ResponseWriter) (upgraded, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return upgraded{}, fmt.Errorf("hijacking not supported")
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return upgraded{}, err
	}
	fmt.Fprint(rw, "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: tcp\r\n\r\n")
	if err := rw.Flush(); err != nil {
		conn.Close()
		return upgraded{}, err
	}
	return upgraded{conn: conn, rw: rw}, nil
}
