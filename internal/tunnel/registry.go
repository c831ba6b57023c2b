package tunnel

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TransferInfo is a snapshot of one in-flight transfer, as listed by
// GET /transfers.
type TransferInfo struct {
	ID      string    `json:"id"`
	To      string    `json:"to"`
	Name    string    `json:"name,omitempty"`
	Via     string    `json:"via"`
	Started time.Time `json:"started"`
	Bytes   int64     `json:"bytes"`
}

type transfer struct {
	id      string
	to      string
	name    string
	via     string
	started time.Time
	bytes   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

func (t *transfer) Write(p []byte) (int, error) {
	t.bytes.Add(int64(len(p)))
	return len(p), nil
}

func (t *transfer) info() TransferInfo {
	return TransferInfo{
		ID:      t.id,
		To:      t.to,
		Name:    t.name,
		Via:     t.via,
		Started: t.started,
		Bytes:   t.bytes.Load(),
	}
}

// registry tracks in-flight transfers. Every transfer context derives from
// the registry's own, so cancelAll aborts them all at once. Once closed it
// accepts no new transfers.
type registry struct {
	mu        sync.Mutex
	transfers map[string]*transfer
	closed    bool
	wg        sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func newRegistry() *registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &registry{
		transfers: make(map[string]*transfer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// add registers a transfer. It returns false once the registry is closed;
// otherwise the caller must call done when the transfer ends.
func (r *registry) add(to, name, via string) (*transfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	ctx, cancel := context.WithCancel(r.ctx)
	t := &transfer{
		id:      uuid.NewString(),
		to:      to,
		name:    name,
		via:     via,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}
	r.transfers[t.id] = t
	r.wg.Add(1)
	return t, true
}

func (r *registry) done(t *transfer) {
	t.cancel()
	r.mu.Lock()
	delete(r.transfers, t.id)
	r.mu.Unlock()
	r.wg.Done()
}

func (r *registry) list() []TransferInfo {
	r.mu.Lock()
	out := make([]TransferInfo, 0, len(r.transfers))
	for _, t := range r.transfers {
		out = append(out, t.info())
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b TransferInfo) int { return a.Started.Compare(b.Started) })
	return out
}

// close stops admitting transfers. Transfers already registered run on.
func (r *registry) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *registry) cancelAll() { r.cancel() }

// wait blocks until every registered transfer is done or ctx ends. Only a
// closed registry guarantees no transfer is added while it waits.
func (r *registry) wait(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
