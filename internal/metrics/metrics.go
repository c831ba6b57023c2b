// Package metrics provides Prometheus metrics for beamfile.
package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/philsphicas/beamfile/internal/beam"
	"github.com/philsphicas/beamfile/internal/protocol"
	"github.com/philsphicas/beamfile/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "beamfile"

// OverflowPeer is used as the peer label when the number of unique peers
// exceeds MaxPeers.
const OverflowPeer = "__other__"

// Roles.
const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
	RoleTunnel   = "tunnel"
	RoleWatch    = "watch"
)

// Error reasons.
const (
	ReasonOpenFailed    = "open_failed"
	ReasonOpenTimeout   = "open_timeout"
	ReasonPollFailed    = "poll_failed"
	ReasonConnectFailed = "connect_failed"
	ReasonAuthFailed    = "auth_failed"
	ReasonBadRequest    = "bad_request"
	ReasonRejected      = "admission_rejected"
	ReasonSourceError   = "source_error"
)

// Metrics holds all Prometheus metrics for beamfile.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxPeers is the maximum number of unique peer label values.
	// Once exceeded, new peers are recorded as OverflowPeer.
	// Zero means unlimited.
	MaxPeers int

	transfersTotal   *prometheus.CounterVec
	transferErrors   *prometheus.CounterVec
	bytesTotal       *prometheus.CounterVec
	activeTransfers  *prometheus.GaugeVec
	proxyUp          prometheus.Gauge
	transferDuration *prometheus.HistogramVec
	openDuration     *prometheus.HistogramVec
	openRetriesTotal *prometheus.CounterVec

	peerCount atomic.Int64
	peers     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		transfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Total file transfers that reached the copy stage, by outcome.",
		}, []string{"role", "peer", "status"}),

		transferErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_errors_total",
			Help:      "Total number of failures before a transfer started copying, by reason.",
		}, []string{"role", "reason"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total file bytes moved through proxy sockets.",
		}, []string{"role", "peer", "direction"}),

		activeTransfers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_transfers",
			Help:      "Number of transfers currently copying.",
		}, []string{"role", "peer"}),

		proxyUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxy_up",
			Help:      "Whether the last poll of the Beam proxy succeeded (1) or not (0).",
		}),

		transferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Duration of completed transfers in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"role", "peer"}),

		openDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "open_duration_seconds",
			Help:      "Total time spent opening outbound sockets, including retry backoff intervals, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"role"}),

		openRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "open_retries_total",
			Help:      "Total number of outbound socket open retry attempts.",
		}, []string{"role"}),
	}

	reg.MustRegister(
		m.transfersTotal,
		m.transferErrors,
		m.bytesTotal,
		m.activeTransfers,
		m.proxyUp,
		m.transferDuration,
		m.openDuration,
		m.openRetriesTotal,
	)

	return m
}

// SanitizePeer returns peer if it is within the cardinality budget,
// or OverflowPeer if the cap has been reached. Peers that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizePeer(peer string) string {
	if m == nil {
		return peer
	}
	if m.MaxPeers <= 0 {
		return peer
	}

	for {
		// Fast path: already-known peer.
		if _, ok := m.peers.Load(peer); ok {
			return peer
		}

		cur := m.peerCount.Load()
		if cur >= int64(m.MaxPeers) {
			// Re-check: another goroutine may have stored this peer
			// between our Load and this cap check.
			if _, ok := m.peers.Load(peer); ok {
				return peer
			}
			return OverflowPeer
		}

		if !m.peerCount.CompareAndSwap(cur, cur+1) {
			continue
		}

		// Slot reserved. Store the peer, undoing the increment if
		// another goroutine stored it first.
		if _, loaded := m.peers.LoadOrStore(peer, struct{}{}); loaded {
			m.peerCount.Add(-1)
		}

		return peer
	}
}

// TransferStarted increments the active transfer gauge and returns a
// TransferTracker to record the outcome. The peer is sanitized through the
// cardinality guard.
func (m *Metrics) TransferStarted(role, peer string) *TransferTracker {
	if m == nil {
		return nil
	}
	peer = m.SanitizePeer(peer)
	m.activeTransfers.WithLabelValues(role, peer).Inc()
	return &TransferTracker{m: m, role: role, peer: peer, start: time.Now()}
}

// TransferError records a failure that happened before copying began.
func (m *Metrics) TransferError(role, reason string) {
	if m == nil {
		return
	}
	m.transferErrors.WithLabelValues(role, reason).Inc()
}

// ErrorReason returns "open_timeout" if opening ran out of its retry budget
// or its context deadline, otherwise fallback.
func ErrorReason(err error, fallback string) string {
	if errors.Is(err, relay.ErrOpenBudgetExhausted) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonOpenTimeout
	}
	return fallback
}

// ObserveOpenDuration records how long opening an outbound socket took.
func (m *Metrics) ObserveOpenDuration(role string, seconds float64) {
	if m == nil {
		return
	}
	m.openDuration.WithLabelValues(role).Observe(seconds)
}

// SetProxyUp sets the proxy reachability gauge.
func (m *Metrics) SetProxyUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.proxyUp.Set(1)
	} else {
		m.proxyUp.Set(0)
	}
}

// IncrOpenRetries increments the retry counter for a role.
func (m *Metrics) IncrOpenRetries(role string) {
	if m == nil {
		return
	}
	m.openRetriesTotal.WithLabelValues(role).Inc()
}

// TransferTracker records the outcome of a single transfer.
type TransferTracker struct {
	m     *Metrics
	role  string
	peer  string
	start time.Time
}

// Done records the completion of a transfer. toProxy is data written into a
// proxy socket; fromProxy is data read from one.
func (t *TransferTracker) Done(toProxy, fromProxy int64, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeTransfers.WithLabelValues(t.role, t.peer).Dec()
	t.m.transfersTotal.WithLabelValues(t.role, t.peer, status).Inc()
	t.m.transferDuration.WithLabelValues(t.role, t.peer).Observe(time.Since(t.start).Seconds())
	t.m.bytesTotal.WithLabelValues(t.role, t.peer, "to_proxy").Add(float64(toProxy))
	t.m.bytesTotal.WithLabelValues(t.role, t.peer, "from_proxy").Add(float64(fromProxy))
}

// TrackedUpload wraps relay.Upload with transfer lifecycle tracking.
// Safe to call on a nil receiver.
func (m *Metrics) TrackedUpload(ctx context.Context, stream io.WriteCloser, src io.Reader, role, peer string) (int64, error) {
	tracker := m.TransferStarted(role, peer)
	n, err := relay.Upload(ctx, stream, src)
	tracker.Done(n, 0, err)
	return n, err
}

// InstrumentedOpen wraps relay.OpenWithTimeout with duration and error
// metrics. budget controls the total retry budget (0 = single attempt).
// Safe to call on a nil receiver.
func (m *Metrics) InstrumentedOpen(ctx context.Context, p relay.Proxy, to beam.AppID, meta protocol.FileMeta, role string, budget time.Duration, logger *slog.Logger) (io.ReadWriteCloser, error) {
	start := time.Now()
	var onRetry func()
	if m != nil {
		onRetry = func() { m.IncrOpenRetries(role) }
	}
	stream, err := relay.OpenWithTimeout(ctx, p, to, meta, budget, onRetry, logger)
	m.ObserveOpenDuration(role, time.Since(start).Seconds())
	if err != nil {
		m.TransferError(role, ErrorReason(err, ReasonOpenFailed))
		return nil, err
	}
	return stream, nil
}
