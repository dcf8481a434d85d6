// Package metrics exposes Prometheus metrics for poll cycles and handshakes.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inercia/myfisker/internal/apierr"
	"github.com/inercia/myfisker/internal/logging"
	"github.com/inercia/myfisker/internal/protocol"
	"github.com/inercia/myfisker/internal/twin"
)

const namespace = "myfisker"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// PollCycles counts poll cycles by result ("ok" or an error kind).
	PollCycles *prometheus.CounterVec
	// HandshakeDuration observes handshake runs by target handler.
	HandshakeDuration *prometheus.HistogramVec
	// LastSuccess is the unix time of the last successful cycle.
	LastSuccess prometheus.Gauge
	// SnapshotKeys is the number of keys in the last snapshot.
	SnapshotKeys prometheus.Gauge
	// StateOfCharge is the last reported battery state of charge.
	StateOfCharge prometheus.Gauge
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Total number of poll cycles by result.",
		}, []string{"result"}),
		HandshakeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Duration of WebSocket handshake runs by target.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful poll cycle.",
		}),
		SnapshotKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_keys",
			Help:      "Number of flattened keys in the last snapshot.",
		}),
		StateOfCharge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_state_of_charge",
			Help:      "Battery state of charge in percent from the last snapshot.",
		}),
	}
	m.registry.MustRegister(
		m.PollCycles,
		m.HandshakeDuration,
		m.LastSuccess,
		m.SnapshotKeys,
		m.StateOfCharge,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHandshake records one handshake run. Its signature matches
// session.Observer.
func (m *Metrics) ObserveHandshake(target protocol.Handler, elapsed time.Duration, _ error) {
	if m == nil {
		return
	}
	m.HandshakeDuration.WithLabelValues(string(target)).Observe(elapsed.Seconds())
}

// RecordCycle counts a finished poll cycle, labelled by the error kind of err.
func (m *Metrics) RecordCycle(err error, at time.Time) {
	if m == nil {
		return
	}
	m.PollCycles.WithLabelValues(apierr.KindName(err)).Inc()
	if err == nil {
		m.LastSuccess.Set(float64(at.Unix()))
	}
}

// RecordSnapshot updates the gauges derived from a snapshot.
func (m *Metrics) RecordSnapshot(flat twin.Flat) {
	if m == nil {
		return
	}
	m.SnapshotKeys.Set(float64(len(flat)))
	if _, ok := flat[twin.KeyStateOfCharge]; ok {
		m.StateOfCharge.Set(flat.Number(twin.KeyStateOfCharge))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Server serves /metrics and /health.
type Server struct {
	addr    string
	metrics *Metrics

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics server listening on addr.
func NewServer(addr string, m *Metrics) *Server {
	return &Server{addr: addr, metrics: m}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("metrics server already running")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	logger := logging.WithComponent("metrics")
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}(s.server)
	logger.Info("Serving metrics", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
