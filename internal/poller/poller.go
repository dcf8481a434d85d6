// Package poller periodically fetches the vehicle snapshot and hands it to
// the configured publishers.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/inercia/myfisker/internal/apierr"
	"github.com/inercia/myfisker/internal/logging"
	"github.com/inercia/myfisker/internal/metrics"
	"github.com/inercia/myfisker/internal/publish"
	"github.com/inercia/myfisker/internal/twin"
)

const (
	// DefaultInterval is the default time between poll cycles.
	DefaultInterval = 5 * time.Minute

	// DefaultMinTriggerInterval is the minimum time between manual triggers.
	DefaultMinTriggerInterval = 30 * time.Second
)

// Errors returned by TriggerNow.
var (
	ErrRateLimited = errors.New("poll triggered too recently")
	ErrNotRunning  = errors.New("poller is not running")
)

// Fetcher returns a flattened snapshot. *client.Client implements it.
type Fetcher interface {
	FetchSnapshot(ctx context.Context) (twin.Flat, error)
}

// Status describes the poller's recent activity.
type Status struct {
	Running       bool          `json:"running"`
	Interval      time.Duration `json:"interval"`
	Cycles        int           `json:"cycles"`
	Failures      int           `json:"failures"`
	LastCycleID   string        `json:"last_cycle_id,omitempty"`
	LastAttempt   time.Time     `json:"last_attempt,omitzero"`
	LastSuccess   time.Time     `json:"last_success,omitzero"`
	LastError     string        `json:"last_error,omitempty"`
	LastErrorKind string        `json:"last_error_kind,omitempty"`
}

// Poller runs poll cycles sequentially: on Start, every interval, and on
// TriggerNow. A failed cycle keeps the previous snapshot.
type Poller struct {
	fetcher   Fetcher
	publisher publish.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	interval  time.Duration
	limiter   *rate.Limiter
	now       func() time.Time

	rules atomic.Pointer[twin.RuleSet]

	// runMu serializes cycles.
	runMu sync.Mutex

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	doneCh    chan struct{}
	triggerCh chan struct{}

	stateMu   sync.RWMutex
	latest    publish.Snapshot
	hasLatest bool
	status    Status
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the time between cycles.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMinTriggerInterval sets how often TriggerNow may start a cycle.
func WithMinTriggerInterval(d time.Duration) Option {
	return func(p *Poller) {
		p.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithPublisher sets where snapshots go.
func WithPublisher(pub publish.Publisher) Option {
	return func(p *Poller) {
		p.publisher = pub
	}
}

// WithMetrics records cycle metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) {
		p.metrics = m
	}
}

// WithSnapshot seeds Latest with a snapshot from a previous run. It is
// replaced by the first successful cycle and does not count as one.
func WithSnapshot(snap publish.Snapshot) Option {
	return func(p *Poller) {
		p.latest = snap
		p.hasLatest = true
	}
}

// WithRules sets the display rules evaluated on every snapshot.
func WithRules(rs *twin.RuleSet) Option {
	return func(p *Poller) {
		p.rules.Store(rs)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Poller fetching from f.
func New(f Fetcher, opts ...Option) *Poller {
	p := &Poller{
		fetcher:  f,
		logger:   logging.Poller(),
		interval: DefaultInterval,
		limiter:  rate.NewLimiter(rate.Every(DefaultMinTriggerInterval), 1),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.status.Interval = p.interval
	return p
}

// SetRules replaces the display rules used by subsequent cycles.
func (p *Poller) SetRules(rs *twin.RuleSet) {
	p.rules.Store(rs)
}

// Start runs a cycle immediately and then every interval, until Stop is
// called or ctx is cancelled. It returns immediately.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.doneCh = make(chan struct{})
	p.triggerCh = make(chan struct{}, 1)

	p.setRunning(true)
	go p.loop(ctx, p.doneCh, p.triggerCh)

	p.logger.Debug("Poller started", "interval", p.interval)
}

// Stop cancels any in-flight cycle and waits for the loop to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	doneCh := p.doneCh
	p.mu.Unlock()

	<-doneCh
	p.setRunning(false)
	p.logger.Debug("Poller stopped")
}

// IsRunning returns true if the loop is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// TriggerNow asks the loop to run a cycle as soon as possible. Requests are
// rate limited; a request while one is already pending is merged into it.
func (p *Poller) TriggerNow() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return ErrNotRunning
	}
	if !p.limiter.Allow() {
		return ErrRateLimited
	}
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
	return nil
}

func (p *Poller) loop(ctx context.Context, doneCh chan struct{}, triggerCh <-chan struct{}) {
	defer close(doneCh)

	p.RunOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-triggerCh:
			p.logger.Debug("Manual poll triggered")
			p.RunOnce(ctx)
			ticker.Reset(p.interval)
		}
	}
}

// RunOnce performs one cycle: fetch, evaluate display rules, publish.
// Cycles never overlap. On failure the previous snapshot is kept.
func (p *Poller) RunOnce(ctx context.Context) (publish.Snapshot, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	cycleID := uuid.New().String()
	logger := logging.WithCycle(p.logger, cycleID)
	start := p.now()

	flat, err := p.fetcher.FetchSnapshot(ctx)
	p.metrics.RecordCycle(err, p.now())
	if err != nil {
		p.recordFailure(cycleID, start, err)
		logger.Warn("Poll cycle failed, keeping previous snapshot",
			"kind", apierr.KindName(err),
			"error", err)
		return publish.Snapshot{}, err
	}

	snap := publish.Snapshot{
		CycleID:   cycleID,
		VIN:       flat.Text(twin.KeyVIN),
		FetchedAt: start,
		Flat:      flat,
	}
	if snap.VIN == "" {
		if prev, ok := p.Latest(); ok {
			snap.VIN = prev.VIN
		}
	}

	unavailable, err := p.rules.Load().Unavailable(flat)
	if err != nil {
		logger.Warn("Display rule evaluation failed", "error", err)
	}
	snap.Unavailable = unavailable

	p.metrics.RecordSnapshot(snap.Display())
	p.recordSuccess(snap, start)

	logging.WithVehicle(logger, snap.VIN).Info("Poll cycle complete",
		"keys", len(flat),
		"duration", p.now().Sub(start))

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, snap); err != nil {
			logger.Warn("Publishing snapshot failed", "error", err)
		}
	}
	return snap, nil
}

// Latest returns the last successful snapshot.
func (p *Poller) Latest() (publish.Snapshot, bool) {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.latest, p.hasLatest
}

// Status returns a copy of the current status.
func (p *Poller) Status() Status {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.status
}

func (p *Poller) setRunning(v bool) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.status.Running = v
}

func (p *Poller) recordFailure(cycleID string, at time.Time, err error) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.status.Cycles++
	p.status.Failures++
	p.status.LastCycleID = cycleID
	p.status.LastAttempt = at
	p.status.LastError = err.Error()
	p.status.LastErrorKind = apierr.KindName(err)
}

func (p *Poller) recordSuccess(snap publish.Snapshot, at time.Time) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.latest = snap
	p.hasLatest = true
	p.status.Cycles++
	p.status.LastCycleID = snap.CycleID
	p.status.LastAttempt = at
	p.status.LastSuccess = at
	p.status.LastError = ""
	p.status.LastErrorKind = ""
}
