package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/inercia/myfisker/internal/apierr"
	"github.com/inercia/myfisker/internal/metrics"
	"github.com/inercia/myfisker/internal/publish"
	"github.com/inercia/myfisker/internal/twin"
)

// scriptedFetcher returns the queued results in order, repeating the last one.
type scriptedFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

type fetchResult struct {
	flat twin.Flat
	err  error
}

func (f *scriptedFetcher) FetchSnapshot(ctx context.Context) (twin.Flat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i].flat, f.results[i].err
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingPublisher keeps every snapshot it receives.
type recordingPublisher struct {
	mu    sync.Mutex
	snaps []publish.Snapshot
}

func (r *recordingPublisher) Publish(_ context.Context, snap publish.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *recordingPublisher) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func okFlat(soc float64) twin.Flat {
	return twin.Flat{"vin": "XYZ123", "battery_state_of_charge": soc, "battery_max_miles": 2.0, "battery_percent": 50.0}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunOnce_Success(t *testing.T) {
	rules, err := twin.CompileRules(twin.DefaultRules)
	if err != nil {
		t.Fatal(err)
	}
	pub := &recordingPublisher{}
	m := metrics.New()
	p := New(&scriptedFetcher{results: []fetchResult{{flat: okFlat(80)}}},
		WithPublisher(pub), WithMetrics(m), WithRules(rules))

	snap, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if snap.VIN != "XYZ123" || snap.CycleID == "" {
		t.Errorf("snapshot = %+v", snap)
	}
	if !snap.Unavailable[twin.KeyMaxMiles] {
		t.Error("max-miles glitch not marked unavailable")
	}
	if _, ok := snap.Flat[twin.KeyMaxMiles]; !ok {
		t.Error("rules modified the core mapping")
	}
	if pub.Len() != 1 {
		t.Errorf("published %d snapshots, want 1", pub.Len())
	}
	if got := testutil.ToFloat64(m.PollCycles.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok cycles = %v", got)
	}
	if got := testutil.ToFloat64(m.StateOfCharge); got != 80 {
		t.Errorf("state of charge gauge = %v", got)
	}
}

func TestRunOnce_FailureKeepsPreviousSnapshot(t *testing.T) {
	connErr := apierr.Connection("receive", "timed out", nil)
	f := &scriptedFetcher{results: []fetchResult{{flat: okFlat(80)}, {err: connErr}}}
	pub := &recordingPublisher{}
	m := metrics.New()
	p := New(f, WithPublisher(pub), WithMetrics(m))

	first, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.RunOnce(context.Background()); !errors.Is(err, apierr.ErrConnection) {
		t.Fatalf("RunOnce() error = %v, want ErrConnection", err)
	}

	latest, ok := p.Latest()
	if !ok || latest.CycleID != first.CycleID {
		t.Errorf("Latest() = %+v, %v; want first snapshot", latest, ok)
	}
	if pub.Len() != 1 {
		t.Errorf("published %d snapshots, want 1", pub.Len())
	}

	st := p.Status()
	if st.Cycles != 2 || st.Failures != 1 || st.LastErrorKind != "connection" {
		t.Errorf("Status() = %+v", st)
	}
	if st.LastSuccess.IsZero() {
		t.Error("LastSuccess lost after failure")
	}
	if got := testutil.ToFloat64(m.PollCycles.WithLabelValues("connection")); got != 1 {
		t.Errorf("connection cycles = %v", got)
	}
}

func TestRunOnce_MissingVINFallsBackToPrevious(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{{flat: okFlat(80)}, {flat: twin.Flat{"online": true}}}}
	p := New(f)

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.VIN != "XYZ123" {
		t.Errorf("VIN = %q, want previous XYZ123", snap.VIN)
	}
}

func TestWithSnapshot_SeedsLatest(t *testing.T) {
	saved := publish.Snapshot{CycleID: "saved", VIN: "XYZ123", Flat: okFlat(70)}
	f := &scriptedFetcher{results: []fetchResult{{err: apierr.Connection("dial", "refused", nil)}, {flat: twin.Flat{"online": true}}}}
	p := New(f, WithSnapshot(saved))

	latest, ok := p.Latest()
	if !ok || latest.CycleID != "saved" {
		t.Fatalf("Latest() = %+v, %v; want seeded snapshot", latest, ok)
	}
	if st := p.Status(); st.Cycles != 0 || !st.LastSuccess.IsZero() {
		t.Errorf("seeding changed Status() = %+v", st)
	}

	if _, err := p.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce() expected error")
	}
	if latest, _ := p.Latest(); latest.CycleID != "saved" {
		t.Errorf("failed cycle replaced seeded snapshot: %+v", latest)
	}

	snap, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.VIN != "XYZ123" {
		t.Errorf("VIN = %q, want seeded XYZ123", snap.VIN)
	}
}

func TestStartStop(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{{flat: okFlat(80)}}}
	pub := &recordingPublisher{}
	p := New(f, WithPublisher(pub), WithInterval(20*time.Millisecond))

	p.Start(context.Background())
	if !p.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	waitFor(t, "three cycles", func() bool { return pub.Len() >= 3 })

	p.Stop()
	if p.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if p.Status().Running {
		t.Error("Status().Running = true after Stop")
	}

	calls := f.Calls()
	time.Sleep(60 * time.Millisecond)
	if f.Calls() != calls {
		t.Error("cycles continued after Stop")
	}

	p.Stop()
}

func TestTriggerNow(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{{flat: okFlat(80)}}}
	p := New(f, WithInterval(time.Hour), WithMinTriggerInterval(time.Hour))

	if err := p.TriggerNow(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("TriggerNow() before Start error = %v", err)
	}

	p.Start(context.Background())
	defer p.Stop()
	waitFor(t, "initial cycle", func() bool { return f.Calls() == 1 })

	if err := p.TriggerNow(); err != nil {
		t.Fatalf("TriggerNow() error = %v", err)
	}
	waitFor(t, "triggered cycle", func() bool { return f.Calls() == 2 })

	if err := p.TriggerNow(); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second TriggerNow() error = %v, want ErrRateLimited", err)
	}
}

func TestStop_CancelsInFlightCycle(t *testing.T) {
	started := make(chan struct{})
	blocking := fetcherFunc(func(ctx context.Context) (twin.Flat, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := New(blocking)
	p.Start(context.Background())
	<-started

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not cancel the in-flight cycle")
	}
}

type fetcherFunc func(ctx context.Context) (twin.Flat, error)

func (f fetcherFunc) FetchSnapshot(ctx context.Context) (twin.Flat, error) { return f(ctx) }
