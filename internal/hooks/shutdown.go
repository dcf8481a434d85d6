package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/inercia/myfisker/internal/logging"
)

// DefaultShutdownTimeout bounds the whole shutdown sequence.
const DefaultShutdownTimeout = 10 * time.Second

// StepFunc releases one component. ctx expires when the shutdown budget is spent.
type StepFunc func(ctx context.Context) error

type step struct {
	name string
	fn   StepFunc
}

// ShutdownManager stops the components of a long-running command exactly
// once, whether shutdown comes from a signal, from the parent context or
// from the caller. Steps run in reverse registration order, so components
// registered in start order stop in the opposite order.
type ShutdownManager struct {
	timeout time.Duration

	mu      sync.Mutex
	steps   []step
	reason  string
	err     error
	stopSig func()

	once sync.Once
	done chan struct{}
}

// NewShutdownManager creates a manager whose steps share timeout. A
// non-positive timeout means DefaultShutdownTimeout.
func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	return &ShutdownManager{
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// AddStep registers a named shutdown step.
func (sm *ShutdownManager) AddStep(name string, fn StepFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.steps = append(sm.steps, step{name: name, fn: fn})
}

// Start shuts down on SIGINT, SIGTERM or when ctx is done. It returns
// immediately.
func (sm *ShutdownManager) Start(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sm.mu.Lock()
	sm.stopSig = func() { signal.Stop(sigCh) }
	sm.mu.Unlock()

	go func() {
		select {
		case sig := <-sigCh:
			logging.Shutdown().Info("Signal received", "signal", sig.String())
			sm.Shutdown("signal:" + sig.String())
		case <-ctx.Done():
			sm.Shutdown("context cancelled")
		case <-sm.done:
		}
	}()
}

// Shutdown runs every step and blocks until they return. Only the first
// call has any effect; later calls wait for it to finish.
func (sm *ShutdownManager) Shutdown(reason string) {
	sm.once.Do(func() { sm.run(reason) })
	<-sm.done
}

func (sm *ShutdownManager) run(reason string) {
	logger := logging.Shutdown()
	logger.Info("Shutting down", "reason", reason)

	sm.mu.Lock()
	sm.reason = reason
	steps := append([]step(nil), sm.steps...)
	stopSig := sm.stopSig
	sm.mu.Unlock()

	if stopSig != nil {
		stopSig()
	}

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		start := time.Now()
		if err := s.fn(ctx); err != nil {
			logger.Warn("Shutdown step failed", "step", s.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		logger.Debug("Shutdown step done", "step", s.name, "duration", time.Since(start))
	}

	sm.mu.Lock()
	sm.err = errors.Join(errs...)
	sm.mu.Unlock()

	logger.Info("Shutdown complete", "reason", reason, "failed_steps", len(errs))
	close(sm.done)
}

// Done is closed once shutdown has completed.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// Reason returns why shutdown started, or "" before it has.
func (sm *ShutdownManager) Reason() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.reason
}

// Err returns the joined errors of the failed steps.
func (sm *ShutdownManager) Err() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.err
}
