// Package publish delivers snapshots to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/inercia/myfisker/internal/logging"
	"github.com/inercia/myfisker/internal/twin"
)

// Snapshot is one successful poll result.
type Snapshot struct {
	CycleID   string
	VIN       string
	FetchedAt time.Time
	Flat      twin.Flat
	// Unavailable has an entry for every key governed by a display rule;
	// true means the value must not be shown.
	Unavailable map[string]bool
}

// Available reports whether key may be displayed.
func (s Snapshot) Available(key string) bool {
	return !s.Unavailable[key]
}

// Display returns the flat mapping without unavailable keys.
func (s Snapshot) Display() twin.Flat {
	out := make(twin.Flat, len(s.Flat))
	for k, v := range s.Flat {
		if s.Available(k) {
			out[k] = v
		}
	}
	return out
}

// Keys returns the flat keys in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Flat))
	for k := range s.Flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Publisher delivers a snapshot somewhere.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// Func adapts a function to the Publisher interface.
type Func func(ctx context.Context, snap Snapshot) error

// Publish calls f.
func (f Func) Publish(ctx context.Context, snap Snapshot) error {
	return f(ctx, snap)
}

// Multi fans a snapshot out to several publishers. A failing publisher is
// logged and does not stop the others.
type Multi struct {
	publishers []Publisher
	logger     *slog.Logger
}

// NewMulti creates a fan-out publisher. Nil publishers are skipped.
func NewMulti(pubs ...Publisher) *Multi {
	m := &Multi{logger: logging.Publish()}
	for _, p := range pubs {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

// Len returns the number of publishers.
func (m *Multi) Len() int {
	return len(m.publishers)
}

// Publish delivers snap to every publisher and joins their errors.
func (m *Multi) Publish(ctx context.Context, snap Snapshot) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, snap); err != nil {
			m.logger.Warn("Publisher failed", "publisher", fmt.Sprintf("%T", p), "cycle_id", snap.CycleID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Writer writes each snapshot as one JSON line.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a publisher writing JSON lines to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

type writerRecord struct {
	CycleID     string          `json:"cycle_id"`
	VIN         string          `json:"vin"`
	FetchedAt   time.Time       `json:"fetched_at"`
	Data        twin.Flat       `json:"data"`
	Unavailable map[string]bool `json:"unavailable,omitempty"`
}

// Publish writes snap.
func (w *Writer) Publish(_ context.Context, snap Snapshot) error {
	data, err := json.Marshal(writerRecord{
		CycleID:     snap.CycleID,
		VIN:         snap.VIN,
		FetchedAt:   snap.FetchedAt,
		Data:        snap.Display(),
		Unavailable: snap.Unavailable,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(append(data, '\n'))
	return err
}

// Log logs a one-line summary of each snapshot.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a publisher logging to logger, or the publish component
// logger when nil.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = logging.Publish()
	}
	return &Log{logger: logger}
}

// Publish logs snap.
func (l *Log) Publish(_ context.Context, snap Snapshot) error {
	s := twin.Summarize(snap.Display())
	logging.WithCycle(logging.WithVehicle(l.logger, snap.VIN), snap.CycleID).Info("Vehicle snapshot",
		"online", s.Online,
		"soc", s.Battery.StateOfCharge,
		"range", s.Battery.MaxMiles,
		"odometer", s.Battery.TotalMileageOdometer,
		"updated", s.Updated,
		"keys", s.LeafKeys)
	return nil
}
