package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/inercia/myfisker/internal/fileutil"
	"github.com/inercia/myfisker/internal/twin"
)

const stateFilePerm = 0o600

// stateRecord is the on-disk form of a Snapshot. Unlike the JSON lines
// writer it keeps every value so the display rules can be re-applied on load.
type stateRecord struct {
	CycleID     string          `json:"cycle_id"`
	VIN         string          `json:"vin"`
	FetchedAt   time.Time       `json:"fetched_at"`
	Flat        twin.Flat       `json:"flat"`
	Unavailable map[string]bool `json:"unavailable,omitempty"`
}

// StateFile keeps the latest snapshot in a JSON file, replacing it on
// every publish.
type StateFile struct {
	path string
}

// NewStateFile creates a publisher writing to path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path returns the state file location.
func (s *StateFile) Path() string {
	return s.path
}

// Publish writes snap to the state file.
func (s *StateFile) Publish(_ context.Context, snap Snapshot) error {
	rec := stateRecord{
		CycleID:     snap.CycleID,
		VIN:         snap.VIN,
		FetchedAt:   snap.FetchedAt,
		Flat:        snap.Flat,
		Unavailable: snap.Unavailable,
	}
	if err := fileutil.WriteJSONAtomic(s.path, rec, stateFilePerm); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LoadState reads a snapshot saved by StateFile. For a missing file the
// error matches fs.ErrNotExist.
func LoadState(path string) (Snapshot, error) {
	var rec stateRecord
	if err := fileutil.ReadJSON(path, &rec); err != nil {
		return Snapshot{}, fmt.Errorf("load state: %w", err)
	}
	if rec.Flat == nil {
		rec.Flat = twin.Flat{}
	}
	return Snapshot{
		CycleID:     rec.CycleID,
		VIN:         rec.VIN,
		FetchedAt:   rec.FetchedAt,
		Flat:        rec.Flat,
		Unavailable: rec.Unavailable,
	}, nil
}
