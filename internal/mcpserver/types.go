package mcpserver

import (
	"slices"
	"strings"
	"time"

	"github.com/inercia/myfisker/internal/poller"
	"github.com/inercia/myfisker/internal/publish"
	"github.com/inercia/myfisker/internal/twin"
)

// SnapshotInput filters the get_vehicle_snapshot output.
type SnapshotInput struct {
	Prefix             string `json:"prefix,omitempty" jsonschema:"only return keys starting with this prefix, e.g. battery_"`
	IncludeUnavailable bool   `json:"include_unavailable,omitempty" jsonschema:"also return values hidden by display rules"`
}

// SnapshotOutput is the get_vehicle_snapshot result.
// Dates are ISO 8601 strings.
type SnapshotOutput struct {
	CycleID     string         `json:"cycle_id"`
	VIN         string         `json:"vin"`
	FetchedAt   string         `json:"fetched_at"`
	Summary     string         `json:"summary"`
	Values      map[string]any `json:"values"`
	Unavailable []string       `json:"unavailable,omitempty"`
}

// StatusOutput is the get_vehicle_status result.
type StatusOutput struct {
	Running         bool   `json:"running"`
	IntervalSeconds int64  `json:"interval_seconds"`
	Cycles          int    `json:"cycles"`
	Failures        int    `json:"failures"`
	LastCycleID     string `json:"last_cycle_id,omitempty"`
	LastAttempt     string `json:"last_attempt,omitempty"`
	LastSuccess     string `json:"last_success,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	LastErrorKind   string `json:"last_error_kind,omitempty"`
}

// RefreshOutput is the refresh_vehicle result.
type RefreshOutput struct {
	Requested bool `json:"requested"`
}

func snapshotOutput(snap publish.Snapshot, in SnapshotInput) SnapshotOutput {
	out := SnapshotOutput{
		CycleID:   snap.CycleID,
		VIN:       snap.VIN,
		FetchedAt: isoTime(snap.FetchedAt),
		Summary:   twin.Summarize(snap.Display()).String(),
		Values:    make(map[string]any),
	}
	for key, value := range snap.Flat {
		if in.Prefix != "" && !strings.HasPrefix(key, in.Prefix) {
			continue
		}
		if !snap.Available(key) {
			out.Unavailable = append(out.Unavailable, key)
			if !in.IncludeUnavailable {
				continue
			}
		}
		out.Values[key] = value
	}
	slices.Sort(out.Unavailable)
	return out
}

func statusOutput(st poller.Status) StatusOutput {
	return StatusOutput{
		Running:         st.Running,
		IntervalSeconds: int64(st.Interval / time.Second),
		Cycles:          st.Cycles,
		Failures:        st.Failures,
		LastCycleID:     st.LastCycleID,
		LastAttempt:     isoTime(st.LastAttempt),
		LastSuccess:     isoTime(st.LastSuccess),
		LastError:       st.LastError,
		LastErrorKind:   st.LastErrorKind,
	}
}

func isoTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
