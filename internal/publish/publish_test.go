package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/inercia/myfisker/internal/twin"
)

func testSnapshot() Snapshot {
	return Snapshot{
		CycleID:   "cycle-1",
		VIN:       "XYZ123",
		FetchedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Flat: twin.Flat{
			"vin":                     "XYZ123",
			"online":                  true,
			"battery_state_of_charge": 80.0,
			"battery_max_miles":       2.0,
			"doors_trunk":             nil,
		},
		Unavailable: map[string]bool{"battery_max_miles": true},
	}
}

func TestSnapshot_Display(t *testing.T) {
	snap := testSnapshot()
	d := snap.Display()
	if _, ok := d["battery_max_miles"]; ok {
		t.Error("unavailable key present in Display()")
	}
	if len(d) != len(snap.Flat)-1 {
		t.Errorf("len(Display()) = %d, want %d", len(d), len(snap.Flat)-1)
	}
	if _, ok := snap.Flat["battery_max_miles"]; !ok {
		t.Error("Display() modified the core mapping")
	}
}

func TestMulti_ContinuesOnError(t *testing.T) {
	var calls []string
	failing := Func(func(context.Context, Snapshot) error {
		calls = append(calls, "failing")
		return errors.New("broker down")
	})
	ok := Func(func(context.Context, Snapshot) error {
		calls = append(calls, "ok")
		return nil
	})

	m := NewMulti(failing, nil, ok)
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
	err := m.Publish(context.Background(), testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Errorf("Publish() error = %v", err)
	}
	if strings.Join(calls, ",") != "failing,ok" {
		t.Errorf("calls = %v", calls)
	}
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Publish(context.Background(), testSnapshot()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	data, _ := rec["data"].(map[string]any)
	if data["battery_state_of_charge"] != 80.0 {
		t.Errorf("data = %v", data)
	}
	if _, ok := data["battery_max_miles"]; ok {
		t.Error("unavailable key written")
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Error("record not newline terminated")
	}
}
