package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/inercia/myfisker/internal/publish"
	"github.com/inercia/myfisker/internal/runner"
	"github.com/inercia/myfisker/internal/twin"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    []string
		wantErr bool
	}{
		{"simple", "notify-send hello", []string{"notify-send", "hello"}, false},
		{"quoted", `notify-send "Car updated" --urgency low`, []string{"notify-send", "Car updated", "--urgency", "low"}, false},
		{"sh -c", `sh -c 'cat > /tmp/x && echo ok'`, []string{"sh", "-c", "cat > /tmp/x && echo ok"}, false},
		{"empty", "   ", nil, true},
		{"unclosed quote", `echo "oops`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.command)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("ParseCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func testSnapshot() publish.Snapshot {
	return publish.Snapshot{
		CycleID: "cycle-42",
		VIN:     "XYZ123",
		Flat: twin.Flat{
			"vin":                     "XYZ123",
			"battery_state_of_charge": 80.0,
			"battery_max_miles":       1.0,
		},
		Unavailable: map[string]bool{"battery_max_miles": true},
	}
}

func TestOnUpdate_ReceivesSnapshot(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "snapshot.json")
	env := filepath.Join(dir, "env.txt")

	h, err := NewOnUpdate(Config{
		Command: `sh -c 'cat > "$0" && printf "%s %s" "$MYFISKER_VIN" "$MYFISKER_CYCLE_ID" > "$1"' ` + out + " " + env,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewOnUpdate() error = %v", err)
	}
	if err := h.Publish(context.Background(), testSnapshot()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("hook output missing: %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("stdin was not JSON: %v\n%s", err, data)
	}
	if flat["battery_state_of_charge"] != 80.0 {
		t.Errorf("stdin = %v", flat)
	}
	if _, ok := flat["battery_max_miles"]; ok {
		t.Error("unavailable key passed to hook")
	}

	envData, _ := os.ReadFile(env)
	if string(envData) != "XYZ123 cycle-42" {
		t.Errorf("env = %q", envData)
	}
}

func TestOnUpdate_ThroughRunner(t *testing.T) {
	r, err := runner.New(runner.Config{Type: runner.TypeExec}, nil)
	if err != nil {
		t.Fatalf("runner.New() error = %v", err)
	}
	out := filepath.Join(t.TempDir(), "snapshot.json")

	h, err := NewOnUpdate(Config{
		Command: `sh -c 'cat > "$0"; echo "$MYFISKER_VIN"' ` + out,
		Timeout: 5 * time.Second,
		Runner:  r,
	})
	if err != nil {
		t.Fatalf("NewOnUpdate() error = %v", err)
	}
	if err := h.Publish(context.Background(), testSnapshot()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("hook output missing: %v", err)
	}
	if !bytes.Contains(data, []byte(`"vin":"XYZ123"`)) {
		t.Errorf("stdin = %s", data)
	}
}

func TestOnUpdate_Failure(t *testing.T) {
	h, err := NewOnUpdate(Config{Name: "fails", Command: "sh -c 'echo broken >&2; exit 3'"})
	if err != nil {
		t.Fatal(err)
	}
	err = h.Publish(context.Background(), testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "fails") {
		t.Errorf("Publish() error = %v", err)
	}
}

func TestOnUpdate_Timeout(t *testing.T) {
	h, err := NewOnUpdate(Config{Command: "sleep 10", Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	err = h.Publish(context.Background(), testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Publish() error = %v, want timeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("hook was not killed at the timeout")
	}
}

func TestNewOnUpdate_Invalid(t *testing.T) {
	if _, err := NewOnUpdate(Config{Command: ""}); err == nil {
		t.Error("NewOnUpdate(empty) succeeded")
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{buf: &buf, max: 5}
	for _, chunk := range []string{"abc", "defgh", "ij"} {
		n, err := w.Write([]byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("Write(%q) = %d, %v", chunk, n, err)
		}
	}
	if buf.String() != "abcde" {
		t.Errorf("kept %q, want abcde", buf.String())
	}
}
