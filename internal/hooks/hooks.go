// Package hooks runs user commands when a new vehicle snapshot arrives and
// coordinates graceful shutdown.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/inercia/myfisker/internal/logging"
	"github.com/inercia/myfisker/internal/publish"
	"github.com/inercia/myfisker/internal/runner"
)

// DefaultTimeout bounds a single hook run.
const DefaultTimeout = 30 * time.Second

// Environment variables passed to hook commands.
const (
	EnvVIN     = "MYFISKER_VIN"
	EnvCycleID = "MYFISKER_CYCLE_ID"
)

// maxOutput caps how much hook output is kept for logging.
const maxOutput = 4096

// Config describes a hook command.
type Config struct {
	Name    string
	Command string
	Timeout time.Duration
	// Runner executes the command inside a sandbox. Nil runs it directly.
	Runner *runner.Runner
}

// ParseCommand splits a command string into arguments using shell quoting
// rules, without invoking a shell:
//
//	notify-send "Car updated" -> ["notify-send", "Car updated"]
func ParseCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	return args, nil
}

// OnUpdate runs a command for every snapshot. The command receives the
// displayable flat mapping as JSON on stdin. It implements publish.Publisher.
type OnUpdate struct {
	name    string
	args    []string
	timeout time.Duration
	runner  *runner.Runner
	logger  *slog.Logger
}

// NewOnUpdate parses cfg.Command.
func NewOnUpdate(cfg Config) (*OnUpdate, error) {
	args, err := ParseCommand(cfg.Command)
	if err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = "on_update"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OnUpdate{
		name:    name,
		args:    args,
		timeout: timeout,
		runner:  cfg.Runner,
		logger:  logging.Hook().With("hook", name),
	}, nil
}

// Args returns the parsed command line.
func (h *OnUpdate) Args() []string {
	return append([]string(nil), h.args...)
}

// Publish runs the command synchronously for snap.
func (h *OnUpdate) Publish(ctx context.Context, snap publish.Snapshot) error {
	input, err := json.Marshal(snap.Display())
	if err != nil {
		return fmt.Errorf("hook %s: encode snapshot: %w", h.name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	env := append(os.Environ(), EnvVIN+"="+snap.VIN, EnvCycleID+"="+snap.CycleID)
	var out bytes.Buffer
	output := &limitedWriter{buf: &out, max: maxOutput}

	start := time.Now()
	if h.runner != nil {
		err = h.runner.Run(ctx, h.args, env, input, output)
	} else {
		cmd := exec.CommandContext(ctx, h.args[0], h.args[1:]...)
		cmd.Stdin = bytes.NewReader(input)
		cmd.Env = env
		cmd.WaitDelay = time.Second
		cmd.Stdout = output
		cmd.Stderr = output
		err = cmd.Run()
	}
	logger := logging.WithCycle(h.logger, snap.CycleID)
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", h.timeout, err)
		}
		logger.Error("Hook failed",
			"exit_code", exitCode,
			"output", strings.TrimSpace(out.String()),
			"error", err)
		return fmt.Errorf("hook %s: %w", h.name, err)
	}

	logger.Debug("Hook completed",
		"duration", time.Since(start),
		"output", strings.TrimSpace(out.String()))
	return nil
}

// limitedWriter keeps the first max bytes and discards the rest.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
