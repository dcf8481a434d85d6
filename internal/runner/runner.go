// Package runner executes hook commands, optionally inside a sandbox
// (sandbox-exec, firejail or docker) provided by go-restricted-runner.
//
// When the requested sandbox is not available on this platform the runner
// falls back to direct execution and records why in FallbackInfo.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/inercia/go-restricted-runner/pkg/common"
	grrunner "github.com/inercia/go-restricted-runner/pkg/runner"
)

// Runner wraps go-restricted-runner.
type Runner struct {
	runner  grrunner.Runner
	runType string
	logger  *slog.Logger
	// FallbackInfo is set when the requested runner was replaced by exec.
	FallbackInfo *FallbackInfo
}

// FallbackInfo contains information about a runner fallback.
type FallbackInfo struct {
	RequestedType string
	Reason        string
}

// New creates a runner for cfg.
func New(cfg Config, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	runType := cfg.Type
	if runType == "" {
		runType = TypeExec
	}

	runnerLogger, err := common.NewLogger("", "", common.LogLevelInfo, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create runner logger: %w", err)
	}

	options := toRunnerOptions(cfg.Restrictions, NewVariableResolver())
	r, err := grrunner.New(toRunnerType(runType), options, runnerLogger)
	if err == nil {
		err = r.CheckImplicitRequirements()
	}

	var fallback *FallbackInfo
	if err != nil {
		if runType == TypeExec {
			return nil, fmt.Errorf("failed to create exec runner: %w", err)
		}
		logger.Warn("Restricted runner not available, falling back to exec",
			"requested_type", runType,
			"error", err)
		fallback = &FallbackInfo{RequestedType: runType, Reason: err.Error()}

		r, err = grrunner.New(grrunner.TypeExec, grrunner.Options{}, runnerLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback exec runner: %w", err)
		}
		runType = TypeExec
	}

	logger.Debug("Created runner", "type", runType, "fallback", fallback != nil)
	return &Runner{
		runner:       r,
		runType:      runType,
		logger:       logger,
		FallbackInfo: fallback,
	}, nil
}

// RunWithPipes starts command with access to its pipes. The caller must
// close stdin and call wait. Cancelling ctx kills the process.
func (r *Runner) RunWithPipes(
	ctx context.Context,
	command string,
	args []string,
	env []string,
) (stdin io.WriteCloser, stdout io.ReadCloser, stderr io.ReadCloser, wait func() error, err error) {
	return r.runner.RunWithPipes(ctx, command, args, env, nil)
}

// Run executes args[0] with the remaining arguments, feeds it input on
// stdin and copies stdout and stderr to output until the process exits.
func (r *Runner) Run(ctx context.Context, args []string, env []string, input []byte, output io.Writer) error {
	if len(args) == 0 {
		return errors.New("empty command")
	}
	if output == nil {
		output = io.Discard
	}

	stdin, stdout, stderr, wait, err := r.RunWithPipes(ctx, args[0], args[1:], env)
	if err != nil {
		return err
	}

	out := &lockedWriter{w: output}
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		// A command that ignores stdin may close it early.
		_, _ = stdin.Write(input)
		_ = stdin.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(out, stdout)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(out, stderr)
	}()
	wg.Wait()

	return wait()
}

// Type returns the runner type being used.
func (r *Runner) Type() string {
	return r.runType
}

// IsRestricted returns true if this runner applies restrictions (not exec).
func (r *Runner) IsRestricted() bool {
	return r.runType != TypeExec
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
