// Package bridge runs external analysis scripts and turns their output into
// JSON values. Every call spawns exactly one process and yields exactly one
// outcome: the parsed stdout document or an *InvocationError.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

var commandContext = exec.CommandContext

// waitDelay bounds how long Wait keeps reading pipes once the process is
// gone. Only applied with a timeout.
var waitDelay = 5 * time.Second

// Request names the executable to launch and its positional arguments.
type Request struct {
	// Name labels the invocation in logs and errors. Defaults to the base
	// name of Path.
	Name string
	Path string
	Args []string
}

func (r Request) label() string {
	if r.Name != "" {
		return r.Name
	}
	return filepath.Base(r.Path)
}

// Invoker is the behaviour exposed to the call sites.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (json.RawMessage, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithIgnoredPatterns replaces the default ignored stderr patterns.
func WithIgnoredPatterns(patterns PatternSet) Option {
	return func(r *Runner) {
		r.patterns = patterns
	}
}

// WithFilterMode selects chunk or line based stderr filtering.
func WithFilterMode(mode FilterMode) Option {
	return func(r *Runner) {
		r.mode = mode
	}
}

// WithTimeout bounds each invocation. Zero disables the bound.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithEnv appends KEY=value entries to the inherited environment.
func WithEnv(env ...string) Option {
	return func(r *Runner) {
		r.env = append(r.env, env...)
	}
}

// Runner launches external processes on behalf of the call sites.
type Runner struct {
	logger   *zap.Logger
	patterns PatternSet
	mode     FilterMode
	timeout  time.Duration
	env      []string
}

// NewRunner constructs a Runner using the default ignored patterns and chunk
// filtering.
func NewRunner(logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		logger:   logger.Named("bridge"),
		patterns: DefaultIgnoredPatterns(),
		mode:     FilterChunks,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke runs the process described by req and waits for it to exit.
//
// Cancelling ctx does not stop the process; only the Runner timeout does.
func (r *Runner) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	name := req.label()
	if req.Path == "" {
		return nil, &InvocationError{Name: name, Kind: KindSpawn, ExitCode: -1, Err: errors.New("command path required")}
	}

	runCtx := context.WithoutCancel(ctx)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, r.timeout)
		defer cancel()
	}

	cmd := commandContext(runCtx, req.Path, req.Args...) //nolint:gosec
	if r.timeout > 0 {
		// Grandchildren may keep the pipes open after the kill.
		cmd.WaitDelay = waitDelay
	}
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}

	var stdout bytes.Buffer
	stderr := newStderrFilter(r.patterns, r.mode)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	logger := r.logger.With(zap.String("script", name))
	logger.Debug("starting script", zap.String("path", req.Path), zap.Strings("args", req.Args))

	started := time.Now()
	if err := cmd.Start(); err != nil {
		invErr := &InvocationError{Name: name, Kind: KindSpawn, ExitCode: -1, Err: err}
		logger.Error("script failed to start", zap.Error(invErr))
		return nil, invErr
	}

	waitErr := cmd.Wait()
	stderr.flush()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	} else if waitErr != nil {
		exitCode = -1
	}

	var cause error
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		cause = waitErr
	}
	if runCtx.Err() != nil && exitCode != 0 {
		cause = runCtx.Err()
	}

	fields := []zap.Field{
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", time.Since(started)),
		zap.Int("ignored_stderr_chunks", stderr.dropped),
	}

	if errText := stderr.String(); exitCode != 0 || errText != "" || cause != nil {
		invErr := &InvocationError{Name: name, Kind: KindExit, ExitCode: exitCode, Stderr: errText, Err: cause}
		switch {
		case errText != "":
			invErr.Kind = KindStderr
		case exitCode == 0:
			invErr.Kind = KindWait
		}
		logger.Error("script failed", append(fields, zap.Error(invErr))...)
		return nil, invErr
	}

	value, err := decodeOutput(stdout.Bytes())
	if err != nil {
		invErr := &InvocationError{Name: name, Kind: KindParse, ExitCode: exitCode, Err: err}
		logger.Error("script output is not JSON", append(fields, zap.Error(invErr), zap.Int("stdout_bytes", stdout.Len()))...)
		return nil, invErr
	}

	logger.Info("script completed", fields...)
	return value, nil
}

// decodeOutput validates that out holds exactly one JSON document and returns
// it in compacted form.
func decodeOutput(out []byte) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, err
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(compact.Bytes()), nil
}

var _ Invoker = (*Runner)(nil)
