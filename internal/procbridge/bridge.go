// Package procbridge couples a child process to the sessions serving it:
// when the process exits, the sessions are torn down, exactly once.
package procbridge

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/postalsys/wirepost/internal/faults"
	"github.com/postalsys/wirepost/internal/logging"
	"github.com/postalsys/wirepost/internal/metrics"
	"github.com/postalsys/wirepost/internal/recovery"
	"github.com/postalsys/wirepost/internal/session"
)

// Bridge runs a child process and tears down its sessions when it exits.
type Bridge struct {
	cmd      *exec.Cmd
	registry *session.Registry
	keys     []string
	logger   *slog.Logger
	metrics  *metrics.Metrics

	teardown sync.Once
	done     chan struct{}
	waitErr  error
}

// Options configures a spawned process.
type Options struct {
	// Registry holds the sessions to close when the process exits. May be
	// nil when no sessions are coupled to the process.
	Registry *session.Registry
	// SessionKeys restricts teardown to these registry keys. Empty means
	// every session in the registry.
	SessionKeys []string
	// Env is appended to the inherited environment.
	Env []string
	// Dir is the working directory. Empty means inherit.
	Dir string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Spawn starts command with args, wiring its stdio to the parent's, and
// monitors it until exit. Cancelling ctx kills the process.
func Spawn(ctx context.Context, command string, args []string, opts Options) (*Bridge, error) {
	if command == "" {
		return nil, faults.ErrInvalidArgument
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	b := &Bridge{
		cmd:      cmd,
		registry: opts.Registry,
		keys:     opts.SessionKeys,
		logger:   logger,
		metrics:  opts.Metrics,
		done:     make(chan struct{}),
	}

	logger.Info("process started",
		"command", command,
		"pid", cmd.Process.Pid)

	go b.monitor()

	return b, nil
}

// monitor waits for the process and runs the teardown cascade.
func (b *Bridge) monitor() {
	defer recovery.RecoverWithLog(b.logger, "procbridge.Bridge.monitor")

	err := b.cmd.Wait()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		b.waitErr = nil
	case errors.As(err, &exitErr):
		b.waitErr = &faults.ProcessExitError{Code: exitErr.ExitCode()}
	default:
		b.waitErr = err
	}

	code := 0
	var pe *faults.ProcessExitError
	switch {
	case b.waitErr == nil:
	case errors.As(b.waitErr, &pe):
		code = pe.Code
	default:
		code = -1
	}

	b.logger.Info("process exited",
		logging.KeyExitCode, code,
		logging.KeyError, b.waitErr)

	if b.metrics != nil {
		outcome := "success"
		if b.waitErr != nil {
			outcome = "failure"
		}
		b.metrics.ProcessExits.WithLabelValues(outcome).Inc()
	}

	b.runTeardown()
	close(b.done)
}

// runTeardown closes the coupled sessions. Runs at most once even when the
// process exit races an explicit Stop.
func (b *Bridge) runTeardown() {
	b.teardown.Do(func() {
		if b.registry == nil {
			return
		}
		b.logger.Debug("closing sessions after process exit",
			"sessions", b.registry.Len())
		b.registry.CloseAll(b.keys...)
	})
}

// Pid returns the child's process id.
func (b *Bridge) Pid() int {
	return b.cmd.Process.Pid
}

// Done is closed once the process has exited and teardown finished.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the process exits. A nonzero exit yields
// *faults.ProcessExitError; other failures pass through.
func (b *Bridge) Wait() error {
	<-b.done
	return b.waitErr
}

// Stop kills the process and runs the teardown cascade if it has not run.
func (b *Bridge) Stop() error {
	b.runTeardown()
	if b.cmd.Process == nil {
		return nil
	}
	err := b.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
