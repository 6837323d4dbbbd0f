// Package executor launches and supervises test processes.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mpataki/testforge/internal/metrics"
)

var (
	ErrTooManyRuns         = errors.New("too many concurrent runs")
	ErrExecutableNotFound  = errors.New("executable not found")
	ErrWorkDirNotFound     = errors.New("test working directory not found")
	ErrTimeout             = errors.New("test run timed out")
	ErrProcessStartFailure = errors.New("failed to start test process")
)

const (
	DefaultMaxConcurrent = 5
	DefaultTimeout       = 5 * time.Minute

	// drainGrace bounds how long output is read after a kill.
	drainGrace = 5 * time.Second
)

// Request describes one process launch.
type Request struct {
	RunID   string
	Command []string
	Dir     string
	// Env is the complete environment in KEY=VALUE form.
	Env     []string
	Timeout time.Duration
	// OnLine receives each non-empty output line as it is produced. It is
	// called from the stdout and stderr readers concurrently.
	OnLine func(stream, line string)
}

type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	// Cancelled is set when Cancel killed the process.
	Cancelled bool
}

// Coordinator runs test processes under the admission cap and timeout.
type Coordinator struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

func New(maxConcurrent int, timeout time.Duration, logger *slog.Logger) *Coordinator {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{registry: NewRegistry(maxConcurrent), timeout: timeout, logger: logger}
}

// Live returns the number of registered processes.
func (c *Coordinator) Live() int {
	return c.registry.Len()
}

// Preflight resolves the executable and checks the working directory.
func Preflight(command []string, dir string) (string, error) {
	if len(command) == 0 {
		return "", fmt.Errorf("%w: empty command", ErrExecutableNotFound)
	}
	exe := command[0]
	var path string
	if filepath.IsAbs(exe) {
		if info, err := os.Stat(exe); err != nil || info.IsDir() {
			return "", fmt.Errorf("%w: %q", ErrExecutableNotFound, exe)
		}
		path = exe
	} else {
		resolved, err := exec.LookPath(exe)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrExecutableNotFound, exe)
		}
		path = resolved
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %q", ErrWorkDirNotFound, dir)
	}
	return path, nil
}

// Run launches req.Command and blocks until it exits, times out, or ctx is
// done. The handle is always removed from the registry before Run returns.
func (c *Coordinator) Run(ctx context.Context, req Request) (*Result, error) {
	path, err := Preflight(req.Command, req.Dir)
	if err != nil {
		return nil, err
	}

	h := &Handle{}
	if err := c.registry.Register(req.RunID, h); err != nil {
		if errors.Is(err, ErrTooManyRuns) {
			metrics.RecordRejected()
		}
		return nil, err
	}
	metrics.SetLiveProcesses(c.registry.Len())
	defer func() {
		c.registry.Remove(req.RunID)
		metrics.SetLiveProcesses(c.registry.Len())
	}()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	cmd := exec.Command(path, req.Command[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = req.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessStartFailure, err)
	}
	h.attach(cmd.Process)
	c.logger.Info("test process started",
		"run_id", req.RunID, "cmd", strings.Join(req.Command, " "), "cwd", req.Dir, "pid", cmd.Process.Pid)

	var outBuf, errBuf outputBuffer
	var g errgroup.Group
	g.Go(func() error { return drain(stdout, "stdout", &outBuf, req.OnLine) })
	g.Go(func() error { return drain(stderr, "stderr", &errBuf, req.OnLine) })

	drained := make(chan error, 1)
	go func() { drained <- g.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var runErr error
	select {
	case <-drained:
	case <-timer.C:
		c.logger.Warn("test process timed out", "run_id", req.RunID, "timeout", timeout)
		h.Kill()
		runErr = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		awaitDrain(drained)
	case <-ctx.Done():
		h.Kill()
		runErr = ctx.Err()
		awaitDrain(drained)
	}

	waitErr := cmd.Wait()
	res := &Result{
		ExitCode:  exitCode(waitErr),
		Stdout:    outBuf.String(),
		Stderr:    errBuf.String(),
		Duration:  time.Since(start),
		Cancelled: h.Killed() && runErr == nil,
	}
	if runErr != nil {
		return res, runErr
	}
	// a started process that died, even by signal, is a completed run
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, waitErr
	}
	c.logger.Info("test process exited", "run_id", req.RunID, "exit_code", res.ExitCode, "duration", res.Duration)
	return res, nil
}

// Cancel kills the live process for runID. It returns false when no process
// is registered, e.g. because the run already finished, or when it was
// already killed. The slot is released by Run once the process has exited.
func (c *Coordinator) Cancel(runID string) bool {
	h, ok := c.registry.Lookup(runID)
	if !ok || !h.Kill() {
		return false
	}
	c.logger.Info("test process cancelled", "run_id", runID)
	return true
}

func awaitDrain(drained <-chan error) {
	select {
	case <-drained:
	case <-time.After(drainGrace):
	}
}

// outputBuffer is read after a bounded drain wait, possibly while a reader
// is still writing.
type outputBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (o *outputBuffer) write(s string) {
	o.mu.Lock()
	o.b.WriteString(s)
	o.mu.Unlock()
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.b.String()
}

func drain(r io.Reader, stream string, buf *outputBuffer, onLine func(stream, line string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			buf.write(line)
			if trimmed := strings.TrimRight(line, "\r\n"); strings.TrimSpace(trimmed) != "" && onLine != nil {
				onLine(stream, trimmed)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			// shell convention for a signal death
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}
