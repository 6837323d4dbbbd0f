package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// Runner runs one install command and forwards each non-empty output line.
type Runner interface {
	Run(ctx context.Context, name string, args []string, line func(string)) error
}

// ExecRunner runs commands as child processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string, line func(string)) error {
	cmd := exec.CommandContext(ctx, name, args...)
	// installers spawn children that inherit the pipes; kill the whole group
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	var (
		mu   sync.Mutex
		tail []string
	)
	emit := func(s string) {
		mu.Lock()
		tail = append(tail, s)
		if len(tail) > 5 {
			tail = tail[1:]
		}
		mu.Unlock()
		if line != nil {
			line(s)
		}
	}

	var g errgroup.Group
	g.Go(func() error { return drain(stdout, emit) })
	g.Go(func() error { return drain(stderr, emit) })
	drainErr := g.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", name, ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			mu.Lock()
			defer mu.Unlock()
			return fmt.Errorf("%s exited %d: %s", name, exitErr.ExitCode(), strings.Join(tail, "\n"))
		}
		return waitErr
	}
	return drainErr
}

func drain(r io.Reader, emit func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if s := strings.TrimRight(sc.Text(), "\r\n\t "); s != "" {
			emit(s)
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}
