package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sh(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

func TestPreflight(t *testing.T) {
	dir := t.TempDir()

	path, err := Preflight(sh("true"), dir)
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", path)

	_, err = Preflight([]string{"definitely-not-a-real-binary-xyz"}, dir)
	assert.ErrorIs(t, err, ErrExecutableNotFound)
	assert.Contains(t, err.Error(), "definitely-not-a-real-binary-xyz")

	_, err = Preflight(nil, dir)
	assert.ErrorIs(t, err, ErrExecutableNotFound)

	_, err = Preflight(sh("true"), dir+"/missing")
	assert.ErrorIs(t, err, ErrWorkDirNotFound)
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	c := New(2, time.Minute, quietLogger())

	var mu sync.Mutex
	var lines []string
	res, err := c.Run(context.Background(), Request{
		RunID:   "r1",
		Command: sh("echo one; echo two; echo oops >&2; exit 3"),
		Dir:     t.TempDir(),
		OnLine: func(stream, line string) {
			mu.Lock()
			lines = append(lines, stream+":"+line)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "one\ntwo\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.False(t, res.Cancelled)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"stdout:one", "stdout:two", "stderr:oops"}, lines)
	assert.Equal(t, 0, c.Live())
}

func TestRunPassesEnvAndDir(t *testing.T) {
	c := New(1, time.Minute, quietLogger())
	dir := t.TempDir()

	res, err := c.Run(context.Background(), Request{
		RunID:   "env",
		Command: sh(`echo "$GREETING"; pwd`),
		Dir:     dir,
		Env:     []string{"GREETING=hello", "PATH=/usr/bin:/bin"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "hello\n")
	assert.Contains(t, res.Stdout, dir)
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	c := New(1, time.Minute, quietLogger())

	start := time.Now()
	res, err := c.Run(context.Background(), Request{
		RunID:   "slow",
		Command: sh("echo started; sleep 30 & sleep 30"),
		Dir:     t.TempDir(),
		Timeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
	require.NotNil(t, res)
	assert.Equal(t, "started\n", res.Stdout)
	assert.Equal(t, 0, c.Live())
}

func TestCancelKillsLiveRun(t *testing.T) {
	c := New(1, time.Minute, quietLogger())

	started := make(chan struct{})
	var once sync.Once
	done := make(chan struct{})
	var res *Result
	var runErr error
	go func() {
		defer close(done)
		res, runErr = c.Run(context.Background(), Request{
			RunID:   "cancel-me",
			Command: sh("echo ready; sleep 30"),
			Dir:     t.TempDir(),
			OnLine:  func(string, string) { once.Do(func() { close(started) }) },
		})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("process never started")
	}

	assert.True(t, c.Cancel("cancel-me"))
	assert.False(t, c.Cancel("cancel-me"), "second cancel is a no-op")

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	require.NoError(t, runErr)
	assert.True(t, res.Cancelled)
	assert.Equal(t, 0, c.Live())
}

func TestRunSignalExitIsCompletion(t *testing.T) {
	c := New(1, time.Minute, quietLogger())

	res, err := c.Run(context.Background(), Request{
		RunID:   "sigkill",
		Command: sh("echo crashing >&2; kill -9 $$"),
		Dir:     t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, 137, res.ExitCode)
	assert.Contains(t, res.Stderr, "crashing")
	assert.False(t, res.Cancelled)
	assert.Equal(t, 0, c.Live())
}

func TestCancelKeepsSlotUntilRunReturns(t *testing.T) {
	c := New(1, time.Minute, quietLogger())
	require.NoError(t, c.registry.Register("held", &Handle{}))

	assert.True(t, c.Cancel("held"))
	assert.False(t, c.Cancel("held"), "already killed")
	assert.Equal(t, 1, c.Live(), "slot is freed by the exit path, not by Cancel")

	_, err := c.Run(context.Background(), Request{RunID: "other", Command: sh("true"), Dir: t.TempDir()})
	assert.ErrorIs(t, err, ErrTooManyRuns)
}

func TestCancelUnknownRun(t *testing.T) {
	c := New(1, time.Minute, quietLogger())
	assert.False(t, c.Cancel("nope"))
}

func TestAdmissionCap(t *testing.T) {
	c := New(1, time.Minute, quietLogger())

	started := make(chan struct{})
	var once sync.Once
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Run(context.Background(), Request{
			RunID:   "first",
			Command: sh("echo up; sleep 30"),
			Dir:     t.TempDir(),
			OnLine:  func(string, string) { once.Do(func() { close(started) }) },
		})
	}()
	<-started

	_, err := c.Run(context.Background(), Request{
		RunID:   "second",
		Command: sh("true"),
		Dir:     t.TempDir(),
	})
	assert.ErrorIs(t, err, ErrTooManyRuns)

	require.True(t, c.Cancel("first"))
	<-done

	_, err = c.Run(context.Background(), Request{
		RunID:   "third",
		Command: sh("true"),
		Dir:     t.TempDir(),
	})
	assert.NoError(t, err)
}

func TestRunContextCancel(t *testing.T) {
	c := New(1, time.Minute, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := c.Run(ctx, Request{RunID: "ctx", Command: sh("sleep 30"), Dir: t.TempDir()})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(2)
	require.NoError(t, r.Register("a", &Handle{}))
	require.NoError(t, r.Register("b", &Handle{}))
	assert.ErrorIs(t, r.Register("c", &Handle{}), ErrTooManyRuns)
	assert.Error(t, r.Register("a", &Handle{}))

	_, ok := r.Lookup("a")
	assert.True(t, ok)

	_, ok = r.Remove("a")
	assert.True(t, ok)
	_, ok = r.Remove("a")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestHandleKillBeforeAttach(t *testing.T) {
	h := &Handle{}
	assert.True(t, h.Kill())
	assert.False(t, h.Kill())
	assert.True(t, h.Killed())
}
