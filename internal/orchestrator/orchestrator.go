// Package orchestrator owns the lifecycle of a test run, from the pending
// row to its terminal status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mpataki/testforge/internal/artifacts"
	"github.com/mpataki/testforge/internal/detect"
	"github.com/mpataki/testforge/internal/envinject"
	"github.com/mpataki/testforge/internal/executor"
	"github.com/mpataki/testforge/internal/metrics"
	"github.com/mpataki/testforge/internal/models"
	"github.com/mpataki/testforge/internal/progress"
	"github.com/mpataki/testforge/internal/report"
	"github.com/mpataki/testforge/internal/sandbox"
	"github.com/mpataki/testforge/internal/workspace"
)

// RestartMessage is written to runs found non-terminal at startup.
const RestartMessage = "Run interrupted: the engine restarted while this run was in progress"

// Store is the persistence the orchestrator needs. *storage.Storage
// satisfies it.
type Store interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListAcceptedTests(ctx context.Context, projectID string) ([]models.GeneratedTest, error)

	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
	DeleteRun(ctx context.Context, id string) error
	MarkRunning(ctx context.Context, id string, at time.Time) (bool, error)
	FailRun(ctx context.Context, id, msg string, at time.Time) (bool, error)
	CancelRun(ctx context.Context, id string, at time.Time) (bool, error)
	FinishRun(ctx context.Context, id string, sum models.Summary) (bool, error)
	RecoverOrphans(ctx context.Context, msg string) (int64, error)

	InsertOutcomes(ctx context.Context, runID string, outcomes []models.Outcome) error
	ListOutcomes(ctx context.Context, runID string) ([]models.Outcome, error)
}

// Provisioner prepares a project's dependency sandbox.
type Provisioner interface {
	Ensure(ctx context.Context, root string, log func(string)) (string, error)
}

// SyntaxChecker vets a generated test file before it joins a run. A
// Provisioner that also implements it gets generated tests checked.
type SyntaxChecker interface {
	CheckSyntax(ctx context.Context, root, path string) error
}

// EnvBuilder computes the variables injected into a run.
type EnvBuilder interface {
	Build(ctx context.Context, cfg models.ProjectConfig, root string) map[string]string
}

// Executor launches and cancels test processes.
type Executor interface {
	Run(ctx context.Context, req executor.Request) (*executor.Result, error)
	Cancel(runID string) bool
}

// Deps are the collaborators of an Orchestrator. Artifacts and Bus may be nil.
type Deps struct {
	Detector    *detect.Detector
	Provisioner Provisioner
	Env         EnvBuilder
	Executor    Executor
	Workspaces  *workspace.Workspaces
	Artifacts   artifacts.Store
	Bus         progress.Bus
	// CaptureDir receives per-run screenshot and network captures.
	CaptureDir string
	// BaseEnv is the environment every test process inherits. Defaults to os.Environ().
	BaseEnv []string
	// RunTimeout bounds one test process. Zero uses the executor default.
	RunTimeout time.Duration
}

type phase int

const (
	phasePreparing phase = iota
	phaseExecuting
	phaseCompleting
)

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	phase  phase
	start  time.Time
}

type Orchestrator struct {
	store  Store
	deps   Deps
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

func New(store Store, deps Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.BaseEnv == nil {
		deps.BaseEnv = os.Environ()
	}
	return &Orchestrator{
		store:  store,
		deps:   deps,
		logger: logger,
		active: make(map[string]*activeRun),
	}
}

// RecoverOrphans fails every run left pending or running by a previous
// process. Call it once before accepting work.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) (int64, error) {
	n, err := o.store.RecoverOrphans(ctx, RestartMessage)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned runs: %w", err)
	}
	if n > 0 {
		o.logger.Warn("recovered orphaned runs", "count", n)
	}
	return n, nil
}

// StartRun creates a pending run for projectID and executes it in the
// background.
func (o *Orchestrator) StartRun(ctx context.Context, projectID string) (string, error) {
	run, project, err := o.Prepare(ctx, projectID)
	if err != nil {
		return "", err
	}
	o.Launch(run, project)
	return run.ID, nil
}

// Prepare creates the pending run without starting it, so callers can
// subscribe to its progress subject first.
func (o *Orchestrator) Prepare(ctx context.Context, projectID string) (*models.Run, *models.Project, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load project: %w", err)
	}
	cfg := project.Config
	run := &models.Run{
		ProjectID: project.ID,
		Config: map[string]any{
			"parallel_workers": cfg.Workers(),
			"retry_count":      cfg.RetryCount,
			"test_timeout_ms":  cfg.TimeoutMS(),
			"browser":          cfg.Browser,
		},
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, project, nil
}

// Launch executes a prepared run asynchronously.
func (o *Orchestrator) Launch(run *models.Run, project *models.Project) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &activeRun{cancel: cancel, done: make(chan struct{}), start: time.Now()}

	o.mu.Lock()
	o.active[run.ID] = a
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.active, run.ID)
			o.mu.Unlock()
			close(a.done)
		}()
		o.execute(ctx, run, project)
	}()
}

// Wait blocks until runID's background execution returns or ctx is done.
// It returns immediately for runs this process is not executing.
func (o *Orchestrator) Wait(ctx context.Context, runID string) error {
	o.mu.Lock()
	a, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelRun stops runID. A live process is killed; a run still being
// prepared has its context cancelled. It returns false when there is
// nothing to cancel, including a run whose process already exited.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) (bool, error) {
	o.mu.Lock()
	a, ok := o.active[runID]
	// before the handle is registered only the context can stop the run
	stoppable := ok && a.phase != phaseCompleting
	o.mu.Unlock()

	killed := o.deps.Executor.Cancel(runID)
	if !killed && !stoppable {
		return false, nil
	}

	changed, err := o.store.CancelRun(ctx, runID, time.Now().UTC())
	if ok {
		a.cancel()
	}
	if err != nil {
		return true, fmt.Errorf("failed to mark run cancelled: %w", err)
	}
	if changed {
		var elapsed time.Duration
		if ok {
			elapsed = time.Since(a.start)
		}
		metrics.RecordRun(models.RunStatusCancelled, elapsed)
		o.reporter(runID).Status(models.RunStatusCancelled, "")
		o.logger.Info("run cancelled", "run_id", runID)
	}
	return true, nil
}

// Shutdown cancels all in-flight runs and waits for them to return.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if _, err := o.CancelRun(ctx, id); err != nil {
			o.logger.Warn("cancel on shutdown", "run_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) setPhase(runID string, p phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a, ok := o.active[runID]; ok {
		a.phase = p
	}
}

func (o *Orchestrator) reporter(runID string) *progress.Reporter {
	return progress.NewReporter(o.deps.Bus, runID, o.logger)
}

func (o *Orchestrator) execute(ctx context.Context, run *models.Run, project *models.Project) {
	logger := o.logger.With("run_id", run.ID, "project_id", project.ID)
	rep := o.reporter(run.ID)
	started := time.Now().UTC()
	// state writes must land even after the run context is cancelled
	storeCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("run panicked", "panic", r)
			o.fail(storeCtx, rep, run.ID, fmt.Sprintf("internal error: %v", r), started)
		}
	}()

	ok, err := o.store.MarkRunning(storeCtx, run.ID, started)
	if err != nil {
		logger.Error("mark running", "error", err)
		o.fail(storeCtx, rep, run.ID, "Failed to start run: "+err.Error(), started)
		return
	}
	if !ok {
		logger.Info("run no longer pending, not starting")
		return
	}
	rep.Status(models.RunStatusRunning, "")
	rep.Progress(0)

	cfg := project.Config
	root := project.Path
	if o.deps.Workspaces != nil {
		root = o.deps.Workspaces.EffectivePath(*project)
	}

	vars := o.deps.Env.Build(ctx, cfg, root)
	rep.Progress(10)

	spec, err := o.deps.Detector.Detect(root, cfg, sandbox.BinDir(root))
	if err != nil {
		o.fail(storeCtx, rep, run.ID, err.Error(), started)
		return
	}

	if spec.Runner == detect.RunnerPytest && o.deps.Provisioner != nil {
		bin, err := o.deps.Provisioner.Ensure(ctx, root, rep.Log)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.fail(storeCtx, rep, run.ID, err.Error(), started)
			return
		}
		// re-detect so the sandbox's own pytest is used
		if again, err := o.deps.Detector.Detect(root, cfg, bin); err == nil {
			spec = again
		}
	}
	rep.Progress(30)

	var skipped []models.Outcome
	if spec.Runner == detect.RunnerPytest {
		skipped = o.prepareTests(ctx, storeCtx, rep, logger, project.ID, root, spec.Dir)
	}

	captureDir := ""
	if o.deps.CaptureDir != "" {
		captureDir = filepath.Join(o.deps.CaptureDir, run.ID)
		vars[workspace.CaptureDirEnv] = captureDir
	}

	if ctx.Err() != nil {
		return
	}

	o.setPhase(run.ID, phaseExecuting)
	rep.Log(fmt.Sprintf("[run] %s in %s", strings.Join(firstN(spec.Command, 2), " "), spec.Dir))
	rep.Progress(40)
	logger.Info("running tests", "cmd", strings.Join(spec.Command, " "), "cwd", spec.Dir, "env_vars", len(vars))

	res, err := o.deps.Executor.Run(ctx, executor.Request{
		RunID:   run.ID,
		Command: spec.Command,
		Dir:     spec.Dir,
		Env:     envinject.Environ(o.deps.BaseEnv, vars),
		Timeout: o.deps.RunTimeout,
		OnLine:  func(_, line string) { rep.Log("[test] " + line) },
	})
	o.setPhase(run.ID, phaseCompleting)

	switch {
	case err == nil && res.Cancelled:
		return
	case err == nil:
	case ctx.Err() != nil:
		return
	case errors.Is(err, executor.ErrTooManyRuns),
		errors.Is(err, executor.ErrTimeout),
		errors.Is(err, executor.ErrExecutableNotFound),
		errors.Is(err, executor.ErrWorkDirNotFound),
		errors.Is(err, executor.ErrProcessStartFailure):
		o.fail(storeCtx, rep, run.ID, capitalize(err.Error()), started)
		return
	default:
		o.fail(storeCtx, rep, run.ID, "Test process failed: "+err.Error(), started)
		return
	}

	outcomes := report.Normalize(report.Input{
		Layer:       spec.Layer,
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		ExitCode:    res.ExitCode,
		ReportFiles: report.ReportPaths(spec.Dir),
	}, logger)
	announce(rep, outcomes, res)
	outcomes = append(outcomes, skipped...)

	o.archive(storeCtx, logger, run.ID, outcomes)
	o.complete(storeCtx, rep, logger, run.ID, outcomes, started)
}

// prepareTests writes accepted generated tests and the capture conftest into
// dir. Failures are logged; the run continues with what is there.
func (o *Orchestrator) prepareTests(ctx, storeCtx context.Context, rep *progress.Reporter, logger *slog.Logger, projectID, root, dir string) []models.Outcome {
	var check workspace.SyntaxCheck
	if sc, ok := o.deps.Provisioner.(SyntaxChecker); ok {
		check = func(path string) error { return sc.CheckSyntax(ctx, root, path) }
	}

	var skipped []models.Outcome
	tests, err := o.store.ListAcceptedTests(storeCtx, projectID)
	if err != nil {
		logger.Warn("could not load accepted tests", "error", err)
	} else if len(tests) > 0 {
		m, err := workspace.Materialize(dir, tests, check)
		if err != nil {
			logger.Warn("could not write accepted tests", "error", err)
		} else {
			skipped = m.Skipped
			msg := fmt.Sprintf("[testforge] %d Python test file(s) loaded", m.Written)
			if len(m.Skipped) > 0 {
				msg += fmt.Sprintf(", %d test(s) skipped", len(m.Skipped))
			}
			rep.Log(msg)
			for _, sk := range m.Skipped {
				rep.Log(fmt.Sprintf("[testforge] skipped %s: %s", sk.TestName, sk.ErrorMessage))
			}
		}
	}

	if _, err := workspace.InjectConftest(dir); err != nil {
		logger.Warn("could not inject capture conftest", "error", err)
	}
	return skipped
}

// archive moves captured artifacts into the artifact store, keeping the local
// path when upload fails.
func (o *Orchestrator) archive(ctx context.Context, logger *slog.Logger, runID string, outcomes []models.Outcome) {
	if o.deps.Artifacts == nil {
		return
	}
	put := func(ref *string) {
		if *ref == "" || strings.Contains(*ref, "://") {
			return
		}
		stored, err := o.deps.Artifacts.Put(ctx, runID, *ref)
		if err != nil {
			logger.Warn("artifact archive failed", "path", *ref, "error", err)
			return
		}
		*ref = stored
	}
	for i := range outcomes {
		put(&outcomes[i].ScreenshotRef)
		put(&outcomes[i].NetworkRef)
	}
}

// complete writes outcomes and the final counts. The counts are written by a
// conditional update, so a cancellation recorded meanwhile wins.
func (o *Orchestrator) complete(ctx context.Context, rep *progress.Reporter, logger *slog.Logger, runID string, outcomes []models.Outcome, started time.Time) {
	current, err := o.store.GetRun(ctx, runID)
	if err != nil {
		logger.Error("reload run", "error", err)
		return
	}
	if current.Status != models.RunStatusRunning {
		logger.Info("run finished after status changed, keeping it", "status", current.Status)
		return
	}

	if err := o.store.InsertOutcomes(ctx, runID, outcomes); err != nil {
		o.fail(ctx, rep, runID, "Failed to store results: "+err.Error(), started)
		return
	}

	completed := time.Now().UTC()
	sum := models.Summarize(outcomes)
	sum.CompletedAt = completed
	sum.DurationMS = completed.Sub(started).Milliseconds()

	ok, err := o.store.FinishRun(ctx, runID, sum)
	if err != nil {
		logger.Error("finish run", "error", err)
		return
	}
	if !ok {
		logger.Info("run was cancelled while completing")
		return
	}

	metrics.RecordRun(sum.Status, completed.Sub(started))
	metrics.RecordOutcomes(outcomes)
	rep.Summary(sum)
	logger.Info("run done", "status", sum.Status, "passed", sum.Passed, "total", sum.Total, "duration_ms", sum.DurationMS)
}

func (o *Orchestrator) fail(ctx context.Context, rep *progress.Reporter, runID, msg string, started time.Time) {
	ok, err := o.store.FailRun(ctx, runID, msg, time.Now().UTC())
	if err != nil {
		o.logger.Error("fail run", "run_id", runID, "error", err)
		return
	}
	if !ok {
		return
	}
	o.logger.Warn("run failed", "run_id", runID, "error", msg)
	metrics.RecordRun(models.RunStatusFailed, time.Since(started))
	rep.Status(models.RunStatusFailed, msg)
}

// Read methods for the CLI and TUI

func (o *Orchestrator) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return o.store.GetRun(ctx, id)
}

func (o *Orchestrator) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	return o.store.ListRuns(ctx, limit)
}

func (o *Orchestrator) ListOutcomes(ctx context.Context, runID string) ([]models.Outcome, error) {
	return o.store.ListOutcomes(ctx, runID)
}

// DeleteRun removes a finished run, its outcomes and its captures.
func (o *Orchestrator) DeleteRun(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if !run.Status.Terminal() {
		return fmt.Errorf("run %s is still %s", runID, run.Status)
	}
	if o.deps.CaptureDir != "" {
		_ = os.RemoveAll(filepath.Join(o.deps.CaptureDir, runID))
	}
	return o.store.DeleteRun(ctx, runID)
}

func announce(rep *progress.Reporter, outcomes []models.Outcome, res *executor.Result) {
	if len(outcomes) == 1 && outcomes[0].TestName == report.FallbackName {
		if res.ExitCode != 0 && outcomes[0].ErrorMessage != "" {
			rep.Log(fmt.Sprintf("[test] Exit %d: %s", res.ExitCode, truncate(outcomes[0].ErrorMessage, 300)))
		}
		return
	}
	sum := models.Summarize(outcomes)
	rep.Log(fmt.Sprintf("[test] %d collected, %d passed, %d failed, %d skipped", sum.Total, sum.Passed, sum.Failed, sum.Skipped))
	for _, oc := range outcomes {
		if oc.Status == models.OutcomeFailed && oc.ErrorMessage != "" {
			rep.Log(fmt.Sprintf("[fail] %s: %s", oc.TestName, truncate(oc.ErrorMessage, 200)))
			break
		}
	}
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
