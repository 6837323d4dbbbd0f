package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mpataki/testforge/internal/metrics"
	"github.com/mpataki/testforge/internal/progress"
	"github.com/mpataki/testforge/internal/projectfile"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and accept start/cancel requests from the bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if _, err := e.orch.RecoverOrphans(ctx); err != nil {
				return err
			}

			projectsPath, _ := cmd.Flags().GetString("projects")
			if projectsPath == "" {
				projectsPath = e.cfg.ProjectFile
			}
			if projectsPath != "" {
				if err := e.importProjects(ctx, projectsPath); err != nil {
					return err
				}
			}

			g, gctx := errgroup.WithContext(ctx)
			if e.cfg.MetricsAddr != "" {
				g.Go(func() error { return metrics.Serve(gctx, e.cfg.MetricsAddr, e.logger) })
			}
			g.Go(func() error { return e.serveControl(gctx) })
			if projectsPath != "" {
				w := projectfile.NewWatcher(projectsPath, func(f *projectfile.File) {
					if err := projectfile.Import(gctx, e.store, f); err != nil {
						e.logger.Error("reimport projects failed", "path", projectsPath, "error", err)
						return
					}
					e.logger.Info("projects reloaded", "path", projectsPath, "projects", len(f.Projects))
				}, e.logger)
				g.Go(func() error { return w.Run(gctx) })
			}

			e.logger.Info("engine ready", "bus", e.cfg.Bus, "max_concurrent_runs", e.cfg.MaxConcurrentRuns)
			waitErr := g.Wait()

			e.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := e.orch.Shutdown(shutdownCtx); err != nil {
				e.logger.Warn("runs still in flight at shutdown", "error", err)
			}
			return waitErr
		},
	}

	cmd.Flags().String("projects", "", "Project file or directory to import and watch (default $TESTFORGE_PROJECT_FILE)")
	return cmd
}

func (e *engine) importProjects(ctx context.Context, path string) error {
	f, err := projectfile.Load(path)
	if err != nil {
		return err
	}
	if err := projectfile.Import(ctx, e.store, f); err != nil {
		return err
	}
	e.logger.Info("projects imported", "path", path, "projects", len(f.Projects), "tests", len(f.Tests))
	return nil
}

// serveControl executes start and cancel requests published on the control
// subject until ctx is done.
func (e *engine) serveControl(ctx context.Context) error {
	ch, unsubscribe, err := e.bus.Subscribe(ctx, progress.ControlSubject)
	if err != nil {
		return fmt.Errorf("subscribe control subject: %w", err)
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Control != nil {
				e.handleControl(ctx, msg.Control)
			}
		}
	}
}

func (e *engine) handleControl(ctx context.Context, c *progress.Control) {
	switch c.Action {
	case progress.ActionStart:
		runID, err := e.orch.StartRun(ctx, c.ProjectID)
		if err != nil {
			e.logger.Error("start run failed", "project_id", c.ProjectID, "error", err)
			return
		}
		e.logger.Info("run started", "run_id", runID, "project_id", c.ProjectID)
	case progress.ActionCancel:
		ok, err := e.orch.CancelRun(ctx, c.RunID)
		if err != nil {
			e.logger.Error("cancel run failed", "run_id", c.RunID, "error", err)
			return
		}
		if !ok {
			e.logger.Debug("cancel ignored, run not active here", "run_id", c.RunID)
		}
	default:
		e.logger.Warn("unknown control action", "action", c.Action)
	}
}

// publishControl sends c to whichever engine is serving the shared bus.
func publishControl(ctx context.Context, bus progress.Bus, c progress.Control) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return bus.Publish(ctx, progress.ControlSubject, progress.Message{Control: &c})
}
