package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mpataki/testforge/internal/models"
	"github.com/mpataki/testforge/internal/orchestrator"
	"github.com/mpataki/testforge/internal/progress"
	"github.com/mpataki/testforge/internal/storage"
	"github.com/mpataki/testforge/internal/tui"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <project-id>",
		Short: "Run a project's tests in this process and stream the log",
		Long:  "Runs in this process by default. With --remote the start request is published for a serving engine instead.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote, _ := cmd.Flags().GetBool("remote"); remote {
				return requestStart(cmd.Context(), args[0])
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctx := cmd.Context()
			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			run, project, err := e.orch.Prepare(ctx, args[0])
			if err != nil {
				return err
			}

			events, unsubscribe, err := e.bus.Subscribe(ctx, progress.Subject(run.ID))
			if err != nil {
				return err
			}
			defer unsubscribe()

			// a shared bus lets `testforge cancel` reach this process
			control, unsubscribeControl, err := e.bus.Subscribe(ctx, progress.ControlSubject)
			if err != nil {
				return err
			}
			defer unsubscribeControl()

			e.orch.Launch(run, project)
			fmt.Printf("Started run %s for project %s\n", run.ID, project.ID)

			done := make(chan struct{})
			go func() {
				_ = e.orch.Wait(context.Background(), run.ID)
				close(done)
			}()

			interrupted := sigCtx.Done()
		loop:
			for {
				select {
				case <-done:
					break loop
				case msg, ok := <-events:
					if !ok {
						events = nil
						continue
					}
					printEvent(msg.Event)
				case msg, ok := <-control:
					if !ok {
						control = nil
						continue
					}
					if c := msg.Control; c != nil && c.Action == progress.ActionCancel && c.RunID == run.ID {
						e.cancel(ctx, run.ID)
					}
				case <-interrupted:
					interrupted = nil
					fmt.Println("Interrupted, cancelling run...")
					e.cancel(ctx, run.ID)
				}
			}

			// flush whatever was published before the run returned
			for drained := false; !drained && events != nil; {
				select {
				case msg, ok := <-events:
					if !ok {
						drained = true
						continue
					}
					printEvent(msg.Event)
				default:
					drained = true
				}
			}

			final, err := e.orch.GetRun(ctx, run.ID)
			if err != nil {
				return err
			}
			outcomes, err := e.orch.ListOutcomes(ctx, run.ID)
			if err != nil {
				return err
			}
			printRun(final, outcomes, true)

			if final.Status != models.RunStatusPassed {
				return fmt.Errorf("run %s %s", run.ID, final.Status)
			}
			return nil
		},
	}

	cmd.Flags().Bool("remote", false, "Ask the engine started with `serve` to run the project")
	return cmd
}

func requestStart(ctx context.Context, projectID string) error {
	bus, err := sharedBus()
	if err != nil {
		return err
	}
	defer bus.Close()

	if err := publishControl(ctx, bus, progress.Control{Action: progress.ActionStart, ProjectID: projectID}); err != nil {
		return fmt.Errorf("failed to publish start: %w", err)
	}
	fmt.Printf("Start requested for project %s\n", projectID)
	return nil
}

// sharedBus connects to the configured bus, which must reach other processes.
func sharedBus() (progress.Bus, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Bus == "memory" {
		return nil, fmt.Errorf("this command needs a shared bus: set TESTFORGE_BUS to redis or nats")
	}
	return progress.New(cfg.Bus, cfg.BusURL)
}

func (e *engine) cancel(ctx context.Context, runID string) {
	ok, err := e.orch.CancelRun(ctx, runID)
	if err != nil {
		e.logger.Error("cancel run failed", "run_id", runID, "error", err)
		return
	}
	if !ok {
		fmt.Println("Run is already completing; nothing to cancel")
	}
}

func printEvent(ev *progress.Event) {
	if ev == nil {
		return
	}
	switch ev.Kind {
	case progress.KindLog:
		fmt.Println(ev.Line)
	case progress.KindStatus:
		if ev.Error != "" {
			fmt.Printf("Status: %s (%s)\n", ev.Status, ev.Error)
		} else {
			fmt.Printf("Status: %s\n", ev.Status)
		}
	}
}

func printRun(run *models.Run, outcomes []models.Outcome, failuresOnly bool) {
	fmt.Printf("Run %s: %s\n", run.ID, run.ProjectID)
	fmt.Printf("Status: %s\n", run.Status)
	fmt.Printf("Created: %s\n", storage.FormatTimeAgo(run.CreatedAt))
	if run.DurationMS != nil {
		fmt.Printf("Duration: %s\n", (time.Duration(*run.DurationMS) * time.Millisecond).String())
	}
	if run.Status.Terminal() {
		fmt.Printf("Tests: %d total, %d passed, %d failed, %d skipped\n",
			run.TotalTests, run.PassedTests, run.FailedTests, run.SkippedTests)
	}
	if run.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", run.ErrorMessage)
	}

	if len(outcomes) == 0 {
		return
	}
	fmt.Println("\nOutcomes:")
	for _, o := range outcomes {
		failed := o.Status == models.OutcomeFailed || o.Status == models.OutcomeError
		if failuresOnly && !failed {
			continue
		}
		line := fmt.Sprintf("  [%s] %s", o.Status, o.TestName)
		if o.ErrorCategory != "" {
			line += fmt.Sprintf(" (%s)", o.ErrorCategory)
		}
		fmt.Println(line)
		if failed && o.ErrorMessage != "" {
			fmt.Printf("      %s\n", truncate(o.ErrorMessage, 200))
		}
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Ask the engine executing a run to cancel it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := sharedBus()
			if err != nil {
				return err
			}
			defer bus.Close()

			if err := publishControl(cmd.Context(), bus, progress.Control{Action: progress.ActionCancel, RunID: args[0]}); err != nil {
				return fmt.Errorf("failed to publish cancel: %w", err)
			}
			fmt.Printf("Cancel requested for run %s\n", args[0])
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status and outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}
			outcomes, err := store.ListOutcomes(ctx, run.ID)
			if err != nil {
				return err
			}
			printRun(run, outcomes, false)
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				counts := ""
				if run.Status.Terminal() && run.TotalTests > 0 {
					counts = fmt.Sprintf(" %d/%d passed", run.PassedTests, run.TotalTests)
				}
				fmt.Printf("%s %s [%s]%s %s\n",
					run.ID, run.ProjectID, run.Status, counts, storage.FormatTimeAgo(run.CreatedAt))
			}
			return nil
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to show")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a finished run, its outcomes and captures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.orch.DeleteRun(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}
			fmt.Printf("Deleted run %s\n", args[0])
			return nil
		},
	}
}

func newRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Fail runs left pending or running by a crashed engine",
		Long:  "Marks every pending or running run as failed. Only use this while no engine is serving.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.orch.RecoverOrphans(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Recovered %d run(s)\n", n)
			return nil
		},
	}
}

// remoteCancel forwards dashboard cancels to the serving engine over the bus.
type remoteCancel struct {
	*orchestrator.Orchestrator
	bus progress.Bus
}

func (r remoteCancel) CancelRun(ctx context.Context, runID string) (bool, error) {
	if err := publishControl(ctx, r.bus, progress.Control{Action: progress.ActionCancel, RunID: runID}); err != nil {
		return false, err
	}
	return true, nil
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Open the interactive run dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			var backend tui.Backend = e.orch
			if e.cfg.Bus != "memory" {
				backend = remoteCancel{Orchestrator: e.orch, bus: e.bus}
			}

			app := tui.NewApp(backend, e.bus)
			p := tea.NewProgram(app, tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
}
