package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mpataki/testforge/internal/artifacts"
	"github.com/mpataki/testforge/internal/config"
	"github.com/mpataki/testforge/internal/detect"
	"github.com/mpataki/testforge/internal/envinject"
	"github.com/mpataki/testforge/internal/executor"
	"github.com/mpataki/testforge/internal/logging"
	"github.com/mpataki/testforge/internal/orchestrator"
	"github.com/mpataki/testforge/internal/progress"
	"github.com/mpataki/testforge/internal/sandbox"
	"github.com/mpataki/testforge/internal/storage"
	"github.com/mpataki/testforge/internal/workspace"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "testforge",
		Short:        "Test execution engine",
		Long:         "TestForge detects, provisions and runs a project's test suite and records normalized outcomes.",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newRecoverCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newProjectCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	logger, err := logging.Init(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openStore(cfg *config.Config) (*storage.Storage, error) {
	store, err := storage.New(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

// engine is everything a command needs to execute or inspect runs.
type engine struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *storage.Storage
	bus        progress.Bus
	workspaces *workspace.Workspaces
	orch       *orchestrator.Orchestrator
}

func openEngine(ctx context.Context) (*engine, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	bus, err := progress.New(cfg.Bus, cfg.BusURL)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to connect progress bus: %w", err)
	}

	archive, err := newArtifactStore(ctx, cfg)
	if err != nil {
		bus.Close()
		store.Close()
		return nil, err
	}

	detector := detect.New(logger)
	detector.HostPrefix = cfg.HostPathPrefix
	detector.ContainerPrefix = cfg.ContainerPathPrefix
	detector.PythonBinary = cfg.PythonBinary

	workspaces := workspace.New(cfg.WorkspacesDir(), detector.TranslatePath, logger)

	orch := orchestrator.New(store, orchestrator.Deps{
		Detector:    detector,
		Provisioner: sandbox.New(cfg.PythonBinary, cfg.InstallTimeout, logger),
		Env:         envinject.New(cfg.InContainer, cfg.HostGateway, logger),
		Executor:    executor.New(cfg.MaxConcurrentRuns, cfg.RunTimeout, logger),
		Workspaces:  workspaces,
		Artifacts:   archive,
		Bus:         bus,
		CaptureDir:  filepath.Join(cfg.DataDir, "captures"),
		RunTimeout:  cfg.RunTimeout,
	}, logger)

	return &engine{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		bus:        bus,
		workspaces: workspaces,
		orch:       orch,
	}, nil
}

func (e *engine) Close() {
	if err := e.bus.Close(); err != nil {
		e.logger.Warn("close bus", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("close database", "error", err)
	}
}

func newArtifactStore(ctx context.Context, cfg *config.Config) (artifacts.Store, error) {
	if cfg.ArtifactStore != "minio" {
		return artifacts.NewLocalStore(cfg.ArtifactsDir()), nil
	}
	s, err := artifacts.NewMinioStore(ctx, artifacts.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	return s, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
