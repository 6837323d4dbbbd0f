package main

import (
	"fmt"
	"path/filepath"

	"github.com/mpataki/testforge/internal/models"
	"github.com/mpataki/testforge/internal/storage"
	"github.com/spf13/cobra"
)

func newProjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage registered projects",
	}
	cmd.AddCommand(newProjectAddCommand())
	cmd.AddCommand(newProjectListCommand())
	cmd.AddCommand(newProjectImportCommand())
	cmd.AddCommand(newProjectSyncCommand())
	return cmd
}

func newProjectAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <id> <path>",
		Short: "Register a project directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			name, _ := flags.GetString("name")
			if name == "" {
				name = args[0]
			}
			path, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}

			var pc models.ProjectConfig
			pc.BackendURL, _ = flags.GetString("backend-url")
			pc.FrontendURL, _ = flags.GetString("frontend-url")
			pc.LoginEmail, _ = flags.GetString("login-email")
			pc.LoginPassword, _ = flags.GetString("login-password")
			pc.ParallelWorkers, _ = flags.GetInt("workers")
			pc.RetryCount, _ = flags.GetInt("retries")
			pc.TestTimeoutMS, _ = flags.GetInt("test-timeout-ms")
			pc.Browser, _ = flags.GetString("browser")
			pc.EnvVars, _ = flags.GetStringToString("env")

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			p := &models.Project{ID: args[0], Name: name, Path: path, Config: pc}
			if err := store.CreateProject(cmd.Context(), p); err != nil {
				return fmt.Errorf("failed to add project: %w", err)
			}
			fmt.Printf("Added project %s (%s)\n", p.ID, p.Path)
			return nil
		},
	}

	f := cmd.Flags()
	f.String("name", "", "Display name (default: the id)")
	f.String("backend-url", "", "Backend base URL exposed as BACKEND_URL")
	f.String("frontend-url", "", "Frontend base URL exposed as FRONTEND_URL")
	f.String("login-email", "", "Login email for the auth token exchange")
	f.String("login-password", "", "Login password for the auth token exchange")
	f.Int("workers", 0, "Parallel browser workers")
	f.Int("retries", 0, "Browser test retries")
	f.Int("test-timeout-ms", 0, "Per-test timeout in milliseconds")
	f.String("browser", "", "Browser project to run")
	f.StringToString("env", nil, "Extra environment variables (KEY=VALUE)")
	return cmd
}

func newProjectListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		Args:  cobra.NoArgs,
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

			projects, err := store.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Println("No projects registered.")
				return nil
			}
			for _, p := range projects {
				fmt.Printf("%-20s %-24s %s  %s\n", p.ID, truncate(p.Name, 24), p.Path, storage.FormatTimeAgo(p.CreatedAt))
			}
			return nil
		},
	}
}

func newProjectImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file-or-dir>",
		Short: "Import projects and accepted generated tests from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			e := &engine{cfg: cfg, logger: logger, store: store}
			return e.importProjects(cmd.Context(), args[0])
		},
	}
}

func newProjectSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <id> <git-repo>",
		Short: "Check out a repository's HEAD as the project's synced copy",
		Long:  "Creates a detached git worktree under the data directory. Runs use it instead of the registered path.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if _, err := e.store.GetProject(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to load project: %w", err)
			}
			repo, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			dir, err := e.workspaces.Sync(args[0], repo)
			if err != nil {
				return err
			}
			fmt.Printf("Synced %s into %s\n", args[0], dir)
			return nil
		},
	}
}
