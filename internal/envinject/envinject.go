// Package envinject builds the environment a test process runs with.
package envinject

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mpataki/testforge/internal/models"
)

// DotenvFiles are read from the project root, earlier files winning.
var DotenvFiles = []string{".env", ".env.local", ".env.test"}

var loopbackURL = regexp.MustCompile(`(https?://)(localhost|127\.0\.0\.1)(:\d+)`)

// Injector merges dotenv files, configured variables and computed values.
type Injector struct {
	// InContainer enables rewriting loopback URLs to HostGateway.
	InContainer bool
	HostGateway string

	Client       *http.Client
	LoginTimeout time.Duration
	Logger       *slog.Logger
}

func New(inContainer bool, hostGateway string, logger *slog.Logger) *Injector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{
		InContainer:  inContainer,
		HostGateway:  hostGateway,
		Client:       &http.Client{},
		LoginTimeout: 10 * time.Second,
		Logger:       logger,
	}
}

// FixHostURL points loopback http(s) URLs at the host gateway when running in
// a container. Other values pass through unchanged.
func (i *Injector) FixHostURL(v string) string {
	if !i.InContainer || i.HostGateway == "" {
		return v
	}
	if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		return v
	}
	return loopbackURL.ReplaceAllString(v, "${1}"+i.HostGateway+"${3}")
}

// Build returns the variables to inject for a run of the project at root.
// Precedence, lowest first: dotenv files, cfg.EnvVars, computed values.
func (i *Injector) Build(ctx context.Context, cfg models.ProjectConfig, root string) map[string]string {
	env := i.loadDotenv(root)
	for k, v := range cfg.EnvVars {
		env[k] = v
	}

	if cfg.LoginEmail != "" {
		env["TEST_LOGIN_EMAIL"] = cfg.LoginEmail
	}
	if cfg.LoginPassword != "" {
		env["TEST_LOGIN_PASSWORD"] = cfg.LoginPassword
	}
	backend := i.FixHostURL(cfg.BackendURL)
	if backend != "" {
		env["BACKEND_URL"] = backend
		env["API_BASE_URL"] = backend
	}
	if cfg.FrontendURL != "" {
		env["FRONTEND_URL"] = i.FixHostURL(cfg.FrontendURL)
	}

	if _, ok := env["TEST_AUTH_TOKEN"]; !ok && cfg.LoginEmail != "" && cfg.LoginPassword != "" && backend != "" {
		if token, ok := i.Login(ctx, backend, cfg.LoginEmail, cfg.LoginPassword); ok {
			env["TEST_AUTH_TOKEN"] = token
			env["ACCESS_TOKEN"] = token
			env["AUTHORIZATION"] = "Bearer " + token
		}
	}
	return env
}

func (i *Injector) loadDotenv(root string) map[string]string {
	env := map[string]string{}
	for _, name := range DotenvFiles {
		path := filepath.Join(root, name)
		vars, err := godotenv.Read(path)
		if err != nil {
			if !os.IsNotExist(err) {
				i.Logger.Warn("skipping unreadable env file", "path", path, "error", err)
			}
			continue
		}
		for k, v := range vars {
			if _, seen := env[k]; !seen {
				env[k] = i.FixHostURL(v)
			}
		}
		i.Logger.Info("loaded env file", "path", path, "keys", len(vars))
	}
	return env
}

// Environ overlays vars on base (usually os.Environ()) in KEY=VALUE form.
func Environ(base []string, vars map[string]string) []string {
	out := make([]string, 0, len(base)+len(vars))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := vars[key]; !overridden {
			out = append(out, kv)
		}
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}
