// Package sandbox provisions an isolated, cached Python environment per project.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mpataki/testforge/internal/metrics"
)

var ErrProvisionFailed = errors.New("environment provisioning failed")

const (
	// DirName is the sandbox directory created inside the project root.
	DirName   = ".testforge_venv"
	stampFile = ".req_hash"
)

// Essentials are installed into every sandbox before the project's own deps.
var Essentials = []string{
	"pytest", "pytest-asyncio", "pytest-json-report", "anyio[asyncio]", "httpx",
	"pytest-playwright",
	"uv",
}

type stamp struct {
	DependencyHash    string `json:"dependency_hash"`
	EssentialsVersion string `json:"essentials_version"`
}

// Provisioner creates and refreshes project sandboxes.
type Provisioner struct {
	Python         string
	Runner         Runner
	InstallTimeout time.Duration
	Logger         *slog.Logger
}

func New(python string, installTimeout time.Duration, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if python == "" {
		python = "python3"
	}
	return &Provisioner{Python: python, Runner: ExecRunner{}, InstallTimeout: installTimeout, Logger: logger}
}

// Dir returns the sandbox directory for a project root.
func Dir(root string) string {
	return filepath.Join(root, DirName)
}

// BinDir returns the sandbox's executable directory.
func BinDir(root string) string {
	return filepath.Join(root, DirName, "bin")
}

// Ensure returns the sandbox bin directory for root, installing it first when
// the stored fingerprint is missing or stale. The fingerprint is only stamped
// once both install phases succeed. Output lines go to log, which may be nil.
func (p *Provisioner) Ensure(ctx context.Context, root string, log func(string)) (string, error) {
	if log == nil {
		log = func(string) {}
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	dir := Dir(abs)
	bin := BinDir(abs)
	python := filepath.Join(bin, "python")
	current := stamp{DependencyHash: Fingerprint(abs), EssentialsVersion: EssentialsVersion}

	if fileExists(python) {
		if prev, err := readStamp(dir); err == nil && prev == current {
			p.Logger.Info("sandbox up to date", "dir", dir)
			log("[env] Project environment is up to date, skipping install")
			metrics.RecordProvision("hit")
			return bin, nil
		}
	}

	log("[env] Creating isolated Python environment")
	if err := p.step(ctx, "python -m venv "+DirName, p.Python, []string{"-m", "venv", dir}, log); err != nil {
		metrics.RecordProvision("failed")
		return "", fmt.Errorf("%w: create venv: %v", ErrProvisionFailed, err)
	}

	var failures []string

	label := "Phase 1: test essentials " + strings.Join(Essentials[:4], ", ")
	if err := p.step(ctx, label, filepath.Join(bin, "pip"), append([]string{"install"}, Essentials...), log); err != nil {
		failures = append(failures, "essentials: "+err.Error())
	}

	deps, excluded := CollectDependencies(abs)
	if len(excluded) > 0 {
		p.Logger.Info("skipping heavy packages", "dir", dir, "packages", excluded)
		log(fmt.Sprintf("[env] Skipping %d heavy package(s): %s", len(excluded), strings.Join(excluded, ", ")))
	}
	if len(deps) > 0 {
		uv := filepath.Join(bin, "uv")
		var name string
		var args []string
		if fileExists(uv) {
			name, args = uv, append([]string{"pip", "install", "--python", python}, deps...)
		} else {
			name, args = filepath.Join(bin, "pip"), append([]string{"install"}, deps...)
		}
		label := fmt.Sprintf("Phase 2: %d project deps via %s", len(deps), filepath.Base(name))
		if err := p.step(ctx, label, name, args, log); err != nil {
			failures = append(failures, "project deps: "+err.Error())
		}
	} else {
		log("[env] No project requirements found, skipping Phase 2")
	}

	if len(failures) > 0 {
		p.Logger.Warn("dependency install incomplete, fingerprint not stamped", "dir", dir, "failures", failures)
		metrics.RecordProvision("failed")
		return "", fmt.Errorf("%w: %s", ErrProvisionFailed, strings.Join(failures, "; "))
	}

	if err := writeStamp(dir, current); err != nil {
		p.Logger.Warn("write fingerprint", "dir", dir, "error", err)
	}
	p.Logger.Info("sandbox ready", "dir", dir)
	log("[env] Environment ready")
	metrics.RecordProvision("installed")
	return bin, nil
}

func (p *Provisioner) step(ctx context.Context, label, name string, args []string, log func(string)) error {
	log("[install] " + label)
	p.Logger.Info("install step", "step", label)

	stepCtx := ctx
	if p.InstallTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, p.InstallTimeout)
		defer cancel()
	}

	err := p.Runner.Run(stepCtx, name, args, func(line string) { log("  " + line) })
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log(fmt.Sprintf("[install] Timed out after %s", p.InstallTimeout))
		} else {
			log("[install] Failed: " + truncate(err.Error(), 300))
		}
		return err
	}
	log("[install] Done")
	return nil
}

func readStamp(dir string) (stamp, error) {
	var s stamp
	data, err := os.ReadFile(filepath.Join(dir, stampFile))
	if err != nil {
		return s, err
	}
	err = json.Unmarshal(data, &s)
	return s, err
}

func writeStamp(dir string, s stamp) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, stampFile), data, 0644)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
