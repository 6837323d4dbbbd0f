// Package detect works out which test framework applies to a project and
// builds the command that runs it.
package detect

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mpataki/testforge/internal/lua"
	"github.com/mpataki/testforge/internal/models"
)

var ErrNotDetected = errors.New("no test runner detected")

// Error explains a failed detection: what was searched and what the project
// directory actually contains.
type Error struct {
	Path     string
	Reason   string
	Tried    []string
	Contents []string
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "could not detect test runner at %s", e.Path)
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if len(e.Tried) > 0 {
		fmt.Fprintf(&b, ". Tried: %s", strings.Join(e.Tried, "; "))
	}
	if e.Contents != nil {
		listing := strings.Join(e.Contents, ", ")
		if listing == "" {
			listing = "(empty)"
		}
		fmt.Fprintf(&b, ". Top-level contents: %s", listing)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return ErrNotDetected }

// Runner names the framework a Spec drives.
type Runner string

const (
	RunnerScript     Runner = "script"
	RunnerPlaywright Runner = "playwright"
	RunnerPytest     Runner = "pytest"
	RunnerNPM        Runner = "npm"
)

// Spec is the resolved command, working directory and layer for a run.
type Spec struct {
	Runner  Runner
	Layer   models.Layer
	Command []string
	Dir     string
	// Source names what triggered detection, e.g. "playwright.config.ts".
	Source string
}

var (
	playwrightConfigs = []string{"playwright.config.ts", "playwright.config.js", "playwright.config.mjs"}
	playwrightDirs    = []string{"e2e", "tests", "tests/e2e", "playwright", "e2e/tests", "frontend", "app", "apps/web", "packages/e2e"}
	playwrightNested  = []string{"e2e", "tests", "playwright"}

	pytestMarkers = []string{"pyproject.toml", "setup.cfg", "pytest.ini", "setup.py", "conftest.py", "requirements.txt"}
	pytestDirs    = []string{"backend", "api", "server", "src", "app", "lib", "tests"}

	browsers = map[string]bool{"chromium": true, "firefox": true, "webkit": true}
)

const (
	maxConfigDepth = 4
	listingLimit   = 15

	// PytestReportFile is where the language-level run writes its JSON report.
	PytestReportFile = ".testforge_report.json"
)

// Detector resolves a RunnerSpec for a project root.
type Detector struct {
	// HostPrefix and ContainerPrefix translate host-side project paths to the
	// mount path seen by this process.
	HostPrefix      string
	ContainerPrefix string
	// PythonBinary runs "-m pytest" when no pytest executable is available.
	PythonBinary string
	// OutputDir receives browser framework artifacts (screenshots, traces).
	OutputDir string

	LookPath func(string) (string, error)
	Logger   *slog.Logger
}

func New(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		PythonBinary: "python3",
		OutputDir:    "test-results",
		LookPath:     exec.LookPath,
		Logger:       logger,
	}
}

// TranslatePath maps a host-side path onto the container mount. An explicit
// host prefix is replaced first; otherwise a path that does not exist locally
// is retried as <container prefix>/<basename>.
func (d *Detector) TranslatePath(path string) string {
	container := strings.TrimRight(d.ContainerPrefix, "/")
	if container == "" {
		return path
	}
	host := strings.TrimRight(d.HostPrefix, "/")
	if host != "" && strings.HasPrefix(path, host) {
		return container + path[len(host):]
	}
	if _, err := os.Stat(path); err != nil {
		candidate := filepath.Join(container, filepath.Base(path))
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			d.Logger.Debug("translated project path", "from", path, "to", candidate)
			return candidate
		}
	}
	return path
}

// Detect searches root for a supported framework. sandboxBin is the bin
// directory of the project's dependency sandbox, or "" when there is none.
func (d *Detector) Detect(root string, cfg models.ProjectConfig, sandboxBin string) (*Spec, error) {
	path := d.TranslatePath(root)
	base, err := filepath.Abs(path)
	if err != nil {
		base = path
	}
	if resolved, err := filepath.EvalSymlinks(base); err == nil {
		base = resolved
	}

	info, err := os.Stat(base)
	if err != nil {
		return nil, &Error{Path: path, Reason: "project path does not exist or is not accessible"}
	}
	if !info.IsDir() {
		return nil, &Error{Path: path, Reason: "project path is not a directory"}
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, &Error{Path: path, Reason: fmt.Sprintf("cannot read project directory: %v", err)}
	}

	if spec := d.detectScript(base); spec != nil {
		return spec, nil
	}

	var tried []string

	if npx, err := d.LookPath("npx"); err == nil {
		if spec := d.detectPlaywright(base, npx, cfg); spec != nil {
			return spec, nil
		}
		tried = append(tried, "Playwright ("+strings.Join(playwrightConfigs, "/")+" in root, "+strings.Join(playwrightDirs, ", ")+")")
	} else {
		d.Logger.Info("npx not found in PATH, skipping Playwright detection", "root", base)
		tried = append(tried, "Playwright skipped (npx not on PATH)")
	}

	if spec := d.detectPytest(base, cfg, sandboxBin); spec != nil {
		return spec, nil
	}
	tried = append(tried, "pytest ("+strings.Join(pytestMarkers, ", ")+" in root, "+strings.Join(pytestDirs, ", ")+")")

	if npm, err := d.LookPath("npm"); err == nil {
		if spec := detectNPM(base, npm); spec != nil {
			return spec, nil
		}
		tried = append(tried, "npm test script (package.json scripts.test)")
	} else {
		tried = append(tried, "npm test script skipped (npm not on PATH)")
	}

	return nil, &Error{Path: path, Reason: "no supported framework found", Tried: tried, Contents: listing(entries)}
}

func (d *Detector) detectScript(base string) *Spec {
	script := filepath.Join(base, lua.ScriptPath)
	if _, err := os.Stat(script); err != nil {
		return nil
	}
	res, err := lua.NewRuntime(base, d.Logger).WithLookPath(d.LookPath).Detect(script)
	if err != nil {
		d.Logger.Warn("runner script failed, using built-in detection", "script", script, "error", err)
		return nil
	}
	if res == nil {
		return nil
	}
	dir := base
	if res.Dir != "" {
		dir = res.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(base, dir)
		}
	}
	return &Spec{Runner: RunnerScript, Layer: models.Layer(res.Layer), Command: res.Command, Dir: dir, Source: lua.ScriptPath}
}

func (d *Detector) detectPlaywright(base, npx string, cfg models.ProjectConfig) *Spec {
	dirs := []string{base}
	for _, sub := range playwrightDirs {
		if isDir(filepath.Join(base, sub)) {
			dirs = append(dirs, filepath.Join(base, sub))
		}
	}
	for _, dir := range dirs[1:] {
		for _, sub := range playwrightNested {
			if isDir(filepath.Join(dir, sub)) {
				dirs = append(dirs, filepath.Join(dir, sub))
			}
		}
	}

	for _, dir := range dirs {
		for _, name := range playwrightConfigs {
			if isFile(filepath.Join(dir, name)) {
				return &Spec{Runner: RunnerPlaywright, Layer: models.LayerFrontend, Command: d.playwrightCommand(npx, cfg), Dir: dir, Source: name}
			}
		}
	}

	if found := findPlaywrightConfig(base); found != "" {
		return &Spec{
			Runner:  RunnerPlaywright,
			Layer:   models.LayerFrontend,
			Command: d.playwrightCommand(npx, cfg),
			Dir:     filepath.Dir(found),
			Source:  filepath.Base(found),
		}
	}
	return nil
}

// findPlaywrightConfig walks at most maxConfigDepth path components below
// base, skipping dependency and hidden directories.
func findPlaywrightConfig(base string) string {
	var found string
	_ = filepath.WalkDir(base, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return nil
		}
		depth := len(strings.Split(rel, string(filepath.Separator)))
		if entry.IsDir() {
			if path == base {
				return nil
			}
			name := entry.Name()
			if name == "node_modules" || strings.HasPrefix(name, ".") || depth >= maxConfigDepth {
				return filepath.SkipDir
			}
			return nil
		}
		for _, name := range playwrightConfigs {
			if entry.Name() == name {
				found = path
				return filepath.SkipAll
			}
		}
		return nil
	})
	return found
}

func (d *Detector) playwrightCommand(npx string, cfg models.ProjectConfig) []string {
	cmd := []string{
		npx, "playwright", "test",
		"--reporter=json",
		"--screenshot=only-on-failure",
		"--output=" + d.OutputDir,
	}
	if w := cfg.Workers(); w > 1 {
		cmd = append(cmd, "--workers="+strconv.Itoa(w))
	}
	if cfg.RetryCount > 0 {
		cmd = append(cmd, "--retries="+strconv.Itoa(cfg.RetryCount))
	}
	if t := cfg.TimeoutMS(); t != models.DefaultTestTimeoutMS {
		cmd = append(cmd, "--timeout="+strconv.Itoa(t))
	}
	if browsers[cfg.Browser] {
		cmd = append(cmd, "--project="+cfg.Browser)
	}
	return cmd
}

func (d *Detector) detectPytest(base string, cfg models.ProjectConfig, sandboxBin string) *Spec {
	dirs := []string{base}
	for _, sub := range pytestDirs {
		if isDir(filepath.Join(base, sub)) {
			dirs = append(dirs, filepath.Join(base, sub))
		}
	}
	for _, dir := range dirs {
		for _, marker := range pytestMarkers {
			if !isFile(filepath.Join(dir, marker)) {
				continue
			}
			d.Logger.Info("detected pytest marker", "marker", marker, "dir", dir)
			return &Spec{Runner: RunnerPytest, Layer: models.LayerBackend, Command: d.pytestCommand(cfg, sandboxBin), Dir: dir, Source: marker}
		}
	}
	return nil
}

// pytestCommand prefers the sandbox's pytest, then one on PATH, then the
// interpreter's module form. Paths are absolute since the process runs in a
// subdirectory.
func (d *Detector) pytestCommand(cfg models.ProjectConfig, sandboxBin string) []string {
	var cmd []string
	if sandboxBin != "" {
		if p, err := filepath.Abs(filepath.Join(sandboxBin, "pytest")); err == nil && isFile(p) {
			cmd = []string{p}
		}
	}
	if cmd == nil {
		if p, err := d.LookPath("pytest"); err == nil {
			cmd = []string{p}
		} else {
			python := d.PythonBinary
			if p, err := d.LookPath(python); err == nil {
				python = p
			}
			cmd = []string{python, "-m", "pytest"}
		}
	}

	// -p no:base_url keeps pytest-base-url from clashing with project fixtures
	cmd = append(cmd, "--json-report", "--json-report-file="+PytestReportFile, "-v", "-p", "no:base_url")
	if w := cfg.Workers(); w > 1 {
		cmd = append(cmd, "-n", strconv.Itoa(w))
	}
	if cfg.RetryCount > 0 {
		cmd = append(cmd, "--count="+strconv.Itoa(cfg.RetryCount))
	}
	if t := cfg.TimeoutMS(); t != models.DefaultTestTimeoutMS {
		cmd = append(cmd, "--timeout="+strconv.Itoa(t/1000))
	}
	return cmd
}

func detectNPM(base, npm string) *Spec {
	raw, err := os.ReadFile(filepath.Join(base, "package.json"))
	if err != nil {
		return nil
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil
	}
	if _, ok := pkg.Scripts["test"]; !ok {
		return nil
	}
	return &Spec{
		Runner:  RunnerNPM,
		Layer:   models.LayerFrontend,
		Command: []string{npm, "run", "test", "--", "--reporter=json"},
		Dir:     base,
		Source:  "package.json",
	}
}

func listing(entries []os.DirEntry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) > listingLimit {
		names = names[:listingLimit]
	}
	return names
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
