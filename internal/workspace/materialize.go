package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/mpataki/testforge/internal/models"
)

const (
	// TestsDir is where accepted tests are written, relative to the run dir.
	TestsDir = "tests/testforge"
	// E2EDir holds browser-driven tests. The report parser keys the layer off it.
	E2EDir = "tests/testforge/e2e"

	unsupportedMessage = "TypeScript test not executed, requires a Node.js runner"
)

var (
	nonAlnum       = regexp.MustCompile(`[^a-z0-9]+`)
	nonSlug        = regexp.MustCompile(`[^a-z0-9/]+`)
	hardcodedURLRe = regexp.MustCompile(`base_url="(https?://[^"]+)"`)
)

// Materialized summarizes what Materialize wrote.
type Materialized struct {
	Written int
	// Skipped holds pre-built outcomes for tests that cannot run here.
	Skipped []models.Outcome
}

// SyntaxCheck inspects a written Python test file. A non-nil error keeps the
// file out of the run.
type SyntaxCheck func(path string) error

// Materialize writes accepted generated tests beneath root. Previously
// written test files are removed first so rejected tests do not linger.
// Python tests failing check, which may be nil, are removed again and
// reported as skipped.
func Materialize(root string, tests []models.GeneratedTest, check SyntaxCheck) (*Materialized, error) {
	res := &Materialized{}
	if len(tests) == 0 {
		return res, nil
	}

	testsDir := filepath.Join(root, TestsDir)
	e2eDir := filepath.Join(root, E2EDir)
	if err := os.MkdirAll(e2eDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create test directory: %w", err)
	}

	for _, dir := range []string{testsDir, e2eDir} {
		stale, _ := filepath.Glob(filepath.Join(dir, "test_*.py"))
		for _, f := range stale {
			_ = os.Remove(f)
		}
		initFile := filepath.Join(dir, "__init__.py")
		if _, err := os.Stat(initFile); os.IsNotExist(err) {
			if err := os.WriteFile(initFile, []byte("# Auto-generated by testforge\n"), 0644); err != nil {
				return nil, err
			}
		}
	}
	if err := os.WriteFile(filepath.Join(e2eDir, "conftest.py"), []byte(e2eConftest), 0644); err != nil {
		return nil, fmt.Errorf("failed to write e2e conftest: %w", err)
	}

	for _, t := range tests {
		name := fileName(t)
		if !IsPythonCode(t.Code) {
			if t.IsBrowserDriven() {
				code, err := smokeTest(t)
				if err != nil {
					return nil, err
				}
				if err := os.WriteFile(filepath.Join(e2eDir, name), []byte(code), 0644); err != nil {
					return nil, err
				}
				res.Written++
				continue
			}
			res.Skipped = append(res.Skipped, models.Outcome{
				TestName:     t.TestName,
				TestFile:     t.EntryPoint,
				TestSuite:    "TypeScript (non-E2E)",
				Layer:        models.LayerBackend,
				Status:       models.OutcomeSkipped,
				ErrorMessage: unsupportedMessage,
			})
			continue
		}

		dir := testsDir
		if t.IsBrowserDriven() {
			dir = e2eDir
		}
		code := t.Code
		if strings.Contains(code, `base_url="http`) && !strings.Contains(code, "os.environ") {
			code = PatchHardcodedURLs(code)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(code+"\n"), 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
		if check != nil {
			if err := check(path); err != nil {
				_ = os.Remove(path)
				res.Skipped = append(res.Skipped, models.Outcome{
					TestName:     t.TestName,
					TestFile:     name,
					TestSuite:    "Generated (syntax error)",
					Layer:        layerOf(t),
					Status:       models.OutcomeSkipped,
					ErrorMessage: "Generated test skipped: " + err.Error(),
				})
				continue
			}
		}
		res.Written++
	}
	return res, nil
}

func layerOf(t models.GeneratedTest) models.Layer {
	if t.IsBrowserDriven() {
		return models.LayerFrontend
	}
	return models.LayerBackend
}

// IsPythonCode rejects code whose first lines look like TypeScript or JavaScript.
func IsPythonCode(code string) bool {
	lines := strings.Split(strings.TrimSpace(code), "\n")
	if len(lines) > 6 {
		lines = lines[:6]
	}
	for _, line := range lines {
		s := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(s, "//"),
			strings.HasPrefix(s, "import {"),
			strings.HasPrefix(s, "import type"),
			strings.Contains(s, "from '@"),
			strings.Contains(s, `from "@`):
			return false
		}
	}
	return true
}

// PatchHardcodedURLs makes literal base_url values overridable through BACKEND_URL.
func PatchHardcodedURLs(code string) string {
	patched := hardcodedURLRe.ReplaceAllString(code, `base_url=os.environ.get("BACKEND_URL", "$1").rstrip("/")`)
	if !strings.Contains(patched, "import os") {
		patched = "import os\n" + patched
	}
	return patched
}

func fileName(t models.GeneratedTest) string {
	safe := strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(t.TestName), "_"), "_")
	if safe == "" {
		safe = "test"
	}
	uid := strings.ReplaceAll(t.ID, "-", "")
	if len(uid) > 8 {
		uid = uid[:8]
	}
	return fmt.Sprintf("test_%s_%s.py", safe, uid)
}

var smokeTemplate = template.Must(template.New("smoke").Parse(`"""Auto-generated page smoke test, source: {{.Source}}"""
import os

import pytest
from playwright.sync_api import Page, expect

FRONTEND_URL = os.environ.get("FRONTEND_URL", "http://localhost:3000").rstrip("/")
_PAGE_PATH = "/{{.Slug}}"
_TIMEOUT_MS = int(os.environ.get("PLAYWRIGHT_TIMEOUT_MS", "10000"))


def test_{{.Safe}}_page_loads(page: Page) -> None:
    try:
        response = page.goto(FRONTEND_URL + _PAGE_PATH, timeout=_TIMEOUT_MS)
    except Exception as exc:
        pytest.skip(f"Could not reach frontend: {exc!s}")
    if response is None:
        pytest.skip("Could not reach frontend")
    if response.status >= 500:
        pytest.fail(f"Page {FRONTEND_URL}{_PAGE_PATH} returned HTTP {response.status}")


def test_{{.Safe}}_has_content(page: Page) -> None:
    try:
        page.goto(FRONTEND_URL + _PAGE_PATH, timeout=_TIMEOUT_MS)
    except Exception as exc:
        pytest.skip(f"Could not reach frontend: {exc!s}")
    page.wait_for_load_state("networkidle", timeout=_TIMEOUT_MS)
    expect(page.locator("body")).to_be_visible()
`))

// smokeTest converts a TypeScript browser test into a Python page-load check
// against the page its entry point names.
func smokeTest(t models.GeneratedTest) (string, error) {
	source := t.EntryPoint
	if source == "" {
		source = t.TestName
	}
	base := filepath.Base(source)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	lower := strings.ToLower(stem)
	safe := strings.Trim(nonAlnum.ReplaceAllString(lower, "_"), "_")
	if safe == "" {
		safe = "page"
	}
	data := struct{ Source, Slug, Safe string }{
		Source: source,
		Slug:   strings.Trim(nonSlug.ReplaceAllString(lower, "-"), "-"),
		Safe:   safe,
	}
	var b strings.Builder
	if err := smokeTemplate.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
