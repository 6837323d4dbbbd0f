package workspace

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/testforge/internal/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEffectivePath(t *testing.T) {
	base := t.TempDir()
	ws := New(base, func(p string) string { return "/translated" + p }, quietLogger())
	project := models.Project{ID: "p1", Path: "/src/app"}

	assert.Equal(t, "/translated/src/app", ws.EffectivePath(project))

	// an empty synced dir does not count
	require.NoError(t, os.MkdirAll(ws.Path("p1"), 0755))
	assert.Equal(t, "/translated/src/app", ws.EffectivePath(project))

	require.NoError(t, os.WriteFile(filepath.Join(ws.Path("p1"), "pytest.ini"), nil, 0644))
	assert.Equal(t, filepath.Join(base, "p1"), ws.EffectivePath(project))
}

func TestSync(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	repo := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@example.com",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "conftest.py"), []byte("# v1\n"), 0644))
	run("add", ".")
	run("commit", "-q", "-m", "init")

	ws := New(t.TempDir(), nil, quietLogger())
	path, err := ws.Sync("p1", repo)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(path, "conftest.py"))
	require.NoError(t, err)
	assert.Equal(t, "# v1\n", string(data))

	require.NoError(t, os.WriteFile(filepath.Join(repo, "conftest.py"), []byte("# v2\n"), 0644))
	run("commit", "-q", "-am", "second")

	path, err = ws.Sync("p1", repo)
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(path, "conftest.py"))
	require.NoError(t, err)
	assert.Equal(t, "# v2\n", string(data))
}

func TestSyncRejectsNonRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ws := New(t.TempDir(), nil, quietLogger())
	_, err := ws.Sync("p1", t.TempDir())
	assert.ErrorContains(t, err, "not a git repository")
}

func TestMaterialize(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, TestsDir, "test_old.py")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))

	tests := []models.GeneratedTest{
		{ID: "aaaaaaaa-1111", TestName: "Login API", TestType: "api", Code: "def test_login():\n    assert True"},
		{ID: "bbbbbbbb-2222", TestName: "Home page", TestType: "e2e", EntryPoint: "e2e/home.spec.ts",
			Code: "import { test } from '@playwright/test';\ntest('x', async () => {});"},
		{ID: "cccccccc-3333", TestName: "Users TS", TestType: "api", EntryPoint: "api/users.test.ts",
			Code: "// typescript\nimport { api } from './api';"},
		{ID: "dddddddd-4444", TestName: "Health", TestType: "api",
			Code: "import requests\nclient = Client(base_url=\"http://localhost:8000\")\n"},
	}

	res, err := Materialize(root, tests, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale test removed")

	for _, f := range []string{
		filepath.Join(TestsDir, "__init__.py"),
		filepath.Join(E2EDir, "__init__.py"),
		filepath.Join(E2EDir, "conftest.py"),
		filepath.Join(TestsDir, "test_login_api_aaaaaaaa.py"),
		filepath.Join(E2EDir, "test_home_page_bbbbbbbb.py"),
	} {
		assert.FileExists(t, filepath.Join(root, f))
	}

	smoke, err := os.ReadFile(filepath.Join(root, E2EDir, "test_home_page_bbbbbbbb.py"))
	require.NoError(t, err)
	assert.Contains(t, string(smoke), `_PAGE_PATH = "/home-spec"`)
	assert.Contains(t, string(smoke), "def test_home_spec_page_loads(page: Page)")

	require.Len(t, res.Skipped, 1)
	skipped := res.Skipped[0]
	assert.Equal(t, "Users TS", skipped.TestName)
	assert.Equal(t, models.OutcomeSkipped, skipped.Status)
	assert.Contains(t, skipped.ErrorMessage, "not executed")

	health, err := os.ReadFile(filepath.Join(root, TestsDir, "test_health_dddddddd.py"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(health), "import os\n"))
	assert.Contains(t, string(health), `base_url=os.environ.get("BACKEND_URL", "http://localhost:8000").rstrip("/")`)
}

func TestMaterializeSkipsTestsFailingSyntaxCheck(t *testing.T) {
	root := t.TempDir()
	tests := []models.GeneratedTest{
		{ID: "aaaaaaaa-1111", TestName: "Good", TestType: "api", Code: "def test_good():\n    assert True"},
		{ID: "bbbbbbbb-2222", TestName: "Broken", TestType: "api", Code: "def test_broken(:\n    pass"},
		{ID: "cccccccc-3333", TestName: "Broken page", TestType: "e2e", Code: "def test_page(\n"},
	}

	var checked []string
	check := func(path string) error {
		checked = append(checked, filepath.Base(path))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		if strings.Contains(string(data), "(:") || strings.HasSuffix(strings.TrimSpace(string(data)), "(") {
			return errors.New("Python syntax error: line 1: SyntaxError: invalid syntax")
		}
		return nil
	}

	res, err := Materialize(root, tests, check)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, []string{"test_good_aaaaaaaa.py", "test_broken_bbbbbbbb.py", "test_broken_page_cccccccc.py"}, checked)

	assert.FileExists(t, filepath.Join(root, TestsDir, "test_good_aaaaaaaa.py"))
	assert.NoFileExists(t, filepath.Join(root, TestsDir, "test_broken_bbbbbbbb.py"))
	assert.NoFileExists(t, filepath.Join(root, E2EDir, "test_broken_page_cccccccc.py"))

	require.Len(t, res.Skipped, 2)
	assert.Equal(t, "Broken", res.Skipped[0].TestName)
	assert.Equal(t, models.OutcomeSkipped, res.Skipped[0].Status)
	assert.Equal(t, models.LayerBackend, res.Skipped[0].Layer)
	assert.Equal(t, "Generated test skipped: Python syntax error: line 1: SyntaxError: invalid syntax", res.Skipped[0].ErrorMessage)
	assert.Equal(t, models.LayerFrontend, res.Skipped[1].Layer)
}

func TestMaterializeNothing(t *testing.T) {
	root := t.TempDir()
	res, err := Materialize(root, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Written)
	assert.NoDirExists(t, filepath.Join(root, TestsDir))
}

func TestIsPythonCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"def test_x():\n    pass", true},
		{"import os\nimport pytest", true},
		{"// comment\nconst x = 1", false},
		{"import { test } from 'x'", false},
		{"import type { Foo } from './foo'", false},
		{"const a = require('x')\nimport x from '@scope/pkg'", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsPythonCode(tt.code), tt.code)
	}
}

func TestInjectConftestFresh(t *testing.T) {
	dir := t.TempDir()
	path, err := InjectConftest(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "conftest.py"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), conftestMarker))
	assert.Contains(t, string(data), "[testforge:screenshot]")
	assert.Contains(t, string(data), CaptureDirEnv)

	// re-injecting over our own file overwrites it in place
	path, err = InjectConftest(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "conftest.py"), path)
	assert.NoFileExists(t, filepath.Join(dir, "conftest_testforge.py"))
}

func TestInjectConftestPreservesProjectConftest(t *testing.T) {
	dir := t.TempDir()
	own := "import pytest\n\n@pytest.fixture\ndef db():\n    return 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conftest.py"), []byte(own), 0644))

	path, err := InjectConftest(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "conftest_testforge.py"), path)

	data, err := os.ReadFile(filepath.Join(dir, "conftest.py"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "import conftest_testforge"))
	assert.True(t, strings.HasSuffix(string(data), own))

	// second injection does not stack imports
	_, err = InjectConftest(dir)
	require.NoError(t, err)
	again, err := os.ReadFile(filepath.Join(dir, "conftest.py"))
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}
