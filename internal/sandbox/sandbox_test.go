package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records install invocations. Creating a venv drops a python
// binary into it; pip installs of "uv" drop a uv binary.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	failOn string
}

func (f *fakeRunner) Run(_ context.Context, name string, args []string, line func(string)) error {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	joined := name + " " + strings.Join(args, " ")
	if f.failOn != "" && strings.Contains(joined, f.failOn) {
		line("ERROR: could not install")
		return errors.New("exit status 1")
	}

	if len(args) >= 3 && args[0] == "-m" && args[1] == "venv" {
		bin := filepath.Join(args[2], "bin")
		if err := os.MkdirAll(bin, 0755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(bin, "python"), nil, 0755)
	}
	if filepath.Base(name) == "pip" && contains(args, "uv") {
		line("Successfully installed uv")
		return os.WriteFile(filepath.Join(filepath.Dir(name), "uv"), nil, 0755)
	}
	line("Successfully installed")
	return nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func newTestProvisioner(r Runner) *Provisioner {
	p := New("python3", time.Minute, nil)
	p.Runner = r
	return p
}

func writeFile(t *testing.T, root, rel, body string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestEnsureIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "requirements.txt", "fastapi==0.110\ntorch>=2\n")

	runner := &fakeRunner{}
	p := newTestProvisioner(runner)

	var lines []string
	bin, err := p.Ensure(context.Background(), root, func(s string) { lines = append(lines, s) })
	require.NoError(t, err)
	assert.Equal(t, BinDir(root), bin)
	assert.Equal(t, 3, runner.count())

	// Phase 2 uses uv once Phase 1 installed it, and skips torch.
	phase2 := runner.calls[2]
	assert.Equal(t, filepath.Join(bin, "uv"), phase2[0])
	assert.Equal(t, []string{"pip", "install", "--python", filepath.Join(bin, "python"), "fastapi==0.110"}, phase2[1:])

	lines = nil
	_, err = p.Ensure(context.Background(), root, func(s string) { lines = append(lines, s) })
	require.NoError(t, err)
	assert.Equal(t, 3, runner.count(), "second ensure must not install anything")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "up to date")
}

func TestEnsureReprovisionsWhenManifestChanges(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "requirements.txt", "requests\n")
	writeFile(t, root, "backend/pyproject.toml", "[project]\nname = \"api\"\n")

	runner := &fakeRunner{}
	p := newTestProvisioner(runner)

	_, err := p.Ensure(context.Background(), root, nil)
	require.NoError(t, err)
	first := runner.count()

	writeFile(t, root, "backend/pyproject.toml", "[project]\nname = \"api\"\nversion = \"2\"\n")
	_, err = p.Ensure(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Greater(t, runner.count(), first)

	again := runner.count()
	_, err = p.Ensure(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, again, runner.count())
}

func TestEnsureDoesNotStampPartialInstall(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "requirements.txt", "broken-package\n")

	runner := &fakeRunner{failOn: "broken-package"}
	p := newTestProvisioner(runner)

	_, err := p.Ensure(context.Background(), root, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvisionFailed)
	_, statErr := os.Stat(filepath.Join(Dir(root), stampFile))
	assert.True(t, os.IsNotExist(statErr))

	// the next attempt retries and, once installs succeed, stamps
	runner.failOn = ""
	before := runner.count()
	_, err = p.Ensure(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, before+3, runner.count())
	_, statErr = os.Stat(filepath.Join(Dir(root), stampFile))
	assert.NoError(t, statErr)
}

func TestEnsureAttemptsBothPhasesWhenEssentialsFail(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "requirements.txt", "flask\n")

	runner := &fakeRunner{failOn: "pytest-json-report"}
	_, err := newTestProvisioner(runner).Ensure(context.Background(), root, nil)
	require.ErrorIs(t, err, ErrProvisionFailed)
	assert.Equal(t, 3, runner.count())
	// uv never got installed, so Phase 2 falls back to pip
	assert.Equal(t, "pip", filepath.Base(runner.calls[2][0]))
}

func TestEnsureVenvFailure(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{failOn: "-m venv"}
	_, err := newTestProvisioner(runner).Ensure(context.Background(), root, nil)
	require.ErrorIs(t, err, ErrProvisionFailed)
	assert.Equal(t, 1, runner.count())
}

func TestEnsureWithoutRequirementsSkipsPhaseTwo(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pytest.ini", "[pytest]\n")

	runner := &fakeRunner{}
	var lines []string
	_, err := newTestProvisioner(runner).Ensure(context.Background(), root, func(s string) { lines = append(lines, s) })
	require.NoError(t, err)
	assert.Equal(t, 2, runner.count())
	assert.Contains(t, strings.Join(lines, "\n"), "skipping Phase 2")
}

func TestCollectDependencies(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "requirements.txt", strings.Join([]string{
		"# comment",
		"",
		"Django>=4.2  # web",
		"-r requirements-base.txt",
		"--index-url https://example.com",
		"git+https://github.com/x/y.git",
		"https://example.com/pkg.whl",
		"Scikit-Learn==1.4",
		"opencv-python-headless",
		"sentence.transformers",
		"psycopg[binary]",
	}, "\n"))
	writeFile(t, root, "backend/requirements-dev.txt", "django==5\npytest-cov\n")

	deps, excluded := CollectDependencies(root)
	assert.Equal(t, []string{"Django>=4.2", "psycopg[binary]", "pytest-cov"}, deps)
	assert.Equal(t, []string{"Scikit-Learn", "opencv-python-headless", "sentence.transformers"}, excluded)
}

func TestFingerprint(t *testing.T) {
	root := t.TempDir()
	empty := Fingerprint(root)
	assert.Len(t, empty, 64)

	writeFile(t, root, "api/setup.py", "setup()")
	withSetup := Fingerprint(root)
	assert.NotEqual(t, empty, withSetup)
	assert.Equal(t, withSetup, Fingerprint(root))

	writeFile(t, root, "unrelated/requirements.txt", "x")
	assert.Equal(t, withSetup, Fingerprint(root))
}

func TestIsHeavy(t *testing.T) {
	assert.True(t, IsHeavy("TensorFlow-GPU"))
	assert.True(t, IsHeavy("llama.cpp.python"))
	assert.False(t, IsHeavy("requests"))
}
