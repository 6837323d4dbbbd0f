package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// compileRunner replays canned interpreter output.
type compileRunner struct {
	name   string
	args   []string
	output []string
	err    error
}

func (c *compileRunner) Run(_ context.Context, name string, args []string, line func(string)) error {
	c.name, c.args = name, args
	for _, l := range c.output {
		line(l)
	}
	return c.err
}

func TestCheckSyntaxAccepts(t *testing.T) {
	runner := &compileRunner{}
	err := newTestProvisioner(runner).CheckSyntax(context.Background(), t.TempDir(), "/w/test_ok.py")
	require.NoError(t, err)
	assert.Equal(t, "python3", runner.name)
	assert.Equal(t, []string{"-m", "py_compile", "/w/test_ok.py"}, runner.args)
}

func TestCheckSyntaxPrefersSandboxInterpreter(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(BinDir(root), 0755))
	python := filepath.Join(BinDir(root), "python")
	require.NoError(t, os.WriteFile(python, nil, 0755))

	runner := &compileRunner{}
	require.NoError(t, newTestProvisioner(runner).CheckSyntax(context.Background(), root, "/w/test_ok.py"))
	assert.Equal(t, python, runner.name)
}

func TestCheckSyntaxRejects(t *testing.T) {
	runner := &compileRunner{
		output: []string{
			`  File "/w/test_bad.py", line 3`,
			`    def test_x(:`,
			`               ^`,
			`SyntaxError: invalid syntax`,
		},
		err: errors.New("python3 exited 1"),
	}
	err := newTestProvisioner(runner).CheckSyntax(context.Background(), t.TempDir(), "/w/test_bad.py")

	var syntaxErr *SyntaxError
	require.ErrorAs(t, err, &syntaxErr)
	assert.Equal(t, "/w/test_bad.py", syntaxErr.Path)
	assert.Equal(t, "Python syntax error: line 3: SyntaxError: invalid syntax", err.Error())
}

func TestCheckSyntaxLetsThroughWhenInterpreterMissing(t *testing.T) {
	runner := &compileRunner{err: errors.New(`start python3: exec: "python3": executable file not found in $PATH`)}
	err := newTestProvisioner(runner).CheckSyntax(context.Background(), t.TempDir(), "/w/test_ok.py")
	assert.NoError(t, err)
}

func TestCompileDiagnostic(t *testing.T) {
	assert.Equal(t, "IndentationError: expected an indented block",
		compileDiagnostic([]string{"IndentationError: expected an indented block"}))
	assert.Empty(t, compileDiagnostic([]string{"Traceback (most recent call last):", "some noise"}))
}
