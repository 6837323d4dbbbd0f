package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const syntaxCheckTimeout = 30 * time.Second

// SyntaxError is returned by CheckSyntax when the interpreter rejects a file.
type SyntaxError struct {
	Path   string
	Detail string
}

func (e *SyntaxError) Error() string {
	return "Python syntax error: " + e.Detail
}

// CheckSyntax byte-compiles path with the sandbox interpreter, or the base
// interpreter when root has no sandbox yet. Only a compiler diagnostic is
// reported as a *SyntaxError. When the interpreter cannot be run at all the
// file is let through and pytest reports it instead.
func (p *Provisioner) CheckSyntax(ctx context.Context, root, path string) error {
	python := filepath.Join(BinDir(root), "python")
	if !fileExists(python) {
		python = p.Python
	}

	ctx, cancel := context.WithTimeout(ctx, syntaxCheckTimeout)
	defer cancel()

	var lines []string
	err := p.Runner.Run(ctx, python, []string{"-m", "py_compile", path}, func(line string) {
		lines = append(lines, strings.TrimSpace(line))
	})
	if err == nil {
		return nil
	}
	if detail := compileDiagnostic(lines); detail != "" {
		return &SyntaxError{Path: path, Detail: detail}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	p.Logger.Warn("syntax check unavailable", "python", python, "path", path, "error", err)
	return nil
}

// compileDiagnostic picks the "XxxError: message" line from py_compile output
// and prefixes it with the reported line number when there is one.
func compileDiagnostic(lines []string) string {
	var where, msg string
	for _, l := range lines {
		if _, rest, ok := strings.Cut(l, ", line "); ok && strings.HasPrefix(l, "File ") {
			if f := strings.Fields(rest); len(f) > 0 {
				where = "line " + strings.TrimSuffix(f[0], ",")
			}
		}
		if head, _, ok := strings.Cut(l, ": "); ok && strings.HasSuffix(head, "Error") && !strings.Contains(head, " ") {
			msg = l
		}
	}
	switch {
	case msg == "":
		return ""
	case where == "":
		return msg
	default:
		return fmt.Sprintf("%s: %s", where, msg)
	}
}
