package lua

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// ScriptPath is where a project keeps its runner override, relative to its root.
const ScriptPath = ".testforge/runner.lua"

// Result is what a runner script's detect(root) returned.
type Result struct {
	Layer   string
	Command []string
	Dir     string
}

// Runtime evaluates project runner scripts in a sandboxed Lua state
type Runtime struct {
	root     string
	logger   *slog.Logger
	lookPath func(string) (string, error)
	timeout  time.Duration
}

// NewRuntime creates a runtime whose exists() calls are confined to root.
func NewRuntime(root string, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		root:     root,
		logger:   logger,
		lookPath: exec.LookPath,
		timeout:  5 * time.Second,
	}
}

// WithLookPath replaces the PATH lookup behind which().
func (r *Runtime) WithLookPath(fn func(string) (string, error)) *Runtime {
	r.lookPath = fn
	return r
}

// Detect runs the script and calls its global detect(root). A nil return
// from the script yields (nil, nil) so callers fall through to built-in
// detection.
func (r *Runtime) Detect(scriptPath string) (*Result, error) {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	L.SetContext(ctx)

	r.openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(string(script)); err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}

	detect := L.GetGlobal("detect")
	if detect.Type() != lua.LTFunction {
		return nil, fmt.Errorf("script must define a 'detect' function")
	}

	L.Push(detect)
	L.Push(lua.LString(r.root))
	if err := L.PCall(1, 1, nil); err != nil {
		return nil, fmt.Errorf("detect failed: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	if ret == lua.LNil {
		return nil, nil
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("detect must return a table or nil, got %s", ret.Type())
	}
	return r.tableToResult(tbl)
}

func (r *Runtime) tableToResult(tbl *lua.LTable) (*Result, error) {
	res := &Result{
		Layer: lua.LVAsString(tbl.RawGetString("layer")),
		Dir:   lua.LVAsString(tbl.RawGetString("dir")),
	}

	cmd, ok := tbl.RawGetString("command").(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("detect result needs a 'command' list")
	}
	cmd.ForEach(func(_, v lua.LValue) {
		res.Command = append(res.Command, lua.LVAsString(v))
	})
	if len(res.Command) == 0 {
		return nil, fmt.Errorf("detect result has an empty 'command'")
	}

	switch res.Layer {
	case "frontend", "backend":
	default:
		return nil, fmt.Errorf("detect result layer must be frontend or backend, got %q", res.Layer)
	}
	return res, nil
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("exists", L.NewFunction(r.luaExists))
	L.SetGlobal("which", L.NewFunction(r.luaWhich))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaExists implements exists(relpath). Paths escaping the root report false.
func (r *Runtime) luaExists(L *lua.LState) int {
	rel := L.CheckString(1)
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		L.Push(lua.LFalse)
		return 1
	}
	_, err := os.Stat(filepath.Join(r.root, clean))
	L.Push(lua.LBool(err == nil))
	return 1
}

// luaWhich implements which(bin), returning the resolved path or nil.
func (r *Runtime) luaWhich(L *lua.LState) int {
	path, err := r.lookPath(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(path))
	return 1
}

func (r *Runtime) luaLog(L *lua.LState) int {
	r.logger.Info("runner script", "root", r.root, "line", L.CheckString(1))
	return 0
}
