package executor

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// Handle is the live process of one run. It may be registered before the
// process starts; a kill requested before then is applied on attach.
type Handle struct {
	mu     sync.Mutex
	proc   *os.Process
	killed bool
}

func (h *Handle) attach(p *os.Process) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proc = p
	if h.killed {
		killGroup(p)
	}
}

// Kill signals the process group. It is safe to call more than once; only
// the first call reports true.
func (h *Handle) Kill() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.killed {
		return false
	}
	h.killed = true
	if h.proc != nil {
		killGroup(h.proc)
	}
	return true
}

// Killed reports whether Kill was called.
func (h *Handle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

func killGroup(p *os.Process) {
	// negative pid targets the process group started with Setpgid
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		_ = p.Kill()
	}
}

// Registry maps run ids to live handles and enforces the concurrency cap.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	max     int
}

func NewRegistry(max int) *Registry {
	return &Registry{handles: make(map[string]*Handle), max: max}
}

// Register claims a slot for runID, failing with ErrTooManyRuns when the cap
// is reached.
func (r *Registry) Register(runID string, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[runID]; exists {
		return fmt.Errorf("run %s is already executing", runID)
	}
	if r.max > 0 && len(r.handles) >= r.max {
		return fmt.Errorf("%w (%d max)", ErrTooManyRuns, r.max)
	}
	r.handles[runID] = h
	return nil
}

func (r *Registry) Lookup(runID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[runID]
	return h, ok
}

// Remove deletes and returns the handle for runID. Only one caller ever
// receives a given handle.
func (r *Registry) Remove(runID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[runID]
	if ok {
		delete(r.handles, runID)
	}
	return h, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
