package projectfile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last change
// before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Watcher calls OnChange with the freshly loaded file whenever the watched
// YAML file (or directory of files) changes.
type Watcher struct {
	Path     string
	Debounce time.Duration
	OnChange func(*File)
	Logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

func NewWatcher(path string, onChange func(*File), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{Path: path, Debounce: DefaultDebounce, OnChange: onChange, Logger: logger}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// editors replace files by rename, so watch the parent directory
	info, err := os.Stat(w.Path)
	if err != nil {
		return err
	}
	dir, single := w.Path, !info.IsDir()
	if single {
		dir = filepath.Dir(w.Path)
	}
	if err := fsw.Add(dir); err != nil {
		return err
	}
	w.Logger.Info("watching project file", "path", w.Path)

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if single && filepath.Clean(event.Name) != filepath.Clean(w.Path) {
				continue
			}
			if !single && !isYAML(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.Logger.Debug("project file changed", "file", event.Name, "op", event.Op.String())
			w.schedule()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Error("project file watch error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.Debounce, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reload() {
	f, err := Load(w.Path)
	if err != nil {
		w.Logger.Warn("project file reload failed", "path", w.Path, "error", err)
		return
	}
	if w.OnChange != nil {
		w.OnChange(f)
	}
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
