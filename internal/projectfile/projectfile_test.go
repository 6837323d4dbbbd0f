package projectfile

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/testforge/internal/models"
)

const sample = `
projects:
  - id: shop
    name: Shop
    path: /srv/shop
    config:
      backend_url: http://localhost:8000
      parallel_workers: 4
      retry_count: 1
      env_vars:
        FEATURE_X: "on"
tests:
  - id: t-1
    name: Login works
    type: api
    accepted: true
    code: |
      def test_login():
          assert True
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "shop.yaml", sample)

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Projects, 1)
	p := f.Projects[0]
	assert.Equal(t, "shop", p.ID)
	assert.Equal(t, 4, p.Config.ParallelWorkers)
	assert.Equal(t, "on", p.Config.EnvVars["FEATURE_X"])

	require.Len(t, f.Tests, 1)
	assert.Equal(t, "shop", f.Tests[0].ProjectID, "inherits the only project")
	assert.True(t, f.Tests[0].Accepted)
	assert.Contains(t, f.Tests[0].Code, "def test_login")
}

func TestLoadDirectoryMerges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "projects:\n  - {id: a, name: A, path: /a}\n")
	writeFile(t, dir, "b.yml", "projects:\n  - {id: b, name: B, path: /b}\n")
	writeFile(t, dir, "notes.txt", "ignored")

	f, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, f.Projects, 2)
	assert.Equal(t, "a", f.Projects[0].ID)
	assert.Equal(t, "b", f.Projects[1].ID)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		file File
		err  string
	}{
		{"missing id", File{Projects: []Project{{Path: "/x"}}}, "must have an id"},
		{"missing path", File{Projects: []Project{{ID: "x"}}}, "must have a path"},
		{"duplicate", File{Projects: []Project{{ID: "x", Path: "/x"}, {ID: "x", Path: "/y"}}}, "more than once"},
		{"negative workers", File{Projects: []Project{{ID: "x", Path: "/x", Config: models.ProjectConfig{ParallelWorkers: -1}}}}, "negative"},
		{"orphan test", File{Tests: []models.GeneratedTest{{ID: "t", TestName: "t"}}}, "project_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.file)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "projects: [\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse project YAML")
}

type fakeStore struct {
	mu       sync.Mutex
	projects []*models.Project
	tests    map[string][]models.GeneratedTest
}

func (f *fakeStore) UpsertProject(_ context.Context, p *models.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects = append(f.projects, p)
	return nil
}

func (f *fakeStore) ReplaceGeneratedTests(_ context.Context, projectID string, tests []models.GeneratedTest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tests == nil {
		f.tests = map[string][]models.GeneratedTest{}
	}
	f.tests[projectID] = tests
	return nil
}

func TestImport(t *testing.T) {
	path := writeFile(t, t.TempDir(), "shop.yaml", sample)
	f, err := Load(path)
	require.NoError(t, err)

	store := &fakeStore{}
	require.NoError(t, Import(context.Background(), store, f))
	require.Len(t, store.projects, 1)
	assert.Equal(t, "/srv/shop", store.projects[0].Path)
	assert.Len(t, store.tests["shop"], 1)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "shop.yaml", sample)

	reloaded := make(chan *File, 4)
	w := NewWatcher(path, func(f *File) { reloaded <- f }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.Debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give the watcher time to register before writing
	require.Eventually(t, func() bool {
		writeFile(t, dir, "shop.yaml", "projects:\n  - {id: shop, name: Renamed, path: /srv/shop}\n")
		select {
		case f := <-reloaded:
			return len(f.Projects) == 1 && f.Projects[0].Name == "Renamed"
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
