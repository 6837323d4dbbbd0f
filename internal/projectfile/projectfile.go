// Package projectfile reads project definitions and generated tests from YAML.
package projectfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/testforge/internal/models"
)

// File is one YAML document.
type File struct {
	Projects []Project             `yaml:"projects"`
	Tests    []models.GeneratedTest `yaml:"tests"`
}

type Project struct {
	ID     string               `yaml:"id"`
	Name   string               `yaml:"name"`
	Path   string               `yaml:"path"`
	Config models.ProjectConfig `yaml:"config"`
}

func (p Project) Model() *models.Project {
	return &models.Project{ID: p.ID, Name: p.Name, Path: p.Path, Config: p.Config}
}

func Parse(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse project YAML: %w", err)
	}

	// a test listed under a single project inherits that project's id
	if len(f.Projects) == 1 {
		for i := range f.Tests {
			if f.Tests[i].ProjectID == "" {
				f.Tests[i].ProjectID = f.Projects[0].ID
			}
		}
	}
	return &f, nil
}

// Load reads path, or every .yaml/.yml file in it when path is a directory,
// and merges the documents in file name order.
func Load(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		f, err := Parse(path)
		if err != nil {
			return nil, err
		}
		return f, Validate(f)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	merged := &File{}
	for _, name := range names {
		f, err := Parse(filepath.Join(path, name))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		merged.Projects = append(merged.Projects, f.Projects...)
		merged.Tests = append(merged.Tests, f.Tests...)
	}
	return merged, Validate(merged)
}

func Validate(f *File) error {
	ids := make(map[string]bool, len(f.Projects))
	for _, p := range f.Projects {
		if p.ID == "" {
			return fmt.Errorf("project must have an id")
		}
		if p.Path == "" {
			return fmt.Errorf("project %q must have a path", p.ID)
		}
		if ids[p.ID] {
			return fmt.Errorf("project %q defined more than once", p.ID)
		}
		ids[p.ID] = true
		if p.Config.ParallelWorkers < 0 || p.Config.RetryCount < 0 || p.Config.TestTimeoutMS < 0 {
			return fmt.Errorf("project %q: workers, retries and timeout must not be negative", p.ID)
		}
	}
	for _, t := range f.Tests {
		if t.ProjectID == "" {
			return fmt.Errorf("test %q must have a project_id", t.TestName)
		}
		if t.ID == "" {
			return fmt.Errorf("test %q must have an id", t.TestName)
		}
	}
	return nil
}

// Store is the persistence the importer writes through.
type Store interface {
	UpsertProject(ctx context.Context, p *models.Project) error
	ReplaceGeneratedTests(ctx context.Context, projectID string, tests []models.GeneratedTest) error
}

// Import upserts every project and replaces the generated tests of each
// project that has tests in f.
func Import(ctx context.Context, store Store, f *File) error {
	for _, p := range f.Projects {
		if err := store.UpsertProject(ctx, p.Model()); err != nil {
			return fmt.Errorf("import project %s: %w", p.ID, err)
		}
	}

	byProject := make(map[string][]models.GeneratedTest)
	var order []string
	for _, t := range f.Tests {
		if _, seen := byProject[t.ProjectID]; !seen {
			order = append(order, t.ProjectID)
		}
		byProject[t.ProjectID] = append(byProject[t.ProjectID], t)
	}
	for _, id := range order {
		if err := store.ReplaceGeneratedTests(ctx, id, byProject[id]); err != nil {
			return fmt.Errorf("import tests for %s: %w", id, err)
		}
	}
	return nil
}
