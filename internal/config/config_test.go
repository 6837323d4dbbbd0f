package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TESTFORGE_DATA_DIR", dir)

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, filepath.Join(dir, "testforge.db"), cfg.DatabaseURL)
	assert.Equal(t, "memory", cfg.Bus)
	assert.Equal(t, "local", cfg.ArtifactStore)
	assert.Equal(t, 5, cfg.MaxConcurrentRuns)
	assert.Equal(t, 5*time.Minute, cfg.RunTimeout)
	assert.Equal(t, "python3", cfg.PythonBinary)
	assert.Equal(t, filepath.Join(dir, "workspace"), cfg.WorkspacesDir())
	assert.Equal(t, filepath.Join(dir, "artifacts"), cfg.ArtifactsDir())
}

func TestNewOverrides(t *testing.T) {
	t.Setenv("TESTFORGE_DATA_DIR", t.TempDir())
	t.Setenv("TESTFORGE_DB_DRIVER", "postgres")
	t.Setenv("TESTFORGE_DATABASE_URL", "postgres://localhost/testforge")
	t.Setenv("TESTFORGE_BUS", "nats")
	t.Setenv("TESTFORGE_MAX_CONCURRENT_RUNS", "2")
	t.Setenv("TESTFORGE_RUN_TIMEOUT", "90s")
	t.Setenv("TESTFORGE_MINIO_USE_SSL", "true")
	t.Setenv("TESTFORGE_IN_CONTAINER", "true")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "postgres://localhost/testforge", cfg.DatabaseURL)
	assert.Equal(t, "nats", cfg.Bus)
	assert.Equal(t, 2, cfg.MaxConcurrentRuns)
	assert.Equal(t, 90*time.Second, cfg.RunTimeout)
	assert.True(t, cfg.MinioUseSSL)
	assert.True(t, cfg.InContainer)
}

func TestNewRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"TESTFORGE_MAX_CONCURRENT_RUNS", "many", "TESTFORGE_MAX_CONCURRENT_RUNS"},
		{"TESTFORGE_MAX_CONCURRENT_RUNS", "0", ">= 1"},
		{"TESTFORGE_RUN_TIMEOUT", "soon", "TESTFORGE_RUN_TIMEOUT"},
		{"TESTFORGE_DB_DRIVER", "mysql", "sqlite or postgres"},
		{"TESTFORGE_BUS", "kafka", "memory, redis or nats"},
		{"TESTFORGE_ARTIFACT_STORE", "gcs", "local or minio"},
		{"TESTFORGE_MINIO_USE_SSL", "maybe", "TESTFORGE_MINIO_USE_SSL"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv("TESTFORGE_DATA_DIR", t.TempDir())
			t.Setenv(tt.key, tt.value)

			_, err := New()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	cfg := &Config{DataDir: dir}

	require.NoError(t, cfg.EnsureDataDir())
	assert.DirExists(t, cfg.WorkspacesDir())
	assert.DirExists(t, cfg.ArtifactsDir())
}
