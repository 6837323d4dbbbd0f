package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	DataDir     string
	DBDriver    string
	DatabaseURL string
	ProjectFile string

	Bus    string
	BusURL string

	ArtifactStore  string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	MaxConcurrentRuns int
	RunTimeout        time.Duration
	InstallTimeout    time.Duration
	PythonBinary      string

	HostPathPrefix      string
	ContainerPathPrefix string
	HostGateway         string
	InContainer         bool

	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("TESTFORGE_DATA_DIR", filepath.Join(homeDir, ".testforge"))

	c := &Config{
		DataDir:     dataDir,
		DBDriver:    getEnv("TESTFORGE_DB_DRIVER", "sqlite"),
		DatabaseURL: getEnv("TESTFORGE_DATABASE_URL", filepath.Join(dataDir, "testforge.db")),
		ProjectFile: getEnv("TESTFORGE_PROJECT_FILE", ""),

		Bus:    getEnv("TESTFORGE_BUS", "memory"),
		BusURL: getEnv("TESTFORGE_BUS_URL", ""),

		ArtifactStore:  getEnv("TESTFORGE_ARTIFACT_STORE", "local"),
		MinioEndpoint:  getEnv("TESTFORGE_MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getEnv("TESTFORGE_MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("TESTFORGE_MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("TESTFORGE_MINIO_BUCKET", "testforge-artifacts"),

		PythonBinary: getEnv("TESTFORGE_PYTHON", "python3"),

		HostPathPrefix:      getEnv("PROJECT_PATH_HOST_PREFIX", ""),
		ContainerPathPrefix: getEnv("PROJECT_PATH_CONTAINER_PREFIX", ""),
		HostGateway:         getEnv("TESTFORGE_HOST_GATEWAY", "host.docker.internal"),

		LogLevel:    getEnv("TESTFORGE_LOG_LEVEL", "info"),
		LogFormat:   getEnv("TESTFORGE_LOG_FORMAT", "text"),
		MetricsAddr: getEnv("TESTFORGE_METRICS_ADDR", ":9464"),
	}

	if c.MinioUseSSL, err = getBool("TESTFORGE_MINIO_USE_SSL", false); err != nil {
		return nil, err
	}
	if c.MaxConcurrentRuns, err = getInt("TESTFORGE_MAX_CONCURRENT_RUNS", 5); err != nil {
		return nil, err
	}
	if c.RunTimeout, err = getDuration("TESTFORGE_RUN_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.InstallTimeout, err = getDuration("TESTFORGE_INSTALL_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}

	inContainer, err := getBool("TESTFORGE_IN_CONTAINER", false)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat("/.dockerenv"); statErr == nil {
		inContainer = true
	}
	c.InContainer = inContainer

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("TESTFORGE_DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	switch c.Bus {
	case "memory", "redis", "nats":
	default:
		return fmt.Errorf("TESTFORGE_BUS must be memory, redis or nats, got %q", c.Bus)
	}
	switch c.ArtifactStore {
	case "local", "minio":
	default:
		return fmt.Errorf("TESTFORGE_ARTIFACT_STORE must be local or minio, got %q", c.ArtifactStore)
	}
	if c.MaxConcurrentRuns < 1 {
		return fmt.Errorf("TESTFORGE_MAX_CONCURRENT_RUNS must be >= 1")
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("TESTFORGE_RUN_TIMEOUT must be positive")
	}
	if c.InstallTimeout <= 0 {
		return fmt.Errorf("TESTFORGE_INSTALL_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, c.WorkspacesDir(), c.ArtifactsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// WorkspacesDir holds synced project copies, one directory per project id.
func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspace")
}

func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
