package models

import "time"

type Project struct {
	ID        string
	Name      string
	Path      string
	CreatedAt time.Time
	Config    ProjectConfig
}

// ProjectConfig is the per-project configuration record consumed by the engine.
type ProjectConfig struct {
	BackendURL      string            `yaml:"backend_url,omitempty" json:"backend_url,omitempty"`
	FrontendURL     string            `yaml:"frontend_url,omitempty" json:"frontend_url,omitempty"`
	LoginEmail      string            `yaml:"login_email,omitempty" json:"login_email,omitempty"`
	LoginPassword   string            `yaml:"login_password,omitempty" json:"login_password,omitempty"`
	ParallelWorkers int               `yaml:"parallel_workers,omitempty" json:"parallel_workers,omitempty"`
	RetryCount      int               `yaml:"retry_count,omitempty" json:"retry_count,omitempty"`
	TestTimeoutMS   int               `yaml:"test_timeout_ms,omitempty" json:"test_timeout_ms,omitempty"`
	Browser         string            `yaml:"browser,omitempty" json:"browser,omitempty"`
	EnvVars         map[string]string `yaml:"env_vars,omitempty" json:"env_vars,omitempty"`
}

// DefaultTestTimeoutMS is the browser framework's own per-test default.
const DefaultTestTimeoutMS = 30000

func (c ProjectConfig) Workers() int {
	if c.ParallelWorkers < 1 {
		return 1
	}
	return c.ParallelWorkers
}

func (c ProjectConfig) TimeoutMS() int {
	if c.TestTimeoutMS <= 0 {
		return DefaultTestTimeoutMS
	}
	return c.TestTimeoutMS
}

// GeneratedTest is a previously accepted generated test that gets written
// into the project before a language-level run.
type GeneratedTest struct {
	ID         string `yaml:"id"`
	ProjectID  string `yaml:"project_id"`
	TestName   string `yaml:"name"`
	TestType   string `yaml:"type"`
	EntryPoint string `yaml:"entry_point,omitempty"`
	Code       string `yaml:"code"`
	Accepted   bool   `yaml:"accepted"`
}

// IsBrowserDriven reports whether the test belongs in the browser-driven directory.
func (t GeneratedTest) IsBrowserDriven() bool {
	return t.TestType == "e2e" || t.TestType == "component"
}
