package models

type Layer string

const (
	// LayerFrontend marks outcomes produced by browser-driven tests.
	LayerFrontend Layer = "frontend"
	// LayerBackend marks outcomes produced by language-level tests.
	LayerBackend Layer = "backend"
)

type OutcomeStatus string

const (
	OutcomePassed  OutcomeStatus = "passed"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeError   OutcomeStatus = "error"
)

// Outcome is one test's result within a run.
type Outcome struct {
	ID            string
	RunID         string
	TestName      string
	TestFile      string
	TestSuite     string
	Layer         Layer
	Status        OutcomeStatus
	DurationMS    *int64
	ErrorMessage  string
	ErrorStack    string
	ErrorCategory string
	ScreenshotRef string
	NetworkRef    string
}
