package models

import "time"

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPassed    RunStatus = "passed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusPassed, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

type Run struct {
	ID           string
	ProjectID    string
	Status       RunStatus
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	TotalTests   int
	PassedTests  int
	FailedTests  int
	SkippedTests int
	DurationMS   *int64
	Config       map[string]any
	ErrorMessage string
}

// Summary holds the aggregate counts written once when a run completes.
type Summary struct {
	Status      RunStatus
	Total       int
	Passed      int
	Failed      int
	Skipped     int
	CompletedAt time.Time
	DurationMS  int64
}

// Summarize counts outcomes. Errored outcomes count as failures.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes)}
	for _, o := range outcomes {
		switch o.Status {
		case OutcomePassed:
			s.Passed++
		case OutcomeFailed, OutcomeError:
			s.Failed++
		case OutcomeSkipped:
			s.Skipped++
		}
	}
	s.Status = RunStatusPassed
	if s.Failed > 0 {
		s.Status = RunStatusFailed
	}
	return s
}
