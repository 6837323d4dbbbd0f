package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	sum := Summarize([]Outcome{
		{Status: OutcomePassed},
		{Status: OutcomePassed},
		{Status: OutcomeSkipped},
	})
	assert.Equal(t, RunStatusPassed, sum.Status)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Passed)
	assert.Equal(t, 1, sum.Skipped)

	sum = Summarize([]Outcome{{Status: OutcomePassed}, {Status: OutcomeError}})
	assert.Equal(t, RunStatusFailed, sum.Status)
	assert.Equal(t, 1, sum.Failed)

	sum = Summarize(nil)
	assert.Equal(t, RunStatusPassed, sum.Status)
	assert.Zero(t, sum.Total)
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunStatusPending.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusPassed.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
	assert.True(t, RunStatusCancelled.Terminal())
}

func TestProjectConfigDefaults(t *testing.T) {
	var c ProjectConfig
	assert.Equal(t, 1, c.Workers())
	assert.Equal(t, DefaultTestTimeoutMS, c.TimeoutMS())

	c = ProjectConfig{ParallelWorkers: 4, TestTimeoutMS: 10000}
	assert.Equal(t, 4, c.Workers())
	assert.Equal(t, 10000, c.TimeoutMS())
}
