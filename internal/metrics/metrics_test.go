package metrics

import (
	"testing"
	"time"

	"github.com/mpataki/testforge/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordRun(t *testing.T) {
	before := testutil.ToFloat64(runsTotal.WithLabelValues("passed"))
	RecordRun(models.RunStatusPassed, 2*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(runsTotal.WithLabelValues("passed")))
}

func TestRecordOutcomes(t *testing.T) {
	before := testutil.ToFloat64(outcomesTotal.WithLabelValues("failed"))
	RecordOutcomes([]models.Outcome{
		{Status: models.OutcomeFailed},
		{Status: models.OutcomePassed},
		{Status: models.OutcomeFailed},
	})
	assert.Equal(t, before+2, testutil.ToFloat64(outcomesTotal.WithLabelValues("failed")))
}

func TestGauges(t *testing.T) {
	SetLiveProcesses(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(liveProcesses))

	before := testutil.ToFloat64(runsRejected)
	RecordRejected()
	assert.Equal(t, before+1, testutil.ToFloat64(runsRejected))

	before = testutil.ToFloat64(provisions.WithLabelValues("hit"))
	RecordProvision("hit")
	assert.Equal(t, before+1, testutil.ToFloat64(provisions.WithLabelValues("hit")))
}
