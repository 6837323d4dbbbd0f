package progress

import (
	"context"
	"log/slog"
	"time"

	"github.com/mpataki/testforge/internal/models"
)

// Reporter publishes the events of a single run. Failures are logged and
// swallowed; progress reporting never affects the run itself.
type Reporter struct {
	bus    Bus
	runID  string
	logger *slog.Logger
}

func NewReporter(bus Bus, runID string, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{bus: bus, runID: runID, logger: logger}
}

func (r *Reporter) Status(status models.RunStatus, errMsg string) {
	r.publish(Event{Kind: KindStatus, Status: status, Error: errMsg})
}

func (r *Reporter) Progress(pct int) {
	r.publish(Event{Kind: KindProgress, Progress: pct})
}

// Log forwards one line of live process output.
func (r *Reporter) Log(line string) {
	r.publish(Event{Kind: KindLog, Line: line})
}

func (r *Reporter) Summary(sum models.Summary) {
	r.publish(Event{Kind: KindSummary, Status: sum.Status, Counts: &sum, Progress: 100})
}

func (r *Reporter) publish(ev Event) {
	if r == nil || r.bus == nil {
		return
	}
	ev.RunID = r.runID
	ev.Time = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.bus.Publish(ctx, Subject(r.runID), Message{Event: &ev}); err != nil {
		r.logger.Debug("progress publish failed", "run_id", r.runID, "kind", ev.Kind, "error", err)
	}
}
