// Package report turns the output of external test frameworks into Outcomes.
package report

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mpataki/testforge/internal/models"
)

// Parser flattens one framework's JSON report into Outcomes.
type Parser interface {
	Parse(raw []byte) []models.Outcome
}

var parsers = map[models.Layer]Parser{
	models.LayerFrontend: PlaywrightParser{},
	models.LayerBackend:  PytestParser{},
}

// ParserFor returns the parser registered for layer.
func ParserFor(layer models.Layer) Parser {
	if p, ok := parsers[layer]; ok {
		return p
	}
	return PytestParser{}
}

// ReportFiles are the names, relative to the run directory, where the
// language-level report may have been written.
var ReportFiles = []string{".testforge_report.json", ".report.json", "report.json"}

// ReportPaths returns ReportFiles resolved against dir.
func ReportPaths(dir string) []string {
	paths := make([]string, len(ReportFiles))
	for i, name := range ReportFiles {
		paths[i] = filepath.Join(dir, name)
	}
	return paths
}

// FallbackName names the synthetic outcome produced when nothing parsed.
const FallbackName = "Test Run"

const snippetLen = 500

// Input is everything the normalizer needs from a finished process.
type Input struct {
	Layer       models.Layer
	Stdout      string
	Stderr      string
	ExitCode    int
	ReportFiles []string
}

// Normalize parses the run's report and always returns at least one Outcome.
// Report files are preferred over stdout and removed once read. Errors in the
// report never surface; they degrade to the synthetic fallback outcome.
func Normalize(in Input, logger *slog.Logger) []models.Outcome {
	if logger == nil {
		logger = slog.Default()
	}
	parser := ParserFor(in.Layer)

	var outcomes []models.Outcome
	if in.Layer == models.LayerBackend {
		for _, path := range in.ReportFiles {
			raw, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			outcomes = parser.Parse(raw)
			if err := os.Remove(path); err != nil {
				logger.Debug("remove report file", "path", path, "error", err)
			}
			if len(outcomes) > 0 {
				break
			}
		}
	}
	if len(outcomes) == 0 && strings.TrimSpace(in.Stdout) != "" {
		outcomes = parser.Parse([]byte(in.Stdout))
	}
	if len(outcomes) == 0 {
		logger.Debug("no structured results, synthesizing outcome", "layer", in.Layer, "exit_code", in.ExitCode)
		outcomes = []models.Outcome{Synthesize(in.Layer, in.ExitCode, in.Stdout, in.Stderr)}
	}

	for i := range outcomes {
		failing := outcomes[i].Status == models.OutcomeFailed || outcomes[i].Status == models.OutcomeError
		if failing && outcomes[i].ErrorCategory == "" {
			outcomes[i].ErrorCategory = Categorize(outcomes[i].ErrorMessage, outcomes[i].ErrorStack)
		}
	}
	return outcomes
}

// Synthesize builds the single outcome used when a report could not be parsed.
// Exit code 0 passes, anything else fails. The error text comes from stderr,
// or stdout when stderr is empty.
func Synthesize(layer models.Layer, exitCode int, stdout, stderr string) models.Outcome {
	o := models.Outcome{
		TestName: FallbackName,
		Layer:    layer,
		Status:   models.OutcomePassed,
	}
	if exitCode != 0 {
		o.Status = models.OutcomeFailed
	}

	output := stderr
	if output == "" {
		output = stdout
	}
	o.ErrorMessage = strings.TrimSpace(truncate(output, snippetLen))
	o.ErrorStack = output
	return o
}

// decodeReport unmarshals raw into v. Output that carries progress text ahead
// of the JSON is retried from each line that starts an object, last first.
func decodeReport(raw []byte, v any) bool {
	if json.Unmarshal(raw, v) == nil {
		return true
	}
	for end := len(raw); end > 0; {
		i := bytes.LastIndexByte(raw[:end], '{')
		if i < 0 {
			return false
		}
		end = i
		if i > 0 && raw[i-1] != '\n' {
			continue
		}
		if json.NewDecoder(bytes.NewReader(raw[i:])).Decode(v) == nil {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
