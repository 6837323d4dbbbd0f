package report

import (
	"bufio"
	"encoding/json"
	"strings"

	"github.com/mpataki/testforge/internal/models"
)

// Sentinel prefixes printed by the injected capture conftest.
const (
	ScreenshotSentinel = "[testforge:screenshot]"
	NetworkSentinel    = "[testforge:network]"
)

type pytestReport struct {
	Tests []pytestTest `json:"tests"`
}

type pytestTest struct {
	NodeID   string          `json:"nodeid"`
	Outcome  string          `json:"outcome"`
	Duration *float64        `json:"duration"`
	Longrepr json.RawMessage `json:"longrepr"`
	Setup    *pytestStage    `json:"setup"`
	Call     *pytestStage    `json:"call"`
	Teardown *pytestStage    `json:"teardown"`
}

type pytestStage struct {
	Duration float64         `json:"duration"`
	Outcome  string          `json:"outcome"`
	Longrepr json.RawMessage `json:"longrepr"`
	Stdout   string          `json:"stdout"`
}

// PytestParser reads pytest-json-report output.
type PytestParser struct{}

func (PytestParser) Parse(raw []byte) []models.Outcome {
	var rep pytestReport
	if !decodeReport(raw, &rep) {
		return nil
	}

	out := make([]models.Outcome, 0, len(rep.Tests))
	for _, t := range rep.Tests {
		o := models.Outcome{Status: pytestStatus(t.Outcome)}

		parts := strings.Split(t.NodeID, "::")
		o.TestFile = parts[0]
		o.TestName = t.NodeID
		if len(parts) >= 2 {
			o.TestName = parts[len(parts)-1]
		}
		if len(parts) >= 3 {
			o.TestSuite = parts[1]
		}
		o.Layer = layerForFile(o.TestFile)

		d := int64(t.duration() * 1000)
		o.DurationMS = &d

		if lr := t.longrepr(); lr != "" {
			o.ErrorMessage = truncate(lr, snippetLen)
			o.ErrorStack = lr
		}

		for _, stage := range []*pytestStage{t.Setup, t.Call, t.Teardown} {
			if stage != nil {
				scanSentinels(stage.Stdout, &o)
			}
		}
		out = append(out, o)
	}
	return out
}

func (t pytestTest) duration() float64 {
	if t.Duration != nil {
		return *t.Duration
	}
	var total float64
	for _, s := range []*pytestStage{t.Setup, t.Call, t.Teardown} {
		if s != nil {
			total += s.Duration
		}
	}
	return total
}

func (t pytestTest) longrepr() string {
	if s := rawText(t.Longrepr); s != "" {
		return s
	}
	for _, s := range []*pytestStage{t.Call, t.Setup, t.Teardown} {
		if s == nil {
			continue
		}
		if text := rawText(s.Longrepr); text != "" {
			return text
		}
	}
	return ""
}

// rawText renders a longrepr value, which is usually a string but may be an
// arbitrary JSON value depending on the plugin version.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func scanSentinels(stdout string, o *models.Outcome) {
	sc := bufio.NewScanner(strings.NewReader(stdout))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, ScreenshotSentinel):
			if p := strings.TrimSpace(strings.TrimPrefix(line, ScreenshotSentinel)); p != "" {
				o.ScreenshotRef = p
			}
		case strings.HasPrefix(line, NetworkSentinel):
			if p := strings.TrimSpace(strings.TrimPrefix(line, NetworkSentinel)); p != "" {
				o.NetworkRef = p
			}
		}
	}
}

// Generated browser-driven tests live under tests/testforge/e2e/.
func layerForFile(path string) models.Layer {
	if strings.Contains(path, "/testforge/e2e/") || strings.Contains(path, `\testforge\e2e\`) {
		return models.LayerFrontend
	}
	return models.LayerBackend
}

func pytestStatus(s string) models.OutcomeStatus {
	switch s {
	case "passed", "":
		return models.OutcomePassed
	case "failed":
		return models.OutcomeFailed
	case "skipped":
		return models.OutcomeSkipped
	default:
		return models.OutcomeError
	}
}
