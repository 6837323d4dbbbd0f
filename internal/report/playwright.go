package report

import (
	"github.com/mpataki/testforge/internal/models"
)

type pwReport struct {
	Suites []pwSuite `json:"suites"`
}

type pwSuite struct {
	Title  string    `json:"title"`
	File   string    `json:"file"`
	Specs  []pwSpec  `json:"specs"`
	Suites []pwSuite `json:"suites"`
}

type pwSpec struct {
	Title string   `json:"title"`
	File  string   `json:"file"`
	Tests []pwTest `json:"tests"`
}

type pwTest struct {
	ProjectName string     `json:"projectName"`
	Results     []pwResult `json:"results"`
}

type pwResult struct {
	Status      string         `json:"status"`
	Duration    float64        `json:"duration"`
	Error       *pwError       `json:"error"`
	Attachments []pwAttachment `json:"attachments"`
}

type pwError struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

type pwAttachment struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	ContentType string `json:"contentType"`
}

// PlaywrightParser reads the Playwright JSON reporter's nested suite tree.
type PlaywrightParser struct{}

func (PlaywrightParser) Parse(raw []byte) []models.Outcome {
	var rep pwReport
	if !decodeReport(raw, &rep) {
		return nil
	}
	var out []models.Outcome
	for _, s := range rep.Suites {
		out = walkSuite(out, s, s.File, "")
	}
	return out
}

func walkSuite(out []models.Outcome, s pwSuite, file, parent string) []models.Outcome {
	title := joinTitles(parent, s.Title)
	if s.File != "" {
		file = s.File
	}

	for _, spec := range s.Specs {
		specFile := file
		if spec.File != "" {
			specFile = spec.File
		}
		for _, t := range spec.Tests {
			// retries produce several attempts; the last one is the verdict
			if len(t.Results) == 0 {
				continue
			}
			res := t.Results[len(t.Results)-1]
			o := models.Outcome{
				TestName:  spec.Title,
				TestFile:  specFile,
				TestSuite: title,
				Layer:     models.LayerFrontend,
				Status:    playwrightStatus(res.Status),
			}
			d := int64(res.Duration)
			o.DurationMS = &d
			if res.Error != nil {
				o.ErrorMessage = res.Error.Message
				o.ErrorStack = res.Error.Stack
			}
			for _, a := range res.Attachments {
				if a.Name == "screenshot" && a.Path != "" {
					o.ScreenshotRef = a.Path
					break
				}
			}
			out = append(out, o)
		}
	}

	for _, child := range s.Suites {
		out = walkSuite(out, child, file, title)
	}
	return out
}

func joinTitles(parent, title string) string {
	switch {
	case parent == "":
		return title
	case title == "":
		return parent
	default:
		return parent + " > " + title
	}
}

func playwrightStatus(s string) models.OutcomeStatus {
	switch s {
	case "passed", "":
		return models.OutcomePassed
	case "failed":
		return models.OutcomeFailed
	case "skipped":
		return models.OutcomeSkipped
	default:
		// timedOut, interrupted
		return models.OutcomeError
	}
}
