package report

import (
	"regexp"
	"strings"
)

var categories = []struct {
	re   *regexp.Regexp
	name string
}{
	{regexp.MustCompile(`(?i)TimeoutError|timed\s+out|exceeded\s+\d+\s*ms|timeout`), "timeout"},
	{regexp.MustCompile(`(?i)AssertionError|assert\s+|expect\(|toBe|toHave|toEqual|toMatch|to_be|to_have|assertEqual`), "assertion"},
	{regexp.MustCompile(`(?i)ConnectionError|ECONNREFUSED|ECONNRESET|fetch\s+failed|connection\s+refused|connect\s+ETIMEDOUT`), "network"},
	{regexp.MustCompile(`(?i)ModuleNotFoundError|ImportError|Cannot\s+find\s+module|Module\s+not\s+found`), "import_error"},
	{regexp.MustCompile(`(?i)SyntaxError|IndentationError|unexpected\s+token|Unexpected\s+identifier`), "syntax"},
	{regexp.MustCompile(`(?i)PermissionError|EACCES|Permission\s+denied|access\s+denied`), "permission"},
	{regexp.MustCompile(`(?i)fixture.*not\s+found|SetupError|collection\s+error|BeforeAll|beforeEach.*failed`), "setup"},
	{regexp.MustCompile(`(?i)SIGSEGV|OOMKilled|MemoryError|out\s+of\s+memory|heap\s+out\s+of\s+memory|segmentation\s+fault`), "crash"},
}

// Categorize classifies failure text. It returns "" when there is no text and
// "unknown" when nothing matches; the first matching category wins.
func Categorize(message, stack string) string {
	text := strings.TrimSpace(message + " " + stack)
	if text == "" {
		return ""
	}
	for _, c := range categories {
		if c.re.MatchString(text) {
			return c.name
		}
	}
	return "unknown"
}
