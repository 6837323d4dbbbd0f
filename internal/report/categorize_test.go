package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		message, stack string
		want           string
	}{
		{"", "", ""},
		{"   ", "", ""},
		{"Test timeout of 30000ms exceeded", "", "timeout"},
		{"AssertionError: assert 1 == 2", "", "assertion"},
		{"expect(received).toEqual(expected)", "", "assertion"},
		{"requests.exceptions.ConnectionError", "", "network"},
		{"connect ECONNREFUSED 127.0.0.1:3000", "", "network"},
		{"", "ModuleNotFoundError: No module named 'x'", "import_error"},
		{"IndentationError: unexpected indent", "", "syntax"},
		{"PermissionError: [Errno 13]", "", "permission"},
		{"fixture 'client' not found", "", "setup"},
		{"Fatal Python error: Segmentation fault", "", "crash"},
		{"something odd happened", "", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Categorize(tt.message, tt.stack), tt.message+tt.stack)
	}
}
