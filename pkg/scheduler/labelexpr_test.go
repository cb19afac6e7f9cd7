package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchLabels(t *testing.T) {
	labels := []string{"linux", "x64", "docker"}

	tests := []struct {
		name  string
		exprs []string
		want  bool
	}{
		{"empty matches everything", nil, true},
		{"single present", []string{"linux"}, true},
		{"single absent", []string{"windows"}, false},
		{"all entries must hold", []string{"linux", "gpu"}, false},
		{"conjunction", []string{"linux && docker"}, true},
		{"conjunction missing term", []string{"linux && gpu"}, false},
		{"disjunction", []string{"gpu || docker"}, true},
		{"negation", []string{"!windows"}, true},
		{"negation present", []string{"!linux"}, false},
		{"grouping", []string{"linux && (arm || x64)"}, true},
		{"nested", []string{"!(windows || darwin) && linux"}, true},
		{"whitespace tolerated", []string{"  linux &&   docker "}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchLabels(tt.exprs, labels)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseExprErrors(t *testing.T) {
	for _, input := range []string{"", "&&", "linux &&", "(linux", "linux) extra", "linux ^ docker"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseExpr(input)
			assert.Error(t, err)
		})
	}
}
