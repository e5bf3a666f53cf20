package login

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerators(t *testing.T) {
	tests := []struct {
		name    string
		gen     func(int) (string, error)
		length  int
		pattern *regexp.Regexp
	}{
		{name: "numeric", gen: GenerateNumeric, length: 6, pattern: regexp.MustCompile(`^[0-9]{6}$`)},
		{name: "alpha", gen: GenerateAlpha, length: 10, pattern: regexp.MustCompile(`^[a-zA-Z]{10}$`)},
		{name: "hex", gen: GenerateHex, length: 8, pattern: regexp.MustCompile(`^[0-9A-F]{8}$`)},
		{name: "default length", gen: GenerateNumeric, length: 0, pattern: regexp.MustCompile(`^[0-9]{6}$`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 50; i++ {
				value, err := tt.gen(tt.length)
				require.NoError(t, err)
				assert.Regexp(t, tt.pattern, value)
			}
		})
	}
}

func TestNumericCoversAllDigits(t *testing.T) {
	seen := map[rune]bool{}
	for i := 0; i < 200; i++ {
		value, err := GenerateNumeric(6)
		require.NoError(t, err)
		for _, r := range value {
			seen[r] = true
		}
	}
	assert.Len(t, seen, 10)
}
