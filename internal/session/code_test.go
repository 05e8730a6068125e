package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		code, err := generateCode()
		require.NoError(t, err)

		assert.Len(t, code, codeLength)
		for _, c := range code {
			assert.True(t, strings.ContainsRune(codeAlphabet, c), "unexpected character %q in %q", c, code)
		}
		seen[code] = true
	}
	// With ~2.2e9 combinations, 1000 draws colliding en masse would mean a
	// broken generator.
	assert.Greater(t, len(seen), 990)
}
