package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyDeterminism(t *testing.T) {
	first := Key("day_ahead_latest", map[string]any{"market": "pjm", "location": "PJM-RTO"})
	second := Key("day_ahead_latest", map[string]any{"location": "PJM-RTO", "market": "pjm"})
	assert.Equal(t, first, second)
}

func TestKeyDistinguishesCalls(t *testing.T) {
	base := Key("day_ahead_latest", map[string]any{"market": "pjm", "location": "PJM-RTO"})

	otherOperation := Key("rt_latest", map[string]any{"market": "pjm", "location": "PJM-RTO"})
	assert.NotEqual(t, base, otherOperation)

	otherArgs := Key("day_ahead_latest", map[string]any{"market": "caiso", "location": "PJM-RTO"})
	assert.NotEqual(t, base, otherArgs)

	extraArg := Key("day_ahead_latest", map[string]any{"market": "pjm", "location": "PJM-RTO", "limit": 24})
	assert.NotEqual(t, base, extraArg)
}

func TestKeyShape(t *testing.T) {
	key := Key("rt_latest", nil)
	assert.True(t, strings.HasPrefix(key, "gridgate:cache:"))
	// sha256 hex digest after the prefix.
	assert.Len(t, strings.TrimPrefix(key, "gridgate:cache:"), 64)
}
