package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSetLowercasesAndDropsPunctuation(t *testing.T) {
	set, err := tokenSet("Polizei ermittelt: Raubüberfall, Zeugen gesucht!")
	require.NoError(t, err)

	assert.Contains(t, set, "polizei")
	assert.Contains(t, set, "raubüberfall")
	assert.Contains(t, set, "zeugen")
	assert.NotContains(t, set, ":")
	assert.NotContains(t, set, ",")
	assert.NotContains(t, set, "!")
}

func TestTokenSetDeduplicates(t *testing.T) {
	set, err := tokenSet("zeugen zeugen Zeugen")
	require.NoError(t, err)
	assert.Len(t, set, 1)
}

func TestJaccard(t *testing.T) {
	mk := func(words ...string) map[string]struct{} {
		set := make(map[string]struct{}, len(words))
		for _, w := range words {
			set[w] = struct{}{}
		}
		return set
	}

	tests := []struct {
		name string
		a, b map[string]struct{}
		want float64
	}{
		{"identical", mk("a", "b", "c"), mk("a", "b", "c"), 1.0},
		{"disjoint", mk("a", "b"), mk("c", "d"), 0.0},
		{"half overlap", mk("a", "b", "c"), mk("b", "c", "d"), 0.5},
		{"both empty", mk(), mk(), 0.0},
		{"one empty", mk("a"), mk(), 0.0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, jaccard(tc.a, tc.b), 1e-9)
		})
	}
}
