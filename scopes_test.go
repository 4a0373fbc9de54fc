package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitScopes(t *testing.T) {
	cases := map[string][]string{
		"identify":           {"identify"},
		"identify,identify":  {"identify", "identify"},
		"identify identify":  {"identify", "identify"},
		"identify+identify":  {"identify", "identify"},
		"identify, identify": {"identify", "identify"},
		"":                   {},
	}
	for in, want := range cases {
		assert.ElementsMatch(t, want, splitScopes(in), "input %q", in)
	}
}

func TestNormalizeScopes(t *testing.T) {
	got, err := normalizeScopes([]string{"identify", "identify"})
	require.NoError(t, err)
	assert.Equal(t, []string{"identify"}, got)

	_, err = normalizeScopes(nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = normalizeScopes([]string{"identify", "root"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestScopeSetsEqual(t *testing.T) {
	assert.True(t, scopeSetsEqual([]string{"a", "b"}, []string{"b", "a"}))
	assert.True(t, scopeSetsEqual([]string{"a", "a", "b"}, []string{"b", "a"}))
	assert.False(t, scopeSetsEqual([]string{"a", "b"}, []string{"a"}))
	assert.False(t, scopeSetsEqual([]string{"a"}, []string{"a", "b", "c"}))
}
