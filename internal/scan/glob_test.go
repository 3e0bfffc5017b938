package scan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileGlobMatching(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pattern string
		ref     string
		match   bool
	}{
		{"app:*", "app:v1", true},
		{"app:*", "app:latest", true},
		{"app:*", "webapp:v1", false},
		{"*:latest", "app:latest", true},
		{"*:latest", "app:v1", false},
		{"app:v?", "app:v1", true},
		{"app:v?", "app:v12", false},
		{"*", "anything:at-all", true},
		{"db:16", "db:16", true},
		{"db:16", "db:160", false},
		{"a.b:*", "a.b:v1", true},
		{"a.b:*", "axb:v1", false},
	}
	for _, tc := range cases {
		re, err := CompileGlob(tc.pattern)
		require.NoError(t, err, tc.pattern)
		require.Equal(t, tc.match, re.MatchString(tc.ref), "%s vs %s", tc.pattern, tc.ref)
	}
}

func TestCompileGlobRejectsEmptyPattern(t *testing.T) {
	t.Parallel()

	_, err := CompileGlob("")
	require.Error(t, err)

	_, err = CompileGlobs([]string{"app:*", ""})
	require.Error(t, err)
}

func TestMatchesAny(t *testing.T) {
	t.Parallel()

	patterns, err := CompileGlobs([]string{"app:*", "web:stable"})
	require.NoError(t, err)

	require.True(t, MatchesAny("app:v1", patterns))
	require.True(t, MatchesAny("web:stable", patterns))
	require.False(t, MatchesAny("db:16", patterns))
	require.False(t, MatchesAny("app:v1", nil))
}
