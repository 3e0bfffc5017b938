package scan

import (
	"fmt"
	"regexp"
	"strings"
)

// CompileGlob turns a glob pattern (`*` and `?` wildcards) into an anchored
// regular expression applied to a fully qualified name:tag string.
func CompileGlob(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty glob pattern")
	}
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("compile glob %q: %w", pattern, err)
	}
	return re, nil
}

// CompileGlobs compiles every pattern, failing on the first invalid one.
func CompileGlobs(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := CompileGlob(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// MatchesAny reports whether ref matches at least one compiled pattern.
func MatchesAny(ref string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(ref) {
			return true
		}
	}
	return false
}
