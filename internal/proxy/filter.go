package proxy

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter selects which exchanges are reported. Patterns are doublestar
// globs: "*.example.com" for hosts, "/static/**" for paths. Host patterns
// are matched case-insensitively.
//
// Precedence: any exclude match rejects; otherwise, if include patterns
// exist for a dimension, one of them must match.
type Filter struct {
	IncludeHosts []string
	ExcludeHosts []string
	IncludePaths []string
	ExcludePaths []string
}

// Allows reports whether an exchange to host/path is reported. Any query
// string in path is ignored.
func (f *Filter) Allows(host, path string) bool {
	if f == nil {
		return true
	}
	host = strings.ToLower(host)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}

	if matchAny(f.ExcludeHosts, host, true) || matchAny(f.ExcludePaths, path, false) {
		return false
	}
	if len(f.IncludeHosts) > 0 && !matchAny(f.IncludeHosts, host, true) {
		return false
	}
	if len(f.IncludePaths) > 0 && !matchAny(f.IncludePaths, path, false) {
		return false
	}
	return true
}

// Validate reports the first malformed pattern.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	for _, set := range [][]string{f.IncludeHosts, f.ExcludeHosts, f.IncludePaths, f.ExcludePaths} {
		for _, p := range set {
			if !doublestar.ValidatePattern(p) {
				return &PatternError{Pattern: p}
			}
		}
	}
	return nil
}

// PatternError reports an invalid filter glob.
type PatternError struct {
	Pattern string
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid filter pattern %q", e.Pattern)
}

func matchAny(patterns []string, s string, fold bool) bool {
	for _, p := range patterns {
		if fold {
			p = strings.ToLower(p)
		}
		if ok, _ := doublestar.Match(p, s); ok {
			return true
		}
	}
	return false
}
