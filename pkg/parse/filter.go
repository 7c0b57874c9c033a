package parse

import (
	"regexp"

	"github.com/Sriram-PR/vx-mirror/pkg/cache"
)

// NameFilter drops category and file names that match any exclude pattern.
// A nil *NameFilter excludes nothing.
type NameFilter struct {
	patterns []*regexp.Regexp
}

// NewNameFilter compiles patterns through the shared regex cache.
// An invalid pattern is a configuration error.
func NewNameFilter(patterns []string, regexes *cache.Cache[*regexp.Regexp]) (*NameFilter, error) {
	if err := regexes.Precompile(patterns...); err != nil {
		return nil, err
	}
	f := &NameFilter{}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexes.GetOrCompile(p)
		if err != nil {
			return nil, err
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Excluded reports whether name matches an exclude pattern
func (f *NameFilter) Excluded(name string) bool {
	if f == nil {
		return false
	}
	for _, re := range f.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
