package lfsproto

import (
	"strings"

	"github.com/git-lfs/wildmatch/v2"
)

// SuffixRules is a compiled set of a repository's lfs_suffix_rules glob
// patterns (section 4.2: "a path matching any configured suffix rule is
// uploaded as LFS regardless of size").
type SuffixRules struct {
	patterns []*wildmatch.Wildmatch
}

// CompileSuffixRules compiles the raw glob strings stored on a repository
// row. Empty entries are skipped rather than rejected, since suffix rules
// are a convenience filter, not a validated schema.
func CompileSuffixRules(rules []string) *SuffixRules {
	sr := &SuffixRules{}
	for _, r := range rules {
		if r == "" {
			continue
		}
		sr.patterns = append(sr.patterns, wildmatch.NewWildmatch(r))
	}
	return sr
}

// Matches reports whether path matches any configured suffix rule.
func (sr *SuffixRules) Matches(path string) bool {
	if sr == nil {
		return false
	}
	for _, p := range sr.patterns {
		if p.Match(path) {
			return true
		}
	}
	return false
}

// GitAttributesRules is the third, lowest-priority LFS-detection source
// (section 12's supplement): a parsed .gitattributes file's
// "<pattern> filter=lfs" directives, matched the way git itself resolves
// them — filename-only for slash-free patterns, full path otherwise, with
// a '**/' prefix matching at any directory depth (wildmatch handles both
// natively).
type GitAttributesRules struct {
	patterns []gitAttrPattern
}

type gitAttrPattern struct {
	match *wildmatch.Wildmatch
	isLFS bool
}

// ParseGitAttributes extracts LFS filter directives from .gitattributes
// content, grounded on the teacher's ParseGitAttributes/matchGitPattern.
func ParseGitAttributes(content string) *GitAttributesRules {
	g := &GitAttributesRules{}
	for _, rawLine := range strings.Split(content, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pattern := fields[0]
		isLFS, unset := false, false
		for _, attr := range fields[1:] {
			switch attr {
			case "filter=lfs":
				isLFS = true
			case "-filter", "!filter", "filter":
				unset = true
			}
		}
		if isLFS || unset {
			g.patterns = append(g.patterns, gitAttrPattern{
				match: wildmatch.NewWildmatch(pattern),
				isLFS: isLFS && !unset,
			})
		}
	}
	return g
}

// IsLFS reports whether path is LFS-tracked per the last matching pattern
// (later directives override earlier ones, matching git's own semantics).
func (g *GitAttributesRules) IsLFS(path string) bool {
	if g == nil {
		return false
	}
	result := false
	for _, p := range g.patterns {
		if p.match.Match(path) {
			result = p.isLFS
		}
	}
	return result
}
