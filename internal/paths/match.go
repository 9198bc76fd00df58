package paths

import (
	"path"
	"strings"
)

// MatchRelation reports whether a slash-separated relation path matches a
// shell-style pattern. "**" matches any number of segments.
func MatchRelation(pattern, relation string) bool {
	if !strings.Contains(pattern, "**") {
		matched, err := path.Match(pattern, relation)
		return err == nil && matched
	}
	return matchSegments(split(pattern), split(relation))
}

func matchSegments(pattern, relation []string) bool {
	if len(pattern) == 0 {
		return len(relation) == 0
	}
	if pattern[0] == "**" {
		if matchSegments(pattern[1:], relation) {
			return true
		}
		return len(relation) > 0 && matchSegments(pattern, relation[1:])
	}
	if len(relation) == 0 {
		return false
	}
	matched, err := path.Match(pattern[0], relation[0])
	if err != nil || !matched {
		return false
	}
	return matchSegments(pattern[1:], relation[1:])
}

// MatchAny reports whether relation matches at least one pattern. An empty
// pattern list matches everything.
func MatchAny(patterns []string, relation string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if MatchRelation(p, relation) {
			return true
		}
	}
	return false
}

func split(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
