package raffel

import "strings"

// MatchPattern matches a dotted procedure name against a glob pattern.
//
//	"users.get"   matches only "users.get"
//	"users.*"     matches "users.get" but not "users.admin.get"
//	"users.**"    matches "users.get" and "users.admin.get"
//	"**"          matches every name
//
// "*" matches exactly one segment; "**" matches any suffix, including the
// empty one.
func MatchPattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if !strings.ContainsAny(pattern, "*") {
		return false
	}
	return matchSegments(strings.Split(pattern, "."), strings.Split(name, "."))
}

func matchSegments(pattern, name []string) bool {
	for i, seg := range pattern {
		if seg == "**" {
			// Suffix wildcard must be the last pattern segment.
			return i == len(pattern)-1
		}
		if i >= len(name) {
			return false
		}
		if seg != "*" && seg != name[i] {
			return false
		}
	}
	return len(pattern) == len(name)
}
