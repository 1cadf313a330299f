// Package channel implements the pub/sub channel manager used by the
// WebSocket adapter: named channels with public/private/presence semantics,
// parameterized channel patterns, authorization hooks, and ordered fan-out.
package channel

import "strings"

// MatchChannel matches a concrete channel name against a channel pattern.
// Patterns are colon-separated segments; a segment may be a literal or a
// brace parameter:
//
//	"room:{id}"        matches "room:42"            params {id: "42"}
//	"files:{path*}"    matches "files:a:b:c"        params {path: "a:b:c"}
//	"chat:{room}:{user?}" matches with or without the final segment
//
// "{name*}" captures the remainder and "{name?}" is optional; both must be
// the last pattern segment. On a match the captured parameters are
// returned.
func MatchChannel(pattern, name string) (map[string]string, bool) {
	if pattern == name {
		return map[string]string{}, true
	}
	pSegs := strings.Split(pattern, ":")
	nSegs := strings.Split(name, ":")

	params := make(map[string]string)
	for i, seg := range pSegs {
		key, kind := paramSegment(seg)
		switch kind {
		case segRest:
			if i != len(pSegs)-1 {
				return nil, false
			}
			if i >= len(nSegs) {
				return nil, false
			}
			params[key] = strings.Join(nSegs[i:], ":")
			return params, true
		case segOptional:
			if i != len(pSegs)-1 {
				return nil, false
			}
			if i < len(nSegs) {
				if len(nSegs) != i+1 {
					return nil, false
				}
				params[key] = nSegs[i]
			}
			return params, true
		case segParam:
			if i >= len(nSegs) {
				return nil, false
			}
			params[key] = nSegs[i]
		default:
			if i >= len(nSegs) || seg != nSegs[i] {
				return nil, false
			}
		}
	}
	if len(pSegs) != len(nSegs) {
		return nil, false
	}
	return params, true
}

type segKind int

const (
	segLiteral segKind = iota
	segParam
	segRest
	segOptional
)

func paramSegment(seg string) (string, segKind) {
	if len(seg) < 3 || seg[0] != '{' || seg[len(seg)-1] != '}' {
		return "", segLiteral
	}
	inner := seg[1 : len(seg)-1]
	switch {
	case strings.HasSuffix(inner, "*"):
		return inner[:len(inner)-1], segRest
	case strings.HasSuffix(inner, "?"):
		return inner[:len(inner)-1], segOptional
	default:
		return inner, segParam
	}
}
