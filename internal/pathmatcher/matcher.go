package pathmatcher

import (
	"strings"
)

// PathMatcher is immutable after construction; Lookup is safe for
// concurrent use by many goroutines.
type PathMatcher struct {
	root        *node
	customVerbs map[string]bool
}

// VariableBinding is a single (field_path, value) pair extracted from a
// matched request path.
type VariableBinding struct {
	FieldPath []string
	Value     string
}

// Lookup maps (method, path) to the registered MethodData and its
// extracted variable bindings. ok is false if no template matches —
// including the case where a prefix matches but segments remain, since
// the matcher never partially matches.
func (m *PathMatcher) Lookup(method, path string) (data *MethodData, bindings []VariableBinding, ok bool) {
	walkSegments, bindingSegments, verb := segmentize(path, m.customVerbs)

	md := lookupNode(m.root, walkSegments, method, verb)
	if md == nil {
		return nil, nil, false
	}

	return md, extractBindings(md.Variables, bindingSegments), true
}

// segmentize implements spec request-segmentation: strip the query tail,
// promote a recognized custom verb to its own trailing segment, split on
// '/', drop the leading empty segment and all trailing empty segments.
//
// Returns walkSegments (includes a trailing verb segment, if any — used
// for trie traversal) and bindingSegments (excludes the verb — used for
// extracting variable values), plus the bare verb string.
func segmentize(path string, customVerbs map[string]bool) (walkSegments, bindingSegments []string, verb string) {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}

	lastSlash := strings.LastIndexByte(path, '/')
	lastColon := strings.LastIndexByte(path, ':')
	if lastColon >= 0 && lastColon > lastSlash {
		candidate := path[lastColon+1:]
		if customVerbs[candidate] {
			verb = candidate
			path = path[:lastColon]
		}
	}

	bindingSegments = splitPath(path)
	walkSegments = bindingSegments
	if verb != "" {
		walkSegments = append(append([]string{}, bindingSegments...), verb)
	}
	return walkSegments, bindingSegments, verb
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	if len(parts) > 0 && parts[0] == "" {
		parts = parts[1:]
	}
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// lookupNode performs the recursive-descent trie walk described in
// spec.md §4.2: literal > '*' > '**' priority, with the longest literal
// suffix winning inside '**' (tried as the smallest wildcard-consumption
// count first, since that maximizes the literal suffix length).
func lookupNode(n *node, remaining []string, method, verb string) *MethodData {
	if len(remaining) == 0 {
		return resolveTerminal(n, method)
	}

	head := remaining[0]

	if head != "" {
		if child, ok := n.literal[head]; ok {
			if md := lookupNode(child, remaining[1:], method, verb); md != nil {
				return md
			}
		}
		if n.single != nil {
			if md := lookupNode(n.single, remaining[1:], method, verb); md != nil {
				return md
			}
		}
	}

	if n.double != nil {
		for k := 0; k <= len(remaining); k++ {
			if containsEmpty(remaining[:k]) {
				continue
			}
			if md := lookupNode(n.double, remaining[k:], method, verb); md != nil {
				return md
			}
		}
	}

	return nil
}

// decodeUnreserved percent-decodes only RFC 3986 unreserved characters
// (ALPHA / DIGIT / "-" / "." / "_" / "~"). Any other %XX escape — notably
// %2F ("/") — is left untouched so a single-segment binding can never
// have a path separator smuggled into it via encoding.
func decodeUnreserved(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if hi, ok := hexVal(s[i+1]); ok {
				if lo, ok := hexVal(s[i+2]); ok {
					v := hi<<4 | lo
					if isUnreserved(byte(v)) {
						b.WriteByte(byte(v))
						i += 2
						continue
					}
				}
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	default:
		return false
	}
}

func containsEmpty(segs []string) bool {
	for _, s := range segs {
		if s == "" {
			return true
		}
	}
	return false
}

func resolveTerminal(n *node, method string) *MethodData {
	if md, ok := n.methods[method]; ok {
		return md
	}
	if md, ok := n.methods[MethodWildcard]; ok {
		return md
	}
	return nil
}

// extractBindings resolves each variable's absolute segment range against
// the request's binding segments (verb excluded) and joins them with "/".
// Single-segment bindings are percent-decoded for unreserved characters
// only; multi-segment bindings are never decoded (so an encoded "%2F"
// cannot be used to smuggle an extra path separator).
func extractBindings(vars []Variable, segments []string) []VariableBinding {
	if len(vars) == 0 {
		return nil
	}
	out := make([]VariableBinding, 0, len(vars))
	for _, v := range vars {
		end := v.End
		if end <= 0 {
			end = len(segments) + end
		}
		if end > len(segments) {
			end = len(segments)
		}
		if v.Start > end {
			continue
		}
		value := strings.Join(segments[v.Start:end], "/")
		if end-v.Start == 1 {
			value = decodeUnreserved(value)
		}
		out = append(out, VariableBinding{FieldPath: v.FieldPath, Value: value})
	}
	return out
}
