// Package pathrewrite implements the two route-rewrite modes applied
// after a successful path-matcher lookup: prefix prepending, and
// constant-path substitution with variable bindings folded back into
// the query string.
package pathrewrite

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rat-data/scgateway/internal/pathmatcher"
	"github.com/rat-data/scgateway/internal/uritemplate"
)

// ErrUrlTemplateMismatch is returned when a ConstantPath route carries a
// url_template and the request path does not match it exactly.
var ErrUrlTemplateMismatch = errors.New("pathrewrite: request path does not match route's url_template")

// Mode selects which rewrite strategy a RouteConfig applies.
type Mode int

const (
	// PathPrefixMode rewrites by prepending a fixed prefix to the
	// original request path.
	PathPrefixMode Mode = iota
	// ConstantPathMode rewrites to a fixed path, appending the original
	// query string and any extracted variable bindings.
	ConstantPathMode
)

// RouteConfig is the compiled rewrite rule attached to a matched route.
// Exactly one of the two modes applies, selected by Mode.
type RouteConfig struct {
	Mode Mode

	// PathPrefixMode fields.
	Prefix string

	// ConstantPathMode fields.
	Path        string
	URLTemplate *uritemplate.HttpTemplate // nil if the route has no url_template
}

// NewPathPrefix builds a PathPrefixMode route. prefix must not contain
// '?' or '#'; a trailing '/' is trimmed unless prefix is exactly "/".
func NewPathPrefix(prefix string) (*RouteConfig, error) {
	clean, err := normalizePath(prefix)
	if err != nil {
		return nil, err
	}
	return &RouteConfig{Mode: PathPrefixMode, Prefix: clean}, nil
}

// NewConstantPath builds a ConstantPathMode route. tmpl may be nil.
func NewConstantPath(path string, tmpl *uritemplate.HttpTemplate) (*RouteConfig, error) {
	clean, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	return &RouteConfig{Mode: ConstantPathMode, Path: clean, URLTemplate: tmpl}, nil
}

func normalizePath(path string) (string, error) {
	if strings.ContainsAny(path, "?#") {
		return "", fmt.Errorf("pathrewrite: path %q must not contain '?' or '#'", path)
	}
	if path != "/" && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}
	return path, nil
}

// Result is the outcome of a successful rewrite.
type Result struct {
	Path string
}

// Rewrite applies rc to a matched request. rawPath is the original
// request path including any query string; bindings are the variable
// bindings extracted by the path matcher against the route that was
// actually matched (ignored by PathPrefixMode; appended as-is by
// ConstantPathMode, unless rc.URLTemplate is set, in which case the
// bindings re-derived from that template are appended instead).
//
// snakeToJSON maps a dot-joined snake_case field path to its re-cased
// JSON name; entries absent from the map are left as-is.
func Rewrite(rc *RouteConfig, rawPath string, bindings []pathmatcher.VariableBinding, snakeToJSON map[string]string) (Result, error) {
	switch rc.Mode {
	case PathPrefixMode:
		if rc.Prefix == "/" {
			return Result{Path: rawPath}, nil
		}
		return Result{Path: rc.Prefix + rawPath}, nil
	case ConstantPathMode:
		return rewriteConstantPath(rc, rawPath, bindings, snakeToJSON)
	default:
		return Result{}, fmt.Errorf("pathrewrite: unknown mode %v", rc.Mode)
	}
}

func rewriteConstantPath(rc *RouteConfig, rawPath string, bindings []pathmatcher.VariableBinding, snakeToJSON map[string]string) (Result, error) {
	origPath := rawPath
	query := ""
	if idx := strings.IndexByte(rawPath, '?'); idx >= 0 {
		origPath = rawPath[:idx]
		query = rawPath[idx+1:]
	}

	effectiveBindings := bindings
	if rc.URLTemplate != nil {
		matchedBindings, ok := matchTemplate(rc.URLTemplate, origPath)
		if !ok {
			return Result{}, ErrUrlTemplateMismatch
		}
		effectiveBindings = matchedBindings
	}

	var parts []string
	if query != "" {
		parts = append(parts, query)
	}
	parts = append(parts, encodeBindings(effectiveBindings, snakeToJSON)...)

	path := rc.Path
	if len(parts) > 0 {
		path += "?" + strings.Join(parts, "&")
	}
	return Result{Path: path}, nil
}

// matchTemplate matches a single parsed HttpTemplate directly against a
// request path, without building a trie (url_template routes are
// matched one at a time, so the trie's multi-route machinery is not
// needed). It applies the same verb-detection and percent-decoding
// rules as the path matcher.
func matchTemplate(tpl *uritemplate.HttpTemplate, path string) ([]pathmatcher.VariableBinding, bool) {
	body := path
	if tpl.Verb != "" {
		suffix := ":" + tpl.Verb
		if !strings.HasSuffix(body, suffix) {
			return nil, false
		}
		body = strings.TrimSuffix(body, suffix)
	}

	segments := splitPath(body)
	if !matchSegments(tpl.Segments, segments) {
		return nil, false
	}

	bindings := make([]pathmatcher.VariableBinding, 0, len(tpl.Variables))
	for _, v := range tpl.Variables {
		end := v.ResolveEnd(len(segments))
		if v.Start > end || end > len(segments) {
			return nil, false
		}
		value := strings.Join(segments[v.Start:end], "/")
		if end-v.Start == 1 {
			value = decodeUnreservedValue(value)
		}
		bindings = append(bindings, pathmatcher.VariableBinding{FieldPath: v.FieldPath, Value: value})
	}
	return bindings, true
}

// matchSegments checks segments against the pattern's flattened segment
// list; "**" consumes all remaining segments (url_template routes are
// not expected to mix "**" with a literal suffix the way the trie's
// longest-suffix search handles, so a single greedy match suffices).
func matchSegments(pattern []uritemplate.Segment, segments []string) bool {
	pi, si := 0, 0
	for pi < len(pattern) {
		if pattern[pi].Kind == uritemplate.DoubleWildcard {
			return true
		}
		if si >= len(segments) || segments[si] == "" {
			return false
		}
		if pattern[pi].Kind == uritemplate.Literal && pattern[pi].Text != segments[si] {
			return false
		}
		pi++
		si++
	}
	return si == len(segments)
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

// decodeUnreservedValue percent-decodes only RFC 3986 unreserved
// characters, mirroring pathmatcher's single-segment binding decode so
// url_template rewrite bindings obey the same no-"/"-smuggling rule.
func decodeUnreservedValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if hi, ok := hexDigit(s[i+1]); ok {
				if lo, ok := hexDigit(s[i+2]); ok {
					v := hi<<4 | lo
					if isUnreservedByte(byte(v)) {
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

func hexDigit(c byte) (byte, bool) {
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

func isUnreservedByte(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	default:
		return false
	}
}

// encodeBindings renders bindings as sorted "k=v" pairs so rewrite
// output is deterministic across calls with the same input.
func encodeBindings(bindings []pathmatcher.VariableBinding, snakeToJSON map[string]string) []string {
	if len(bindings) == 0 {
		return nil
	}
	out := make([]string, 0, len(bindings))
	for _, b := range bindings {
		key := strings.Join(b.FieldPath, ".")
		if mapped, ok := snakeToJSON[key]; ok {
			key = mapped
		}
		out = append(out, key+"="+b.Value)
	}
	sort.Strings(out)
	return out
}
