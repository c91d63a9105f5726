// Package uritemplate parses the Google HTTP-rule URI template grammar
// (RFC 6570-adjacent, custom-verb extended) into a flattened segment list
// suitable for trie-based matching.
//
// Grammar:
//
//	Template   = "/" Segments [ Verb ]
//	Segments   = Segment { "/" Segment }
//	Segment    = "*" | "**" | Literal | Variable
//	Variable   = "{" FieldPath [ "=" Segments ] "}"
//	FieldPath  = Ident { "." Ident }
//	Verb       = ":" Literal
package uritemplate

import (
	"fmt"
	"strings"
)

// Kind identifies the role of a Segment within a parsed template.
type Kind int

const (
	Literal Kind = iota
	SingleWildcard
	DoubleWildcard
	Variable
)

// Segment is one element of a flattened template. Only Literal carries
// Text. A variable's value pattern is inlined as ordinary segments; its
// field path and segment range live in a separate VariableDesc.
type Segment struct {
	Kind Kind
	Text string // set when Kind == Literal
}

// VariableDesc describes a named binding and the half-open segment range
// [Start, End) it spans in the flattened segment list. A negative End
// encodes "this many segments from the end of the path", resolved once
// the concrete request path length is known (see ResolveEnd).
type VariableDesc struct {
	FieldPath []string
	Start     int
	End       int
}

// HttpTemplate is the parsed, immutable form of a single URI template.
type HttpTemplate struct {
	Segments  []Segment
	Variables []VariableDesc
	Verb      string // empty if the template has no ":verb" suffix
}

// ResolveEnd returns the absolute end index of a variable range given the
// concrete number of path segments in a matched request.
func (v VariableDesc) ResolveEnd(pathLen int) int {
	if v.End < 0 {
		return pathLen + v.End
	}
	return v.End
}

type parser struct {
	raw        string
	pos        int
	segments   []Segment
	variables  []VariableDesc
	sawDouble  bool
	inVariable bool

	// pendingDoubleEnds maps an index into variables to the absolute
	// segment count observed right after that variable's pattern closed.
	// "**" variables span to the end of the whole template, which isn't
	// known until every remaining segment (only literals are legal after
	// a "**", per validateDoubleWildcardPosition) has been parsed, so
	// their End is resolved once in Parse rather than inline here.
	pendingDoubleEnds map[int]int
}

// Parse parses raw into an HttpTemplate. The whole template is rejected on
// any grammar violation; there is no partial registration.
func Parse(raw string) (*HttpTemplate, error) {
	if raw == "" || raw[0] != '/' {
		return nil, fmt.Errorf("uritemplate: template must start with '/': %q", raw)
	}

	body := raw[1:]
	verb := ""
	if idx := lastUnescapedColon(body); idx >= 0 {
		verb = body[idx+1:]
		body = body[:idx]
		if verb == "" {
			return nil, fmt.Errorf("uritemplate: empty verb in %q", raw)
		}
	}

	p := &parser{raw: raw}
	if body != "" {
		for _, part := range strings.Split(body, "/") {
			if err := p.parseSegment(part); err != nil {
				return nil, fmt.Errorf("uritemplate: %q: %w", raw, err)
			}
		}
	}

	if err := p.validateDoubleWildcardPosition(); err != nil {
		return nil, fmt.Errorf("uritemplate: %q: %w", raw, err)
	}

	for i, end := range p.pendingDoubleEnds {
		p.variables[i].End = end - len(p.segments)
	}

	return &HttpTemplate{
		Segments:  p.segments,
		Variables: p.variables,
		Verb:      verb,
	}, nil
}

// lastUnescapedColon finds the ":" that introduces a custom verb: the
// last ":" in the string, provided it falls after the last "/" (i.e. it
// sits in the final segment, not inside a variable's field path or a
// literal earlier in the path).
func lastUnescapedColon(body string) int {
	lastSlash := strings.LastIndexByte(body, '/')
	lastColon := strings.LastIndexByte(body, ':')
	if lastColon < 0 || lastColon < lastSlash {
		return -1
	}
	return lastColon
}

func (p *parser) parseSegment(part string) error {
	switch {
	case part == "*":
		p.segments = append(p.segments, Segment{Kind: SingleWildcard})
		return nil
	case part == "**":
		if p.sawDouble {
			return fmt.Errorf("more than one '**' in template")
		}
		p.sawDouble = true
		p.segments = append(p.segments, Segment{Kind: DoubleWildcard})
		return nil
	case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
		return p.parseVariable(part[1 : len(part)-1])
	case part == "":
		return fmt.Errorf("empty path segment")
	default:
		if strings.ContainsAny(part, "{}") {
			return fmt.Errorf("unbalanced braces in segment %q", part)
		}
		p.segments = append(p.segments, Segment{Kind: Literal, Text: part})
		return nil
	}
}

func (p *parser) parseVariable(inner string) error {
	if p.inVariable {
		return fmt.Errorf("nested variables are not allowed")
	}
	if strings.ContainsAny(inner, "{}") {
		return fmt.Errorf("unbalanced or nested braces in variable %q", inner)
	}

	fieldPathStr := inner
	valuePattern := "*"
	if idx := strings.IndexByte(inner, '='); idx >= 0 {
		fieldPathStr = inner[:idx]
		valuePattern = inner[idx+1:]
		if valuePattern == "" {
			return fmt.Errorf("empty value pattern in variable %q", inner)
		}
	}

	fieldPath, err := parseFieldPath(fieldPathStr)
	if err != nil {
		return err
	}

	start := len(p.segments)
	p.inVariable = true
	for _, vp := range strings.Split(valuePattern, "/") {
		if err := p.parseSegment(vp); err != nil {
			p.inVariable = false
			return err
		}
	}
	p.inVariable = false
	end := len(p.segments)

	// A variable whose pattern contains "**" spans to the end of the path;
	// encode End as a negative end-relative offset so lookup can resolve
	// it against the concrete request length.
	hasDouble := false
	for _, s := range p.segments[start:end] {
		if s.Kind == DoubleWildcard {
			hasDouble = true
			break
		}
	}

	desc := VariableDesc{FieldPath: fieldPath, Start: start}
	if hasDouble {
		if p.pendingDoubleEnds == nil {
			p.pendingDoubleEnds = make(map[int]int)
		}
		p.pendingDoubleEnds[len(p.variables)] = end
	} else {
		desc.End = end
	}
	p.variables = append(p.variables, desc)
	return nil
}

func parseFieldPath(s string) ([]string, error) {
	if s == "" {
		return nil, fmt.Errorf("empty field path in variable")
	}
	parts := strings.Split(s, ".")
	for _, ident := range parts {
		if !isIdent(ident) {
			return nil, fmt.Errorf("invalid field path component %q", ident)
		}
	}
	return parts, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		isAlpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
		isDigit := r >= '0' && r <= '9'
		if i == 0 && !isAlpha {
			return false
		}
		if i > 0 && !isAlpha && !isDigit {
			return false
		}
	}
	return true
}

// validateDoubleWildcardPosition enforces: "**" cannot appear followed by
// anything other than literal segments (and, implicitly, the verb) at the
// same nesting level. In practice this means at most one "**" segment may
// appear, and it must be followed only by Literal segments.
func (p *parser) validateDoubleWildcardPosition() error {
	seenDouble := false
	for _, seg := range p.segments {
		if seg.Kind == DoubleWildcard {
			seenDouble = true
			continue
		}
		if seenDouble && seg.Kind != Literal {
			return fmt.Errorf("'**' must be followed only by literal segments")
		}
	}
	return nil
}
