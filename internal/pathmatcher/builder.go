package pathmatcher

import "github.com/rat-data/scgateway/internal/uritemplate"

// Builder accumulates template registrations before producing an
// immutable PathMatcher. Not safe for concurrent Register calls; config
// load is expected to run on a single goroutine.
type Builder struct {
	root        *node
	customVerbs map[string]bool
	consumed    bool
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		root:        newNode(),
		customVerbs: make(map[string]bool),
	}
}

// Register parses template and inserts it into the trie under method.
// Returns false if the template fails to parse or if the exact
// (method, segments, verb) key already has a terminal — in either case
// the builder's state is left unchanged.
func (b *Builder) Register(method, template, bodyFieldPath string, methodHandle any) bool {
	if b.consumed {
		return false
	}

	tpl, err := uritemplate.Parse(template)
	if err != nil {
		return false
	}

	cur := b.root
	for _, seg := range tpl.Segments {
		switch seg.Kind {
		case uritemplate.Literal:
			cur = cur.literalChild(seg.Text, true)
		case uritemplate.SingleWildcard, uritemplate.Variable:
			cur = cur.singleChild(true)
		case uritemplate.DoubleWildcard:
			cur = cur.doubleChild(true)
		}
	}
	if tpl.Verb != "" {
		// The verb is appended as a trailing literal segment, exactly like
		// any other literal path component.
		cur = cur.literalChild(tpl.Verb, true)
	}

	if _, exists := cur.methods[method]; exists {
		return false
	}

	vars := make([]Variable, 0, len(tpl.Variables))
	for _, v := range tpl.Variables {
		vars = append(vars, Variable{FieldPath: v.FieldPath, Start: v.Start, End: v.End})
	}

	cur.methods[method] = &MethodData{
		MethodHandle:  methodHandle,
		Variables:     vars,
		BodyFieldPath: bodyFieldPath,
	}

	if tpl.Verb != "" {
		b.customVerbs[tpl.Verb] = true
	}

	return true
}

// Build consumes the builder and yields an immutable PathMatcher. The
// builder must not be reused afterwards.
func (b *Builder) Build() *PathMatcher {
	b.consumed = true
	return &PathMatcher{
		root:        b.root,
		customVerbs: b.customVerbs,
	}
}
