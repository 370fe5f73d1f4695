// Package engine holds the assessment form model and the pure transforms
// applied to it: field updates, rule evaluation, flat record mapping and
// history reconciliation. The package keeps no state of its own; every
// function takes the values it works on and returns new ones.
package engine

import (
	"fmt"
	"strings"
	"unicode"
)

// Kind is the declared type of a form leaf.
type Kind int

const (
	KindBool Kind = iota + 1
	KindString
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a declared kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "bool":
		return KindBool, nil
	case "string":
		return KindString, nil
	case "list":
		return KindList, nil
	}
	return 0, fmt.Errorf("unknown field kind %q", s)
}

// MaxPathDepth is the deepest nesting a form shape may declare.
const MaxPathDepth = 3

// Path identifies a node in a State, e.g. ["dietHistory","skippedMeals","lunch"].
type Path []string

// ParsePath splits a dotted field name into a Path.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, fmt.Errorf("empty field path")
	}
	p := Path(strings.Split(s, "."))
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// MustParsePath is ParsePath for static paths; it panics on error.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) validate() error {
	if len(p) == 0 || len(p) > MaxPathDepth {
		return fmt.Errorf("field path %q must have 1-%d segments", p.String(), MaxPathDepth)
	}
	for _, seg := range p {
		if seg == "" {
			return fmt.Errorf("field path %q has an empty segment", p.String())
		}
	}
	return nil
}

func (p Path) String() string {
	return strings.Join(p, ".")
}

// Column is the persisted column name for the path: the snake_case
// concatenation of its segments.
func (p Path) Column() string {
	parts := make([]string, len(p))
	for i, seg := range p {
		parts[i] = snakeCase(seg)
	}
	return strings.Join(parts, "_")
}

// Child returns a new path extended by one segment.
func (p Path) Child(seg string) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = seg
	return out
}

func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if r == '-' || r == ' ' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// State is one assessment's answers. Interior nodes are State values;
// leaves are bool, string or []string.
type State map[string]any

// Clone returns a deep copy of s.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case State:
		return t.Clone()
	case map[string]any:
		return State(t).Clone()
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []any:
		out := make([]any, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

func asState(v any) (State, bool) {
	switch t := v.(type) {
	case State:
		return t, true
	case map[string]any:
		return State(t), true
	}
	return nil, false
}

// Get returns the node at p.
func (s State) Get(p Path) (any, bool) {
	var cur any = s
	for _, seg := range p {
		node, ok := asState(cur)
		if !ok {
			return nil, false
		}
		cur, ok = node[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Bool reports the boolean leaf at p; anything else reads as false.
func (s State) Bool(p Path) bool {
	v, _ := s.Get(p)
	b, _ := v.(bool)
	return b
}

// Text returns the string leaf at p, or "".
func (s State) Text(p Path) string {
	v, _ := s.Get(p)
	str, _ := v.(string)
	return str
}

// List returns the multi-select leaf at p, or nil.
func (s State) List(p Path) []string {
	v, _ := s.Get(p)
	l, _ := toStrings(v)
	return l
}

// set writes v at p, creating interior nodes as needed. Callers own s.
func (s State) set(p Path, v any) {
	node := s
	for _, seg := range p[:len(p)-1] {
		next, ok := asState(node[seg])
		if !ok {
			next = State{}
		}
		node[seg] = next
		node = next
	}
	node[p[len(p)-1]] = v
}

// IsSet reports whether a leaf value counts as answered: a true flag, a
// non-blank string or a non-empty list.
func IsSet(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.TrimSpace(t) != ""
	case []string:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	return false
}

func toStrings(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out, true
	case []any:
		out := make([]string, len(t))
		for i, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// coerce checks v against kind and returns an owned copy. Only values that
// already have the declared type are accepted; a JSON array of strings is
// the same type as []string.
func coerce(kind Kind, v any) (any, bool) {
	switch kind {
	case KindBool:
		b, ok := v.(bool)
		return b, ok
	case KindString:
		s, ok := v.(string)
		return s, ok
	case KindList:
		return toStrings(v)
	}
	return nil, false
}
