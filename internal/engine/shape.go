package engine

import (
	"fmt"
	"sort"
)

// Field declares one leaf of a form shape.
type Field struct {
	Path    Path
	Kind    Kind
	Default any
}

// Column is the persisted column name of the field.
func (f Field) Column() string {
	return f.Path.Column()
}

// Shape is the fixed set of leaves an assessment type declares, in
// declaration order.
type Shape struct {
	fields   []Field
	byPath   map[string]int
	interior map[string]bool
}

// NewShape validates fields and builds a Shape. Defaults are checked
// against the declared kind; a nil default becomes the kind's zero value.
func NewShape(fields []Field) (*Shape, error) {
	s := &Shape{
		fields:   make([]Field, 0, len(fields)),
		byPath:   make(map[string]int, len(fields)),
		interior: make(map[string]bool),
	}
	columns := make(map[string]string, len(fields))

	for _, f := range fields {
		if err := f.Path.validate(); err != nil {
			return nil, err
		}
		key := f.Path.String()
		if _, dup := s.byPath[key]; dup {
			return nil, fmt.Errorf("field %s declared twice", key)
		}
		if s.interior[key] {
			return nil, fmt.Errorf("field %s is also a section", key)
		}
		for i := 1; i < len(f.Path); i++ {
			prefix := f.Path[:i].String()
			if _, leaf := s.byPath[prefix]; leaf {
				return nil, fmt.Errorf("section %s is also a field", prefix)
			}
			s.interior[prefix] = true
		}
		col := f.Column()
		if other, clash := columns[col]; clash {
			return nil, fmt.Errorf("fields %s and %s both map to column %s", other, key, col)
		}
		columns[col] = key

		def := f.Default
		if def == nil {
			def = zeroValue(f.Kind)
		}
		v, ok := coerce(f.Kind, def)
		if !ok {
			return nil, fmt.Errorf("field %s: default %v is not a %s", key, f.Default, f.Kind)
		}

		path := make(Path, len(f.Path))
		copy(path, f.Path)
		s.byPath[key] = len(s.fields)
		s.fields = append(s.fields, Field{Path: path, Kind: f.Kind, Default: v})
	}
	return s, nil
}

func zeroValue(k Kind) any {
	switch k {
	case KindBool:
		return false
	case KindString:
		return ""
	case KindList:
		return []string{}
	}
	return nil
}

// Len returns the number of leaves.
func (s *Shape) Len() int { return len(s.fields) }

// Fields returns the leaves in declaration order.
func (s *Shape) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field looks up the leaf declared at p.
func (s *Shape) Field(p Path) (Field, bool) {
	i, ok := s.byPath[p.String()]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// IsSection reports whether p names an interior node.
func (s *Shape) IsSection(p Path) bool {
	return s.interior[p.String()]
}

// Defaults returns a fresh State holding every declared default.
func (s *Shape) Defaults() State {
	out := State{}
	for _, f := range s.fields {
		out.set(f.Path, cloneValue(f.Default))
	}
	return out
}

// Normalize checks raw against the shape and returns a complete State:
// missing leaves take their defaults, JSON arrays become []string, and any
// undeclared key or mistyped value is a *MappingError.
func (s *Shape) Normalize(raw State) (State, error) {
	out := s.Defaults()
	if err := s.normalizeInto(out, raw, nil); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Shape) normalizeInto(out, raw State, prefix Path) error {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := raw[k]
		p := prefix.Child(k)
		if f, ok := s.Field(p); ok {
			if v == nil {
				continue
			}
			cv, ok := coerce(f.Kind, v)
			if !ok {
				return &MappingError{Path: p, Column: f.Column(), Want: f.Kind, Got: v}
			}
			out.set(p, cv)
			continue
		}
		if s.IsSection(p) {
			if v == nil {
				continue
			}
			child, ok := asState(v)
			if !ok {
				return &MappingError{Path: p, Got: v, Reason: "section must be an object"}
			}
			if err := s.normalizeInto(out, child, p); err != nil {
				return err
			}
			continue
		}
		return &MappingError{Path: p, Got: v, Reason: "undeclared field"}
	}
	return nil
}
