// Package catalog loads the assessment type definitions: the form shape,
// the rule battery and the persistence mode of each type. Definitions are
// YAML documents embedded in the binary; a directory with the same layout
// can replace them at runtime.
package catalog

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ehr/assessments/internal/engine"
)

//go:embed definitions/*.yaml tables/*.yaml
var embedded embed.FS

// ErrUnknownType is returned for an assessment type with no definition.
var ErrUnknownType = errors.New("unknown assessment type")

// Persistence says what a resubmission for the same patient does.
type Persistence string

const (
	// PersistInsert stores every submission as a new history row.
	PersistInsert Persistence = "insert"
	// PersistUpsert overwrites the patient's previous row.
	PersistUpsert Persistence = "upsert"
)

// Definition is one compiled assessment type.
type Definition struct {
	Type        string
	Title       string
	Table       string
	Persistence Persistence
	Shape       *engine.Shape
	Rules       []engine.Rule
	// AttachmentField is the string leaf that stores an uploaded file's
	// URL, or nil when the type takes no attachments.
	AttachmentField engine.Path
}

// Registry holds the loaded definitions.
type Registry struct {
	defs  map[string]*Definition
	order []string
}

// Get returns the definition for typ.
func (r *Registry) Get(typ string) (*Definition, error) {
	d, ok := r.defs[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return d, nil
}

// All returns every definition ordered by type name.
func (r *Registry) All() []*Definition {
	out := make([]*Definition, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.defs[t])
	}
	return out
}

// Default loads the embedded definitions.
func Default() (*Registry, error) {
	return LoadFS(embedded)
}

// Load reads definitions from dir, or the embedded set when dir is empty.
func Load(dir string) (*Registry, error) {
	if dir == "" {
		return Default()
	}
	return LoadFS(os.DirFS(dir))
}

// LoadFS reads tables/*.yaml and then definitions/*.yaml from fsys.
func LoadFS(fsys fs.FS) (*Registry, error) {
	tables, err := loadTables(fsys)
	if err != nil {
		return nil, err
	}

	names, err := fs.Glob(fsys, "definitions/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no assessment definitions found")
	}
	sort.Strings(names)

	reg := &Registry{defs: make(map[string]*Definition, len(names))}
	tablesSeen := make(map[string]string, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		def, err := parseDefinition(data, tables)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path.Base(name), err)
		}
		if _, dup := reg.defs[def.Type]; dup {
			return nil, fmt.Errorf("%s: type %q defined twice", path.Base(name), def.Type)
		}
		if other, dup := tablesSeen[def.Table]; dup {
			return nil, fmt.Errorf("%s: table %q already used by %q", path.Base(name), def.Table, other)
		}
		tablesSeen[def.Table] = def.Type
		reg.defs[def.Type] = def
		reg.order = append(reg.order, def.Type)
	}
	sort.Strings(reg.order)
	return reg, nil
}

type definitionFile struct {
	Type        string    `yaml:"type"`
	Title       string    `yaml:"title"`
	Table       string    `yaml:"table"`
	Persistence string    `yaml:"persistence"`
	Attachment  string    `yaml:"attachment"`
	Fields      yaml.Node `yaml:"fields"`
	Rules       []ruleDef `yaml:"rules"`
}

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// reservedColumns are the context columns every assessment table carries.
var reservedColumns = map[string]bool{
	"id":           true,
	"patient_name": true,
	"author_id":    true,
	"service_date": true,
	"created_at":   true,
}

func parseDefinition(data []byte, tables map[string]engine.BMITable) (*Definition, error) {
	var file definitionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if !identRe.MatchString(file.Type) {
		return nil, fmt.Errorf("type %q must be a lower-case identifier", file.Type)
	}
	if file.Title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if file.Table == "" {
		file.Table = file.Type + "_assessments"
	}
	if !identRe.MatchString(file.Table) {
		return nil, fmt.Errorf("table %q must be a lower-case identifier", file.Table)
	}

	def := &Definition{Type: file.Type, Title: file.Title, Table: file.Table}
	switch Persistence(file.Persistence) {
	case PersistInsert, PersistUpsert:
		def.Persistence = Persistence(file.Persistence)
	case "":
		def.Persistence = PersistInsert
	default:
		return nil, fmt.Errorf("persistence %q must be insert or upsert", file.Persistence)
	}

	var fields []engine.Field
	if err := collectFields(&file.Fields, nil, &fields); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("no fields declared")
	}
	shape, err := engine.NewShape(fields)
	if err != nil {
		return nil, err
	}
	for _, f := range shape.Fields() {
		if reservedColumns[f.Column()] {
			return nil, fmt.Errorf("field %s maps to reserved column %s", f.Path, f.Column())
		}
	}
	def.Shape = shape

	if file.Attachment != "" {
		p, err := leafPath(shape, file.Attachment, engine.KindString)
		if err != nil {
			return nil, fmt.Errorf("attachment: %w", err)
		}
		def.AttachmentField = p
	}

	seen := make(map[string]bool, len(file.Rules))
	for i := range file.Rules {
		rd := &file.Rules[i]
		if rd.Name == "" {
			return nil, fmt.Errorf("rule %d has no name", i+1)
		}
		if seen[rd.Name] {
			return nil, fmt.Errorf("rule %q declared twice", rd.Name)
		}
		seen[rd.Name] = true
		rule, err := compileRule(shape, rd, tables)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rd.Name, err)
		}
		def.Rules = append(def.Rules, rule)
	}
	return def, nil
}

// collectFields walks the fields mapping in document order. Mapping values
// are sections; scalar values declare a leaf as kind or kind=default.
func collectFields(node *yaml.Node, prefix engine.Path, out *[]engine.Field) error {
	if node.Kind == 0 {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: fields of %q must be a mapping", node.Line, prefix.String())
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		p := prefix.Child(key.Value)
		switch val.Kind {
		case yaml.MappingNode:
			if err := collectFields(val, p, out); err != nil {
				return err
			}
		case yaml.ScalarNode:
			f, err := parseLeaf(p, val.Value)
			if err != nil {
				return fmt.Errorf("line %d: %w", val.Line, err)
			}
			*out = append(*out, f)
		default:
			return fmt.Errorf("line %d: field %s must be a kind or a section", val.Line, p)
		}
	}
	return nil
}

func parseLeaf(p engine.Path, decl string) (engine.Field, error) {
	kindName, def, hasDefault := strings.Cut(strings.TrimSpace(decl), "=")
	kind, err := engine.ParseKind(strings.TrimSpace(kindName))
	if err != nil {
		return engine.Field{}, fmt.Errorf("field %s: %w", p, err)
	}
	f := engine.Field{Path: p, Kind: kind}
	if !hasDefault {
		return f, nil
	}
	switch kind {
	case engine.KindBool:
		switch strings.TrimSpace(def) {
		case "true":
			f.Default = true
		case "false":
			f.Default = false
		default:
			return engine.Field{}, fmt.Errorf("field %s: bool default must be true or false", p)
		}
	case engine.KindString:
		f.Default = def
	case engine.KindList:
		return engine.Field{}, fmt.Errorf("field %s: list fields take no default", p)
	}
	return f, nil
}

func leafPath(shape *engine.Shape, dotted string, kinds ...engine.Kind) (engine.Path, error) {
	p, err := engine.ParsePath(dotted)
	if err != nil {
		return nil, err
	}
	f, ok := shape.Field(p)
	if !ok {
		return nil, &engine.PathError{Path: p, Err: engine.ErrPathNotFound}
	}
	if len(kinds) == 0 {
		return p, nil
	}
	for _, k := range kinds {
		if f.Kind == k {
			return p, nil
		}
	}
	return nil, fmt.Errorf("field %s is a %s", p, f.Kind)
}
