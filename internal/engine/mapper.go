package engine

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the service date format.
const DateLayout = "2006-01-02"

// Context identifies who submitted an assessment, for which patient and
// for which day of service.
type Context struct {
	PatientIdentifier string `json:"patient"`
	AuthorID          string `json:"author_id"`
	AuthorDisplayName string `json:"author_name"`
	ServiceDate       string `json:"service_date"`
}

// Validate checks that every context field is present and the service
// date is an ISO calendar date.
func (c Context) Validate() error {
	switch {
	case strings.TrimSpace(c.PatientIdentifier) == "":
		return fmt.Errorf("%w: patient is required", ErrInvalidContext)
	case strings.TrimSpace(c.AuthorID) == "":
		return fmt.Errorf("%w: author is required", ErrInvalidContext)
	case strings.TrimSpace(c.AuthorDisplayName) == "":
		return fmt.Errorf("%w: author name is required", ErrInvalidContext)
	case c.ServiceDate == "":
		return fmt.Errorf("%w: service date is required", ErrInvalidContext)
	}
	if _, err := time.Parse(DateLayout, c.ServiceDate); err != nil {
		return fmt.Errorf("%w: service date %q is not YYYY-MM-DD", ErrInvalidContext, c.ServiceDate)
	}
	return nil
}

// Record is the flat, storage-shaped form of one submission: the context
// columns plus one column per declared leaf.
type Record struct {
	ID                string         `json:"id"`
	PatientIdentifier string         `json:"patient"`
	AuthorID          string         `json:"author_id"`
	ServiceDate       string         `json:"service_date"`
	CreatedAt         time.Time      `json:"created_at"`
	Columns           map[string]any `json:"columns"`
}

// Flatten validates ctx and state and produces the record to persist.
// Missing leaves take their defaults; a mistyped or undeclared value
// rejects the whole record. List leaves keep their element order.
func Flatten(shape *Shape, state State, ctx Context) (*Record, error) {
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	normalized, err := shape.Normalize(state)
	if err != nil {
		return nil, err
	}

	cols := make(map[string]any, shape.Len())
	for _, f := range shape.fields {
		v, _ := normalized.Get(f.Path)
		cols[f.Column()] = cloneValue(v)
	}
	return &Record{
		PatientIdentifier: strings.TrimSpace(ctx.PatientIdentifier),
		AuthorID:          ctx.AuthorID,
		ServiceDate:       ctx.ServiceDate,
		Columns:           cols,
	}, nil
}

// Unflatten rebuilds the nested state from a record. Absent or NULL
// columns take the leaf default; a column of the wrong type is a
// *MappingError.
func Unflatten(shape *Shape, rec *Record) (State, error) {
	state := State{}
	for _, f := range shape.fields {
		col := f.Column()
		raw, ok := rec.Columns[col]
		if !ok || raw == nil {
			state.set(f.Path, cloneValue(f.Default))
			continue
		}
		v, ok := coerce(f.Kind, raw)
		if !ok {
			return nil, &MappingError{Path: f.Path, Column: col, Want: f.Kind, Got: raw}
		}
		state.set(f.Path, v)
	}
	return state, nil
}
