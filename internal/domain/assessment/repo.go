package assessment

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ehr/assessments/internal/catalog"
	"github.com/ehr/assessments/internal/engine"
)

// ErrNotFound is returned when no stored assessment has the requested id.
var ErrNotFound = errors.New("assessment not found")

// Repository stores flat records in the table of their assessment type.
type Repository interface {
	// Save inserts rec, or replaces the patient's row for upsert types,
	// and fills rec.ID and rec.CreatedAt.
	Save(ctx context.Context, def *catalog.Definition, rec *engine.Record) error
	// ListByPatient returns the patient's records newest first.
	ListByPatient(ctx context.Context, def *catalog.Definition, patient string, limit, offset int) ([]*engine.Record, int, error)
	Delete(ctx context.Context, def *catalog.Definition, id uuid.UUID) error
}
