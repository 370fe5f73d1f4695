package clinician

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no clinician has the requested id.
var ErrNotFound = errors.New("clinician not found")

type Repository interface {
	Create(ctx context.Context, c *Clinician) error
	GetByID(ctx context.Context, id uuid.UUID) (*Clinician, error)
	List(ctx context.Context, limit, offset int) ([]*Clinician, int, error)
}
