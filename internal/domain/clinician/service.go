package clinician

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/assessments/internal/engine"
	"github.com/ehr/assessments/internal/platform/auth"
)

var validRoles = map[string]bool{
	auth.RoleAdmin:     true,
	auth.RolePhysician: true,
	auth.RoleNurse:     true,
	auth.RoleDietitian: true,
	auth.RoleCounselor: true,
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Create(ctx context.Context, c *Clinician) error {
	c.GivenName = strings.TrimSpace(c.GivenName)
	c.FamilyName = strings.TrimSpace(c.FamilyName)
	if c.GivenName == "" || c.FamilyName == "" {
		return fmt.Errorf("given_name and family_name are required")
	}
	if c.Role == "" {
		c.Role = auth.RoleNurse
	}
	if !validRoles[c.Role] {
		return fmt.Errorf("invalid role: %s", c.Role)
	}
	c.Active = true
	return s.repo.Create(ctx, c)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Clinician, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Clinician, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// ResolveAuthor looks up the author of a stored assessment. Unknown ids
// resolve to nil without error; ids that are not UUIDs never match.
// Deactivated clinicians still resolve so old history keeps their names.
func (s *Service) ResolveAuthor(ctx context.Context, authorID string) (*engine.AuthorInfo, error) {
	id, err := uuid.Parse(authorID)
	if err != nil {
		return nil, nil
	}
	c, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &engine.AuthorInfo{DisplayName: c.DisplayName(), Role: c.Role}, nil
}
