package clinician

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/assessments/internal/platform/auth"
)

type mockRepo struct {
	store map[uuid.UUID]*Clinician
	err   error
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[uuid.UUID]*Clinician)}
}

func (m *mockRepo) Create(_ context.Context, c *Clinician) error {
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	m.store[c.ID] = c
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Clinician, error) {
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *mockRepo) List(_ context.Context, limit, offset int) ([]*Clinician, int, error) {
	var out []*Clinician
	for _, c := range m.store {
		out = append(out, c)
	}
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func newTestService() *Service {
	return NewService(newMockRepo())
}

func strPtr(s string) *string { return &s }

func TestService_Create(t *testing.T) {
	svc := newTestService()
	c := &Clinician{GivenName: " Ana ", FamilyName: "Reyes"}
	if err := svc.Create(context.Background(), c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ID == uuid.Nil {
		t.Error("expected ID to be set")
	}
	if c.Role != auth.RoleNurse {
		t.Errorf("expected default role nurse, got %s", c.Role)
	}
	if !c.Active {
		t.Error("expected new clinician to be active")
	}
	if c.GivenName != "Ana" {
		t.Errorf("expected trimmed given name, got %q", c.GivenName)
	}
}

func TestService_Create_Validation(t *testing.T) {
	svc := newTestService()
	cases := []*Clinician{
		{FamilyName: "Reyes"},
		{GivenName: "Ana"},
		{GivenName: "Ana", FamilyName: "Reyes", Role: "janitor"},
	}
	for i, c := range cases {
		if err := svc.Create(context.Background(), c); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestClinician_DisplayName(t *testing.T) {
	c := &Clinician{Prefix: strPtr("Dr."), GivenName: "Gregory", FamilyName: "House"}
	if got := c.DisplayName(); got != "Dr. Gregory House" {
		t.Errorf("expected 'Dr. Gregory House', got %q", got)
	}
	c.Prefix = strPtr("  ")
	if got := c.DisplayName(); got != "Gregory House" {
		t.Errorf("expected 'Gregory House', got %q", got)
	}
}

func TestService_ResolveAuthor(t *testing.T) {
	svc := newTestService()
	c := &Clinician{Prefix: strPtr("Dr."), GivenName: "Lisa", FamilyName: "Cuddy", Role: auth.RolePhysician}
	if err := svc.Create(context.Background(), c); err != nil {
		t.Fatal(err)
	}

	info, err := svc.ResolveAuthor(context.Background(), c.ID.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info == nil || info.DisplayName != "Dr. Lisa Cuddy" || info.Role != auth.RolePhysician {
		t.Errorf("unexpected author info: %+v", info)
	}

	info, err = svc.ResolveAuthor(context.Background(), uuid.New().String())
	if err != nil || info != nil {
		t.Errorf("expected nil, nil for unknown id, got %+v, %v", info, err)
	}

	info, err = svc.ResolveAuthor(context.Background(), "legacy-42")
	if err != nil || info != nil {
		t.Errorf("expected nil, nil for non-uuid id, got %+v, %v", info, err)
	}
}

func TestService_ResolveAuthor_RepoError(t *testing.T) {
	repo := newMockRepo()
	repo.err = fmt.Errorf("connection reset")
	svc := NewService(repo)
	if _, err := svc.ResolveAuthor(context.Background(), uuid.New().String()); err == nil {
		t.Error("expected repository error to propagate")
	}
}
