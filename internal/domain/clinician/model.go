package clinician

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clinician maps to the clinicians table.
type Clinician struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Prefix     *string   `db:"prefix" json:"prefix,omitempty"`
	GivenName  string    `db:"given_name" json:"given_name"`
	FamilyName string    `db:"family_name" json:"family_name"`
	Role       string    `db:"role" json:"role"`
	Email      *string   `db:"email" json:"email,omitempty"`
	Active     bool      `db:"active" json:"active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// DisplayName is the name shown next to the clinician's submissions,
// e.g. "Dr. Gregory House".
func (c *Clinician) DisplayName() string {
	parts := make([]string, 0, 3)
	if c.Prefix != nil && strings.TrimSpace(*c.Prefix) != "" {
		parts = append(parts, strings.TrimSpace(*c.Prefix))
	}
	for _, p := range []string{c.GivenName, c.FamilyName} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}
