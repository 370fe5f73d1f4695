package clinician

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/assessments/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const clinicianCols = `id, prefix, given_name, family_name, role, email, active, created_at, updated_at`

func scanClinician(row pgx.Row) (*Clinician, error) {
	var c Clinician
	err := row.Scan(&c.ID, &c.Prefix, &c.GivenName, &c.FamilyName, &c.Role, &c.Email, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func (r *repoPG) Create(ctx context.Context, c *Clinician) error {
	c.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO clinicians (id, prefix, given_name, family_name, role, email, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		c.ID, c.Prefix, c.GivenName, c.FamilyName, c.Role, c.Email, c.Active,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Clinician, error) {
	c, err := scanClinician(r.conn(ctx).QueryRow(ctx, `SELECT `+clinicianCols+` FROM clinicians WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("clinician get by id: %w", err)
	}
	return c, nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Clinician, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM clinicians`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+clinicianCols+` FROM clinicians ORDER BY family_name, given_name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Clinician
	for rows.Next() {
		c, err := scanClinician(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}
