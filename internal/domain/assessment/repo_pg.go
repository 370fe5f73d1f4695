package assessment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/assessments/internal/catalog"
	"github.com/ehr/assessments/internal/engine"
	"github.com/ehr/assessments/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (r *repoPG) Save(ctx context.Context, def *catalog.Definition, rec *engine.Record) error {
	serviceDate, err := time.Parse(engine.DateLayout, rec.ServiceDate)
	if err != nil {
		return fmt.Errorf("service date: %w", err)
	}

	fields := def.Shape.Fields()
	cols := make([]string, 0, len(fields)+4)
	args := make([]any, 0, len(fields)+4)
	cols = append(cols, "id", "patient_name", "author_id", "service_date")
	args = append(args, uuid.New(), rec.PatientIdentifier, rec.AuthorID, serviceDate)
	for _, f := range fields {
		cols = append(cols, ident(f.Column()))
		args = append(args, rec.Columns[f.Column()])
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var q strings.Builder
	fmt.Fprintf(&q, "INSERT INTO %s (%s) VALUES (%s)",
		ident(def.Table), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if def.Persistence == catalog.PersistUpsert {
		sets := make([]string, 0, len(cols)-1)
		for _, c := range cols[2:] {
			sets = append(sets, c+" = EXCLUDED."+c)
		}
		sets = append(sets, "created_at = NOW()")
		q.WriteString(" ON CONFLICT (patient_name) DO UPDATE SET ")
		q.WriteString(strings.Join(sets, ", "))
	}
	q.WriteString(" RETURNING id::text, created_at")

	if err := r.conn(ctx).QueryRow(ctx, q.String(), args...).Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return fmt.Errorf("save %s assessment: %w", def.Type, err)
	}
	return nil
}

func (r *repoPG) ListByPatient(ctx context.Context, def *catalog.Definition, patient string, limit, offset int) ([]*engine.Record, int, error) {
	table := ident(def.Table)

	var total int
	err := r.conn(ctx).QueryRow(ctx,
		"SELECT COUNT(*) FROM "+table+" WHERE patient_name = $1", patient).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count %s assessments: %w", def.Type, err)
	}

	fields := def.Shape.Fields()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = ident(f.Column())
	}
	sel := "id::text, patient_name, author_id, to_char(service_date, 'YYYY-MM-DD'), created_at"
	if len(cols) > 0 {
		sel += ", " + strings.Join(cols, ", ")
	}

	rows, err := r.conn(ctx).Query(ctx,
		"SELECT "+sel+" FROM "+table+" WHERE patient_name = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3",
		patient, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s assessments: %w", def.Type, err)
	}
	defer rows.Close()

	var items []*engine.Record
	for rows.Next() {
		rec, err := scanRecord(rows, fields)
		if err != nil {
			return nil, 0, fmt.Errorf("scan %s assessment: %w", def.Type, err)
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

// scanRecord reads the fixed columns and then one nullable target per
// field. NULL columns are left out of rec.Columns so Unflatten applies the
// declared default.
func scanRecord(row pgx.Row, fields []engine.Field) (*engine.Record, error) {
	rec := &engine.Record{Columns: make(map[string]any, len(fields))}
	targets := []any{&rec.ID, &rec.PatientIdentifier, &rec.AuthorID, &rec.ServiceDate, &rec.CreatedAt}
	for _, f := range fields {
		switch f.Kind {
		case engine.KindBool:
			targets = append(targets, new(*bool))
		case engine.KindString:
			targets = append(targets, new(*string))
		default:
			targets = append(targets, new([]string))
		}
	}
	if err := row.Scan(targets...); err != nil {
		return nil, err
	}

	for i, f := range fields {
		switch t := targets[5+i].(type) {
		case **bool:
			if *t != nil {
				rec.Columns[f.Column()] = **t
			}
		case **string:
			if *t != nil {
				rec.Columns[f.Column()] = **t
			}
		case *[]string:
			if *t != nil {
				rec.Columns[f.Column()] = *t
			}
		}
	}
	return rec, nil
}

func (r *repoPG) Delete(ctx context.Context, def *catalog.Definition, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, "DELETE FROM "+ident(def.Table)+" WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete %s assessment: %w", def.Type, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
