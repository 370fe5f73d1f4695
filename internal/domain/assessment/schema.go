package assessment

import (
	"context"
	"fmt"

	"github.com/ehr/assessments/internal/catalog"
	"github.com/ehr/assessments/internal/engine"
	"github.com/ehr/assessments/internal/platform/db"
)

func columnType(k engine.Kind) string {
	switch k {
	case engine.KindBool:
		return "BOOLEAN"
	case engine.KindList:
		return "TEXT[]"
	default:
		return "TEXT"
	}
}

// SchemaStatements returns the DDL that creates def's table, adds any
// column declared since the table was created and builds its indexes.
// Every statement is idempotent.
func SchemaStatements(def *catalog.Definition) []string {
	table := ident(def.Table)
	stmts := []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    patient_name TEXT NOT NULL,
    author_id TEXT NOT NULL,
    service_date DATE NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, table)}

	for _, f := range def.Shape.Fields() {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			table, ident(f.Column()), columnType(f.Kind)))
	}

	if def.Persistence == catalog.PersistUpsert {
		stmts = append(stmts, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (patient_name)",
			ident(def.Table+"_patient_uniq"), table))
	} else {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (patient_name, created_at DESC)",
			ident(def.Table+"_patient_idx"), table))
	}
	return stmts
}

// EnsureSchema applies SchemaStatements for every type in one transaction.
func EnsureSchema(ctx context.Context, b db.TxBeginner, reg *catalog.Registry) error {
	return db.WithTx(ctx, b, func(ctx context.Context) error {
		conn := db.ConnFromContext(ctx)
		for _, def := range reg.All() {
			for _, stmt := range SchemaStatements(def) {
				if _, err := conn.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("schema for %s: %w", def.Type, err)
				}
			}
		}
		return nil
	})
}
