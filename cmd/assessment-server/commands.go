package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/assessments/internal/catalog"
	"github.com/ehr/assessments/internal/config"
	"github.com/ehr/assessments/internal/domain/assessment"
	"github.com/ehr/assessments/internal/engine"
	"github.com/ehr/assessments/internal/platform/auth"
	"github.com/ehr/assessments/internal/platform/db"
	"github.com/ehr/assessments/migrations"
)

func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations and create assessment tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			target, _ := cmd.Flags().GetInt("to")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			reg, err := loadCatalog(cfg.CatalogDir)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationSource(dir)).UpTo(ctx, target)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)

			if err := assessment.EnsureSchema(ctx, pool, reg); err != nil {
				return fmt.Errorf("assessment schema: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Assessment tables ready for %d type(s).\n", len(reg.All()))
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies all)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		state, at := "pending", ""
		if s.Applied {
			state = "applied"
			at = s.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, state, at)
	}
}

func catalogDirFlag(cmd *cobra.Command) {
	cmd.Flags().String("catalog-dir", os.Getenv("CATALOG_DIR"), "Directory of type definitions (defaults to the built-in catalog)")
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [type]",
		Short: "Print the DDL for assessment tables",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("catalog-dir")
			reg, err := loadCatalog(dir)
			if err != nil {
				return err
			}
			defs := reg.All()
			if len(args) == 1 {
				def, err := reg.Get(args[0])
				if err != nil {
					return err
				}
				defs = []*catalog.Definition{def}
			}
			out := cmd.OutOrStdout()
			for _, def := range defs {
				fmt.Fprintf(out, "-- %s (%s)\n", def.Type, def.Persistence)
				for _, stmt := range assessment.SchemaStatements(def) {
					fmt.Fprintf(out, "%s;\n", stmt)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	catalogDirFlag(cmd)
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect assessment type definitions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List assessment types",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("catalog-dir")
			reg, err := loadCatalog(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-14s %-8s %-7s %-6s %s\n", "TYPE", "MODE", "FIELDS", "RULES", "TITLE")
			for _, def := range reg.All() {
				fmt.Fprintf(out, "%-14s %-8s %-7d %-6d %s\n", def.Type, def.Persistence, def.Shape.Len(), len(def.Rules), def.Title)
			}
			return nil
		},
	}
	catalogDirFlag(listCmd)
	cmd.AddCommand(listCmd)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and compile every definition, reporting the first error",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("catalog-dir")
			reg, err := loadCatalog(dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d assessment type(s) OK\n", len(reg.All()))
			return nil
		},
	}
	catalogDirFlag(validateCmd)
	cmd.AddCommand(validateCmd)

	return cmd
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run a type's rules against a JSON form state and print the findings",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("catalog-dir")
			typ, _ := cmd.Flags().GetString("type")
			file, _ := cmd.Flags().GetString("state")

			reg, err := loadCatalog(dir)
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			var state engine.State
			if err := json.NewDecoder(in).Decode(&state); err != nil {
				return fmt.Errorf("decode state: %w", err)
			}

			svc := assessment.NewService(reg, nil, nil, nil, assessment.Options{Logger: zerolog.New(cmd.ErrOrStderr())})
			findings, err := svc.Evaluate(typ, state)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(findings)
		},
	}
	catalogDirFlag(cmd)
	cmd.Flags().String("type", "", "Assessment type")
	cmd.Flags().String("state", "-", "JSON file holding the form state (- reads stdin)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an HS256 bearer token for a clinician",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyHex, _ := cmd.Flags().GetString("signing-key")
			issuer, _ := cmd.Flags().GetString("issuer")
			audience, _ := cmd.Flags().GetString("audience")
			id, _ := cmd.Flags().GetString("id")
			name, _ := cmd.Flags().GetString("name")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			key, err := hex.DecodeString(strings.TrimSpace(keyHex))
			if err != nil {
				return fmt.Errorf("signing key is not valid hex: %w", err)
			}
			token, err := auth.IssueToken(auth.JWTConfig{
				Issuer:     issuer,
				Audience:   audience,
				SigningKey: key,
			}, auth.Clinician{ID: id, Name: name, Roles: roles}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("signing-key", os.Getenv("AUTH_SIGNING_KEY"), "Hex-encoded HS256 key")
	cmd.Flags().String("issuer", os.Getenv("AUTH_ISSUER"), "Token issuer")
	cmd.Flags().String("audience", os.Getenv("AUTH_AUDIENCE"), "Token audience")
	cmd.Flags().String("id", "", "Clinician id (token subject)")
	cmd.Flags().String("name", "", "Clinician display name")
	cmd.Flags().StringSlice("role", []string{auth.RoleNurse}, "Role claim (repeatable)")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
