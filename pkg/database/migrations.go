package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

var errDuplicateVersion = errors.New("duplicate migration version")

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrator handles database migrations
type Migrator struct {
	db     *DB
	logger *zap.Logger
}

// NewMigrator creates a new migrator
func NewMigrator(db *DB, logger *zap.Logger) *Migrator {
	return &Migrator{
		db:     db,
		logger: logger,
	}
}

func (m *Migrator) createMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// Version returns the highest applied migration, or 0 on a fresh database.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	var v sql.NullInt64
	err := m.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&v)
	if err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// RunMigrations applies the workflow schema bundled with the binary
func (m *Migrator) RunMigrations(ctx context.Context) error {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	return m.RunMigrationsFS(ctx, sub)
}

// RunMigrationsFS applies every *.sql file in fsys that has not been
// recorded in schema_migrations, each in its own transaction.
func (m *Migrator) RunMigrationsFS(ctx context.Context, fsys fs.FS) error {
	if err := m.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	migrations, err := m.loadMigrations(fsys)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	pending := 0
	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		m.logger.Info("Applying migration",
			zap.Int("version", migration.Version),
			zap.String("name", migration.Name),
			zap.String("path", m.db.Path()))

		if err := m.applyMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
		pending++
	}

	version, err := m.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	m.logger.Info("Database schema up to date",
		zap.Int("applied", pending),
		zap.Int("schema_version", version))
	return nil
}

// loadMigrations loads all migration files from fsys
func (m *Migrator) loadMigrations(fsys fs.FS) ([]Migration, error) {
	var migrations []Migration
	seen := make(map[int]string)

	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || !strings.HasSuffix(p, ".sql") {
			return nil
		}

		content, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", p, err)
		}

		// 001_workflows.sql -> version 1, name "workflows"
		filename := path.Base(p)
		var version int
		var name string
		if _, err := fmt.Sscanf(filename, "%d", &version); err != nil || version <= 0 {
			return fmt.Errorf("invalid migration filename format: %s", filename)
		}
		if prev, dup := seen[version]; dup {
			return fmt.Errorf("%w: %s and %s", errDuplicateVersion, prev, filename)
		}
		seen[version] = filename

		parts := strings.SplitN(filename, "_", 2)
		if len(parts) == 2 {
			name = strings.TrimSuffix(parts[1], ".sql")
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    name,
			SQL:     string(content),
		})

		return nil
	})

	if err != nil {
		return nil, err
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

func (m *Migrator) applyMigration(ctx context.Context, migration Migration) error {
	return m.db.WithTx(ctx, func(ctx context.Context) error {
		conn := m.db.Conn(ctx)
		if _, err := conn.ExecContext(ctx, migration.SQL); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
		_, err := conn.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			migration.Version,
			migration.Name,
		)
		if err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}
