package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Executor runs a migration statement.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Migration is one versioned schema change.
type Migration struct {
	Name    string
	Version string
	Up      func(ctx context.Context, exec Executor) error
}

// Group is an ordered set of migrations applied together.
type Group struct {
	name       string
	migrations []*Migration
}

// NewGroup creates an empty migration group.
func NewGroup(name string) *Group {
	return &Group{name: name}
}

// MustRegister adds migrations to the group. It panics on duplicate
// versions.
func (g *Group) MustRegister(ms ...*Migration) {
	for _, m := range ms {
		for _, existing := range g.migrations {
			if existing.Version == m.Version {
				panic(fmt.Sprintf("sqlstore: duplicate migration version %s in group %s", m.Version, g.name))
			}
		}
		g.migrations = append(g.migrations, m)
	}
	slices.SortFunc(g.migrations, func(a, b *Migration) int { return strings.Compare(a.Version, b.Version) })
}

// Migrations returns the registered migrations in version order.
func (g *Group) Migrations() []*Migration {
	return slices.Clone(g.migrations)
}

// migrate applies every migration not yet recorded in tally_migrations.
// Each migration runs in its own transaction with its bookkeeping row.
func (s *Store) migrate(ctx context.Context) ([]string, error) {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tally_migrations (
    version    TEXT PRIMARY KEY,
    grp        TEXT NOT NULL,
    name       TEXT NOT NULL,
    applied_at TIMESTAMP NOT NULL
)`)
	if err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}

	applied := map[string]bool{}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT version FROM tally_migrations WHERE grp = ?`), s.migrations.name)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return nil, err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var ran []string
	for _, m := range s.migrations.migrations {
		if applied[m.Version] {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return ran, err
		}
		if err := m.Up(ctx, tx); err != nil {
			_ = tx.Rollback()
			return ran, fmt.Errorf("%s: %w", m.Name, err)
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO tally_migrations (version, grp, name, applied_at) VALUES (?, ?, ?, ?)`),
			m.Version, s.migrations.name, m.Name, time.Now().UTC())
		if err != nil {
			_ = tx.Rollback()
			return ran, fmt.Errorf("%s: record: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return ran, fmt.Errorf("%s: commit: %w", m.Name, err)
		}
		ran = append(ran, m.Name)
	}
	return ran, nil
}
