package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"testgate/internal/fault"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// step is one embedded schema upgrade, named NNNN_description.sql.
type step struct {
	version int
	name    string
	up      string
}

func steps() ([]step, error) {
	entries, err := schemaFS.ReadDir("sql")
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "schema_unreadable", err)
	}
	var out []step
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fault.New(fault.Internal, "bad_migration_name",
				"migration %q lacks a NNNN_ version prefix", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fault.New(fault.Internal, "bad_migration_name",
				"migration %q has a non-numeric version prefix", name)
		}
		body, err := schemaFS.ReadFile("sql/" + name)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "schema_unreadable", err)
		}
		out = append(out, step{version: version, name: name, up: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate brings the workflow schema up to the newest embedded version. All
// pending steps apply inside one transaction, so a failing step leaves the
// database at the version it started from.
func Migrate(db *sql.DB) error {
	pending, err := steps()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	applied, err := ensureVersionTable(tx)
	if err != nil {
		return err
	}
	for _, s := range pending {
		if s.version <= applied {
			continue
		}
		if _, err := tx.Exec(s.up); err != nil {
			return fault.New(fault.Internal, "migration_failed",
				"apply %s: %v", s.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, s.version); err != nil {
			return fault.New(fault.Internal, "migration_failed",
				"record version for %s: %v", s.name, err)
		}
		applied = s.version
	}
	return tx.Commit()
}

// Version reports the applied schema version. A fresh database is version 0.
func Version(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	switch {
	case err == sql.ErrNoRows:
		return 0, nil
	case err != nil && strings.Contains(err.Error(), "no such table"):
		return 0, nil
	case err != nil:
		return 0, err
	}
	return v, nil
}

func ensureVersionTable(tx *sql.Tx) (int, error) {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}
	var v int
	err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("init schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}
