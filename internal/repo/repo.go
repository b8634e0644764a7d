package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"testgate/internal/domain"
	"testgate/internal/fault"
)

// DBTX is the storage handle a Repo runs on: the shared pool, or a single
// connection checked out of it for the duration of one request.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

type Repo struct {
	DB DBTX
}

var ErrNotFound = errors.New("not found")

// WithTx runs fn inside a transaction: commit on nil return, rollback on any
// error or panic. Multi-step stage transitions rely on this contract for
// atomicity.
func (r Repo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return MapConstraintErr(err)
	}
	if err := tx.Commit(); err != nil {
		return MapConstraintErr(err)
	}
	return nil
}

// MapConstraintErr re-tags SQLite constraint violations as Conflict faults
// so callers can distinguish duplicate transitions from real failures.
func MapConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "FOREIGN KEY constraint failed") ||
		strings.Contains(msg, "constraint failed") {
		return fault.Wrap(fault.Conflict, "constraint_violation", err)
	}
	return err
}

func scanArtifact(scan func(dest ...any) error) (domain.ArtifactRecord, error) {
	var a domain.ArtifactRecord
	var analysis, metadata, content sql.NullString
	err := scan(&a.Fingerprint, &a.Filename, &a.CurrentStage, &a.Status, &analysis, &metadata, &content, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if analysis.Valid {
		a.Analysis = analysis.String
	}
	if metadata.Valid {
		a.Metadata = metadata.String
	}
	if content.Valid {
		a.Content = content.String
	}
	return a, nil
}

const artifactColumns = `fingerprint,filename,current_stage,status,analysis,metadata,content,created_at,updated_at`

func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.ArtifactRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(`+artifactColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.Fingerprint, a.Filename, a.CurrentStage, a.Status, nullable(a.Analysis), nullable(a.Metadata), nullable(a.Content), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetArtifact(ctx context.Context, fingerprint string) (domain.ArtifactRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE fingerprint=?`, fingerprint)
	return scanArtifact(row.Scan)
}

func (r Repo) GetArtifactTx(ctx context.Context, tx *sql.Tx, fingerprint string) (domain.ArtifactRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE fingerprint=?`, fingerprint)
	return scanArtifact(row.Scan)
}

// UpdateArtifactStage advances stage/status inside a transaction. The stage
// guard in the WHERE clause makes two racing advances from the same stage
// commute into exactly one row change.
func (r Repo) UpdateArtifactStage(ctx context.Context, tx *sql.Tx, fingerprint string, fromStage, toStage domain.Stage, status domain.Status, analysis, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE artifacts SET current_stage=?, status=?, analysis=?, updated_at=? WHERE fingerprint=? AND current_stage=?`,
		toStage, status, nullable(analysis), updatedAt, fingerprint, fromStage)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.Conflict, "stale_stage", "artifact %s no longer at stage %s", fingerprint, fromStage)
	}
	return nil
}

type ArtifactFilters struct {
	Stage  domain.Stage
	Status domain.Status
	Limit  int
}

func (r Repo) ListArtifacts(ctx context.Context, f ArtifactFilters) ([]domain.ArtifactRecord, error) {
	var clauses []string
	var args []any
	if f.Stage != "" {
		clauses = append(clauses, "current_stage=?")
		args = append(args, f.Stage)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + artifactColumns + ` FROM artifacts ` + where + ` ORDER BY updated_at DESC, fingerprint DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArtifactRecord
	for rows.Next() {
		a, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountArtifactsByStage(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT current_stage, count(*) FROM artifacts GROUP BY current_stage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		counts[stage] = n
	}
	return counts, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
