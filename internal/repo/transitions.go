package repo

import (
	"context"
	"database/sql"

	"testgate/internal/domain"
)

func (r Repo) InsertTransition(ctx context.Context, tx *sql.Tx, t domain.StageTransition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_transitions(fingerprint,stage,attempt,result,validator_id,feedback,validated_at) VALUES (?,?,?,?,?,?,?)`,
		t.Fingerprint, t.Stage, t.Attempt, t.Result, t.ValidatorID, nullable(t.Feedback), t.ValidatedAt)
	return err
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CountAttempts returns how many transition attempts exist for a stage.
func (r Repo) CountAttempts(ctx context.Context, fingerprint string, stage domain.Stage) (int, error) {
	return countAttempts(ctx, r.DB, fingerprint, stage)
}

// CountAttemptsTx is the in-transaction variant, used when the next attempt
// number must be race-free against concurrent submissions.
func (r Repo) CountAttemptsTx(ctx context.Context, tx *sql.Tx, fingerprint string, stage domain.Stage) (int, error) {
	return countAttempts(ctx, tx, fingerprint, stage)
}

func countAttempts(ctx context.Context, q rowQuerier, fingerprint string, stage domain.Stage) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM stage_transitions WHERE fingerprint=? AND stage=?`, fingerprint, stage).Scan(&n)
	return n, err
}

func (r Repo) ListTransitions(ctx context.Context, fingerprint string) ([]domain.StageTransition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,fingerprint,stage,attempt,result,validator_id,COALESCE(feedback,''),validated_at FROM stage_transitions WHERE fingerprint=? ORDER BY id ASC`, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageTransition
	for rows.Next() {
		var t domain.StageTransition
		if err := rows.Scan(&t.ID, &t.Fingerprint, &t.Stage, &t.Attempt, &t.Result, &t.ValidatorID, &t.Feedback, &t.ValidatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
