package repo

import (
	"context"
	"database/sql"
	"errors"

	"testgate/internal/domain"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) InsertToken(ctx context.Context, rec domain.TokenRecord) error {
	return insertToken(ctx, r.DB, rec)
}

// InsertTokenTx writes within the caller's transaction.
func (r Repo) InsertTokenTx(ctx context.Context, tx *sql.Tx, rec domain.TokenRecord) error {
	return insertToken(ctx, tx, rec)
}

func insertToken(ctx context.Context, ex execer, rec domain.TokenRecord) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO tokens(token,fingerprint,stage,revoked,issued_at,expires_at) VALUES (?,?,?,?,?,?)`,
		rec.Token, rec.Fingerprint, rec.Stage, boolToInt(rec.Revoked), rec.IssuedAt, rec.ExpiresAt)
	return err
}

func (r Repo) GetToken(ctx context.Context, token string) (domain.TokenRecord, error) {
	var rec domain.TokenRecord
	var revoked int
	err := r.DB.QueryRowContext(ctx, `SELECT token,fingerprint,stage,revoked,issued_at,expires_at FROM tokens WHERE token=?`, token).
		Scan(&rec.Token, &rec.Fingerprint, &rec.Stage, &revoked, &rec.IssuedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	rec.Revoked = revoked != 0
	return rec, err
}

// RevokeToken is idempotent: revoking an unknown or already revoked token
// still records the dead state.
func (r Repo) RevokeToken(ctx context.Context, token string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tokens SET revoked=1 WHERE token=?`, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Token was never persisted; insert a tombstone so the revocation
		// survives restarts.
		_, err = r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO tokens(token,fingerprint,stage,revoked,issued_at,expires_at) VALUES (?, '', '', 1, '', '')`, token)
	}
	return err
}

func (r Repo) IsTokenRevoked(ctx context.Context, token string) (bool, error) {
	rec, err := r.GetToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Revoked, nil
}

// MarkTokenUsed records consumption exactly once. Repeat calls leave the
// first recorded actor and timestamp untouched and report inserted=false.
func (r Repo) MarkTokenUsed(ctx context.Context, usage domain.TokenUsage) (inserted bool, err error) {
	return markTokenUsed(ctx, r.DB, usage)
}

// MarkTokenUsedTx is MarkTokenUsed within the caller's transaction, so a
// rolled-back stage advance also rolls back the token's consumption.
func (r Repo) MarkTokenUsedTx(ctx context.Context, tx *sql.Tx, usage domain.TokenUsage) (inserted bool, err error) {
	return markTokenUsed(ctx, tx, usage)
}

func markTokenUsed(ctx context.Context, ex execer, usage domain.TokenUsage) (bool, error) {
	res, err := ex.ExecContext(ctx, `INSERT OR IGNORE INTO token_usage(token,action,actor,used_at) VALUES (?,?,?,?)`,
		usage.Token, usage.Action, usage.Actor, usage.UsedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetTokenUsage(ctx context.Context, token string) (domain.TokenUsage, error) {
	var u domain.TokenUsage
	err := r.DB.QueryRowContext(ctx, `SELECT token,action,actor,used_at FROM token_usage WHERE token=?`, token).
		Scan(&u.Token, &u.Action, &u.Actor, &u.UsedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) IsTokenUsed(ctx context.Context, token string) (bool, error) {
	_, err := r.GetTokenUsage(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteExpiredTokens purges tokens whose expiry precedes now (RFC3339).
// Tombstoned revocations carry an empty expiry and are never purged.
func (r Repo) DeleteExpiredTokens(ctx context.Context, now string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tokens WHERE expires_at != '' AND expires_at < ? AND revoked=0`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r Repo) InsertApprovalCredential(ctx context.Context, tx *sql.Tx, c domain.ApprovalCredential) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_credentials(id,fingerprint,credential,approver_id,status,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.Fingerprint, c.Credential, c.ApproverID, c.Status, c.CreatedAt)
	return err
}

func (r Repo) GetApprovalCredential(ctx context.Context, fingerprint string) (domain.ApprovalCredential, error) {
	var c domain.ApprovalCredential
	err := r.DB.QueryRowContext(ctx, `SELECT id,fingerprint,credential,approver_id,status,created_at FROM approval_credentials WHERE fingerprint=? ORDER BY created_at DESC LIMIT 1`, fingerprint).
		Scan(&c.ID, &c.Fingerprint, &c.Credential, &c.ApproverID, &c.Status, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
