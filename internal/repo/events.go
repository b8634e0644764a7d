package repo

import (
	"context"
	"strings"

	"testgate/internal/domain"
)

// LatestEvents returns the newest audit entries, optionally filtered by
// event type and artifact fingerprint.
func (r Repo) LatestEvents(ctx context.Context, n int, evtType, fingerprint string) ([]domain.Event, error) {
	if n <= 0 {
		n = 20
	}
	var clauses []string
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if fingerprint != "" {
		clauses = append(clauses, "fingerprint=?")
		args = append(args, fingerprint)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, ts, type, coalesce(fingerprint,''), actor_id, payload_json FROM events `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Fingerprint, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
