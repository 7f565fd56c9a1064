package calllog

import (
	"context"
	"database/sql"
)

// PGRepo appends decision records to Postgres.
type PGRepo struct {
	db *sql.DB
}

func NewPGRepo(db *sql.DB) *PGRepo { return &PGRepo{db: db} }

func (r *PGRepo) Append(ctx context.Context, e Entry) error {
	const q = `
INSERT INTO call_decisions (
  id, org_id, call_sid, from_number, to_number, direction,
  routing_type, open_status, decision, reason, source_ip, elapsed_ms, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.OrgID,
		e.CallSID,
		e.From,
		e.To,
		e.Direction,
		e.RoutingType,
		e.OpenStatus,
		e.Decision,
		e.Reason,
		e.SourceIP,
		e.ElapsedMS,
		e.CreatedAt,
	)
	return err
}
