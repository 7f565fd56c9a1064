package calllog

import "time"

// Entry is an immutable, append-only record of one routing decision.
//
// Invariants:
// - Entries are never updated or deleted.
// - org_id is required for tenancy isolation.
// - Logging is best-effort; a failed write must never block or fail the
//   webhook response that produced it.
//
// Storage recommendation (Postgres):
// - Table call_decisions with an INSERT-only policy.
// - Optional: partition by time for retention.

type Entry struct {
	ID    string `json:"id" db:"id"`
	OrgID string `json:"org_id" db:"org_id"`

	CallSID string `json:"call_sid" db:"call_sid"`
	From    string `json:"from_number,omitempty" db:"from_number"`
	To      string `json:"to_number,omitempty" db:"to_number"`

	// Direction is internal or external once classification succeeded.
	Direction string `json:"direction,omitempty" db:"direction"`

	// RoutingType is the effective route the call took (extension,
	// ring_group, ivr, ...), after any business-hours branch.
	RoutingType string `json:"routing_type,omitempty" db:"routing_type"`

	// OpenStatus is open or closed when a schedule was evaluated.
	OpenStatus string `json:"open_status,omitempty" db:"open_status"`

	// Decision is the response action handed to the platform.
	Decision string `json:"decision" db:"decision"`
	Reason   string `json:"reason,omitempty" db:"reason"`

	// SourceIP should capture the original webhook client IP when available.
	SourceIP string `json:"source_ip,omitempty" db:"source_ip"`

	ElapsedMS int64     `json:"elapsed_ms" db:"elapsed_ms"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
