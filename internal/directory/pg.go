package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// NOTE: This store assumes the following tables exist:
// - organizations
// - phone_numbers
// - extensions
// - users
// - ring_groups, ring_group_members
// - business_hours_schedules, business_hours_rules, business_hours_exceptions
// - ivr_menus, ivr_menu_options
// - conference_rooms
// - ai_assistants
// - voicemail_boxes
// - routing_overrides
//
// Text columns use empty-string defaults rather than NULL, and
// (schedule_id, date) is unique on business_hours_exceptions.

// PGStore reads routing configuration from Postgres. It is strictly
// read-only; the control plane owns every write.
type PGStore struct {
	db  *sql.DB
	Now func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, Now: time.Now}
}

func (s *PGStore) OrganizationByID(ctx context.Context, id string) (Organization, error) {
	const q = `
SELECT id, name, domain, timezone, status
FROM organizations
WHERE id = $1
`
	var o Organization
	if err := s.db.QueryRowContext(ctx, q, id).Scan(
		&o.ID,
		&o.Name,
		&o.Domain,
		&o.Timezone,
		&o.Status,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Organization{}, ErrNotFound
		}
		return Organization{}, err
	}
	return o, nil
}

func (s *PGStore) OrganizationByDomain(ctx context.Context, domain string) (Organization, error) {
	const q = `
SELECT id, name, domain, timezone, status
FROM organizations
WHERE domain = $1
`
	var o Organization
	if err := s.db.QueryRowContext(ctx, q, domain).Scan(
		&o.ID,
		&o.Name,
		&o.Domain,
		&o.Timezone,
		&o.Status,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Organization{}, ErrNotFound
		}
		return Organization{}, err
	}
	return o, nil
}

func (s *PGStore) DIDByNumber(ctx context.Context, number string) (DID, error) {
	const q = `
SELECT number, org_id, routing_type, routing_target, status
FROM phone_numbers
WHERE number = $1
`
	var (
		d         DID
		routeType string
		routeRef  string
	)
	if err := s.db.QueryRowContext(ctx, q, number).Scan(
		&d.Number,
		&d.OrgID,
		&routeType,
		&routeRef,
		&d.Status,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DID{}, ErrNotFound
		}
		return DID{}, err
	}
	target, err := TargetFromRef(routeType, routeRef)
	if err != nil {
		return DID{}, fmt.Errorf("directory: did %s: %w", number, err)
	}
	d.Target = target
	return d, nil
}

func (s *PGStore) ExtensionByID(ctx context.Context, orgID, id string) (Extension, error) {
	const q = `
SELECT id, org_id, number, name, type, user_id, target_id, forward_to, status
FROM extensions
WHERE org_id = $1 AND id = $2
`
	return s.scanExtension(s.db.QueryRowContext(ctx, q, orgID, id))
}

func (s *PGStore) ExtensionByNumber(ctx context.Context, orgID, number string) (Extension, error) {
	const q = `
SELECT id, org_id, number, name, type, user_id, target_id, forward_to, status
FROM extensions
WHERE org_id = $1 AND number = $2
`
	return s.scanExtension(s.db.QueryRowContext(ctx, q, orgID, number))
}

func (s *PGStore) scanExtension(row *sql.Row) (Extension, error) {
	var e Extension
	if err := row.Scan(
		&e.ID,
		&e.OrgID,
		&e.Number,
		&e.Name,
		&e.Type,
		&e.UserID,
		&e.TargetID,
		&e.ForwardTo,
		&e.Status,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Extension{}, ErrNotFound
		}
		return Extension{}, err
	}
	return e, nil
}

func (s *PGStore) UserByID(ctx context.Context, orgID, id string) (User, error) {
	const q = `
SELECT id, org_id, name, sip_username, status
FROM users
WHERE org_id = $1 AND id = $2
`
	var u User
	if err := s.db.QueryRowContext(ctx, q, orgID, id).Scan(
		&u.ID,
		&u.OrgID,
		&u.Name,
		&u.SIPUsername,
		&u.Status,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

func (s *PGStore) RingGroupByID(ctx context.Context, orgID, id string) (RingGroup, error) {
	const q = `
SELECT id, org_id, name, strategy, ring_timeout_sec,
       fallback_action, fallback_extension_id, fallback_voicemail_box_id, fallback_max_repeats,
       status
FROM ring_groups
WHERE org_id = $1 AND id = $2
`
	var g RingGroup
	if err := s.db.QueryRowContext(ctx, q, orgID, id).Scan(
		&g.ID,
		&g.OrgID,
		&g.Name,
		&g.Strategy,
		&g.RingTimeoutSec,
		&g.Fallback.Action,
		&g.Fallback.ExtensionID,
		&g.Fallback.VoicemailBoxID,
		&g.Fallback.MaxRepeats,
		&g.Status,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RingGroup{}, ErrNotFound
		}
		return RingGroup{}, err
	}

	const qm = `
SELECT extension_id, priority
FROM ring_group_members
WHERE org_id = $1 AND ring_group_id = $2
ORDER BY priority, extension_id
`
	rows, err := s.db.QueryContext(ctx, qm, orgID, id)
	if err != nil {
		return RingGroup{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var m RingGroupMember
		if err := rows.Scan(&m.ExtensionID, &m.Priority); err != nil {
			return RingGroup{}, err
		}
		g.Members = append(g.Members, m)
	}
	if err := rows.Err(); err != nil {
		return RingGroup{}, err
	}
	return g, nil
}

func (s *PGStore) ScheduleByID(ctx context.Context, orgID, id string) (BusinessHoursSchedule, error) {
	const q = `
SELECT id, org_id, name, timezone,
       open_action_type, open_action_ref, closed_action_type, closed_action_ref
FROM business_hours_schedules
WHERE org_id = $1 AND id = $2
`
	var (
		sc                    BusinessHoursSchedule
		openType, openRef     string
		closedType, closedRef string
	)
	if err := s.db.QueryRowContext(ctx, q, orgID, id).Scan(
		&sc.ID,
		&sc.OrgID,
		&sc.Name,
		&sc.Timezone,
		&openType,
		&openRef,
		&closedType,
		&closedRef,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BusinessHoursSchedule{}, ErrNotFound
		}
		return BusinessHoursSchedule{}, err
	}
	var err error
	if sc.OpenAction, err = TargetFromRef(openType, openRef); err != nil {
		return BusinessHoursSchedule{}, fmt.Errorf("directory: schedule %s open action: %w", id, err)
	}
	if sc.ClosedAction, err = TargetFromRef(closedType, closedRef); err != nil {
		return BusinessHoursSchedule{}, fmt.Errorf("directory: schedule %s closed action: %w", id, err)
	}

	const qr = `
SELECT weekday, is_open, open_time, close_time
FROM business_hours_rules
WHERE org_id = $1 AND schedule_id = $2
ORDER BY weekday
`
	rows, err := s.db.QueryContext(ctx, qr, orgID, id)
	if err != nil {
		return BusinessHoursSchedule{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r  WeeklyRule
			wd int
		)
		if err := rows.Scan(&wd, &r.Open, &r.OpenTime, &r.CloseTime); err != nil {
			return BusinessHoursSchedule{}, err
		}
		r.Weekday = time.Weekday(wd)
		sc.Rules = append(sc.Rules, r)
	}
	if err := rows.Err(); err != nil {
		return BusinessHoursSchedule{}, err
	}

	const qe = `
SELECT to_char(date, 'YYYY-MM-DD'), name, is_open, open_time, close_time
FROM business_hours_exceptions
WHERE org_id = $1 AND schedule_id = $2
ORDER BY date
`
	erows, err := s.db.QueryContext(ctx, qe, orgID, id)
	if err != nil {
		return BusinessHoursSchedule{}, err
	}
	defer erows.Close()
	for erows.Next() {
		var e ScheduleException
		if err := erows.Scan(&e.Date, &e.Name, &e.Open, &e.OpenTime, &e.CloseTime); err != nil {
			return BusinessHoursSchedule{}, err
		}
		sc.Exceptions = append(sc.Exceptions, e)
	}
	if err := erows.Err(); err != nil {
		return BusinessHoursSchedule{}, err
	}
	return sc, nil
}

func (s *PGStore) IVRMenuByID(ctx context.Context, orgID, id string) (IVRMenu, error) {
	const q = `
SELECT id, org_id, name, greeting, timeout_sec, max_retries
FROM ivr_menus
WHERE org_id = $1 AND id = $2
`
	var m IVRMenu
	if err := s.db.QueryRowContext(ctx, q, orgID, id).Scan(
		&m.ID,
		&m.OrgID,
		&m.Name,
		&m.Greeting,
		&m.TimeoutSec,
		&m.MaxRetries,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IVRMenu{}, ErrNotFound
		}
		return IVRMenu{}, err
	}

	const qo = `
SELECT digit, action_type, action_ref
FROM ivr_menu_options
WHERE org_id = $1 AND menu_id = $2
ORDER BY digit
`
	rows, err := s.db.QueryContext(ctx, qo, orgID, id)
	if err != nil {
		return IVRMenu{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			o               IVROption
			actType, actRef string
		)
		if err := rows.Scan(&o.Digit, &actType, &actRef); err != nil {
			return IVRMenu{}, err
		}
		if o.Target, err = TargetFromRef(actType, actRef); err != nil {
			return IVRMenu{}, fmt.Errorf("directory: menu %s option %s: %w", id, o.Digit, err)
		}
		m.Options = append(m.Options, o)
	}
	if err := rows.Err(); err != nil {
		return IVRMenu{}, err
	}
	return m, nil
}

func (s *PGStore) ConferenceRoomByID(ctx context.Context, orgID, id string) (ConferenceRoom, error) {
	const q = `
SELECT id, org_id, name, max_participants, status
FROM conference_rooms
WHERE org_id = $1 AND id = $2
`
	var r ConferenceRoom
	if err := s.db.QueryRowContext(ctx, q, orgID, id).Scan(
		&r.ID,
		&r.OrgID,
		&r.Name,
		&r.MaxParticipants,
		&r.Status,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConferenceRoom{}, ErrNotFound
		}
		return ConferenceRoom{}, err
	}
	return r, nil
}

func (s *PGStore) AIAssistantByID(ctx context.Context, orgID, id string) (AIAssistant, error) {
	const q = `
SELECT id, org_id, name, endpoint, status
FROM ai_assistants
WHERE org_id = $1 AND id = $2
`
	var a AIAssistant
	if err := s.db.QueryRowContext(ctx, q, orgID, id).Scan(
		&a.ID,
		&a.OrgID,
		&a.Name,
		&a.Endpoint,
		&a.Status,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AIAssistant{}, ErrNotFound
		}
		return AIAssistant{}, err
	}
	if err := a.ValidateEndpoint(); err != nil {
		return AIAssistant{}, err
	}
	return a, nil
}

func (s *PGStore) VoicemailBoxByID(ctx context.Context, orgID, id string) (VoicemailBox, error) {
	const q = `
SELECT id, org_id, name, greeting, max_message_sec
FROM voicemail_boxes
WHERE org_id = $1 AND id = $2
`
	var b VoicemailBox
	if err := s.db.QueryRowContext(ctx, q, orgID, id).Scan(
		&b.ID,
		&b.OrgID,
		&b.Name,
		&b.Greeting,
		&b.MaxMessage,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VoicemailBox{}, ErrNotFound
		}
		return VoicemailBox{}, err
	}
	return b, nil
}

func (s *PGStore) ActiveOverrideForNumber(ctx context.Context, orgID, number string) (RoutingOverride, bool, error) {
	const q = `
SELECT id, org_id, number, destination, expires_at
FROM routing_overrides
WHERE org_id = $1 AND number = $2 AND expires_at > $3
ORDER BY expires_at DESC
LIMIT 1
`
	var o RoutingOverride
	err := s.db.QueryRowContext(ctx, q, orgID, number, s.Now()).Scan(
		&o.ID,
		&o.OrgID,
		&o.Number,
		&o.Destination,
		&o.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RoutingOverride{}, false, nil
		}
		return RoutingOverride{}, false, err
	}
	return o, true, nil
}
