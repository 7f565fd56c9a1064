package directory

import (
	"context"
	"errors"
)

// ErrNotFound means the entity does not exist for that org.
// Callers that can route around a missing entity must branch on this
// rather than treating it as a store failure.
var ErrNotFound = errors.New("directory: not found")

// Store is the read side of routing configuration. The engine never writes
// through it; the control plane owns all mutation.
//
// Multi-tenant invariant: every lookup except DIDByNumber and
// OrganizationByDomain takes the org id and filters by it in the query.
// DIDByNumber is the tenancy entry point (numbers are globally unique).
type Store interface {
	OrganizationByID(ctx context.Context, id string) (Organization, error)
	OrganizationByDomain(ctx context.Context, domain string) (Organization, error)

	DIDByNumber(ctx context.Context, number string) (DID, error)

	ExtensionByID(ctx context.Context, orgID, id string) (Extension, error)
	ExtensionByNumber(ctx context.Context, orgID, number string) (Extension, error)
	UserByID(ctx context.Context, orgID, id string) (User, error)

	RingGroupByID(ctx context.Context, orgID, id string) (RingGroup, error)
	ScheduleByID(ctx context.Context, orgID, id string) (BusinessHoursSchedule, error)
	IVRMenuByID(ctx context.Context, orgID, id string) (IVRMenu, error)
	ConferenceRoomByID(ctx context.Context, orgID, id string) (ConferenceRoom, error)
	AIAssistantByID(ctx context.Context, orgID, id string) (AIAssistant, error)
	VoicemailBoxByID(ctx context.Context, orgID, id string) (VoicemailBox, error)

	ActiveOverrideForNumber(ctx context.Context, orgID, number string) (RoutingOverride, bool, error)
}
