package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/outflow/pkg/api"
)

var (
	// ErrGraphNotFound is returned when a campaign graph version is not found.
	ErrGraphNotFound = errors.New("graph not found")

	// ErrContextNotFound is returned when a lead context is not found.
	ErrContextNotFound = errors.New("lead context not found")

	// ErrVersionConflict is returned by UpdateContext when the stored
	// revision no longer matches the caller's. The caller must re-load and
	// re-apply its event.
	ErrVersionConflict = errors.New("context revision conflict")

	// ErrContextLive is returned by SaveContext when a non-closed context
	// already exists for the lead. A concurrent enrollment won that race.
	ErrContextLive = errors.New("lead context still live")

	// ErrLeaseNotHeld is returned by RenewLease when the lease is missing
	// or owned by someone else.
	ErrLeaseNotHeld = errors.New("lease not held by owner")
)

// GraphStore handles storage of published campaign graphs. Published graphs
// are immutable; old versions are retained for leads still pinned to them.
type GraphStore interface {
	// PublishGraph stores g under the campaign's next version number and
	// returns that version. The caller has already validated g.
	PublishGraph(g *api.FlowGraph) (int64, error)

	// GetGraph returns one specific version.
	GetGraph(campaignID string, version int64) (*api.FlowGraph, error)

	// LatestVersion returns the newest published version for a campaign.
	LatestVersion(campaignID string) (int64, error)
}

// ContextStore handles storage of lead execution contexts, the per-lead
// exclusivity lease, and optimistic-concurrency updates.
type ContextStore interface {
	// SaveContext creates (or, for a closed lead being re-enrolled,
	// replaces) the context and stamps its initial revision. A non-closed
	// context for the same lead makes the create fail with ErrContextLive,
	// so two racing enrollments cannot both reset the lead.
	SaveContext(lc *api.LeadContext) error

	// UpdateContext persists lc if and only if the stored revision equals
	// lc.Revision; on success it bumps both. A mismatch returns
	// ErrVersionConflict so a crashed-and-retried lease cannot double-apply
	// an event.
	UpdateContext(lc *api.LeadContext) error

	GetContext(leadID string) (*api.LeadContext, error)
	ListContexts(opts api.ContextListOptions) ([]*api.LeadContext, error)

	// TryAcquireLease attempts to acquire (or re-acquire) the per-lead
	// exclusivity lease. If another owner holds an unexpired lease it
	// returns acquired=false, err=nil. A lease held by the same owner is
	// re-entrant.
	TryAcquireLease(ctx context.Context, leadID, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, leadID, owner string, ttl time.Duration) error

	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, leadID, owner string) error
}

// Persistence bundles the two stores an engine needs.
type Persistence struct {
	Graphs   GraphStore
	Contexts ContextStore
}
