package api

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTriggerRejected means the campaign's trigger filter did not match
	// the enrollment event; no context was created.
	ErrTriggerRejected = errors.New("trigger did not match enrollment event")

	// ErrAlreadyEnrolled means the lead has a live (non-closed) context.
	ErrAlreadyEnrolled = errors.New("lead is already enrolled")

	// ErrLeadBusy means another worker holds the lead's exclusivity lease.
	// Callers should re-deliver the event shortly.
	ErrLeadBusy = errors.New("lead is being processed by another worker")

	// ErrLeadNotFound means no context exists for the lead.
	ErrLeadNotFound = errors.New("lead not found")

	// ErrCampaignNotFound means the campaign has no published graph.
	ErrCampaignNotFound = errors.New("campaign has no published graph")
)

// Engine is the flow execution driver: it owns graph publication, lead
// enrollment, and event application. Within one lead all processing is
// strictly serialized; across leads calls run fully in parallel.
type Engine interface {
	// PublishGraph validates the graph and stores it as the campaign's next
	// version. In-flight leads stay pinned to the version they enrolled on.
	PublishGraph(ctx context.Context, g *FlowGraph) (int64, error)

	// Enroll creates the lead's context if the campaign trigger matches the
	// event, then runs the graph until the lead has to wait on something
	// external. Returns ErrTriggerRejected on a filter miss.
	Enroll(ctx context.Context, leadID, campaignID string, ev InboundEvent) (*LeadContext, error)

	// HandleInbound applies an inbound message (or an event carrying an
	// intent) to the lead's current node.
	HandleInbound(ctx context.Context, ev InboundEvent) (*LeadContext, error)

	// FireTimer delivers a durable wake-up. A generation older than the
	// context's is stale and dropped without touching the context.
	FireTimer(ctx context.Context, leadID string, generation int64) (*LeadContext, error)

	// ForceAdvance is the manual override: it advances a waiting lead along
	// its current node's default edge.
	ForceAdvance(ctx context.Context, leadID string) (*LeadContext, error)

	// ReturnFromHandoff puts a handed-off lead back under automation,
	// waiting for its next reply.
	ReturnFromHandoff(ctx context.Context, leadID string) (*LeadContext, error)

	// GetContext looks up a lead's context.
	GetContext(ctx context.Context, leadID string) (*LeadContext, error)

	// ListContexts returns contexts matching the options.
	ListContexts(ctx context.Context, opts ContextListOptions) ([]*LeadContext, error)
}

// EngineOptions carries everything an engine constructor accepts besides
// its persistence backend. Zero values get sensible defaults: no-op
// collaborators, slog-free observer, real clock and rand.
type EngineOptions struct {
	Observer  Observer
	Messenger Messenger
	Decider   DecisionService
	Webhooks  WebhookCaller
	Directory LeadDirectory
	Scheduler WakeScheduler

	// Clock and Rand are injectable for tests. Rand must return a uniform
	// value in [0,1).
	Clock func() time.Time
	Rand  func() float64

	// EffectRetry bounds side-effect retries (message/webhook/tag); after
	// exhaustion the lead is escalated to a human with reason
	// "automation failure". DecisionRetry bounds AI calls; after exhaustion
	// the agent node degrades to a handoff.
	EffectRetry   RetryPolicy
	DecisionRetry RetryPolicy

	// LeaseTTL bounds how long a crashed worker can block a lead.
	LeaseTTL time.Duration
}
