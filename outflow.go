package outflow

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/outflow/internal/engine"
	"github.com/petrijr/outflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	EngineOptions        = api.EngineOptions
	FlowGraph            = api.FlowGraph
	NodeSpec             = api.NodeSpec
	NodeKind             = api.NodeKind
	Edge                 = api.Edge
	LeadContext          = api.LeadContext
	Status               = api.Status
	ContextListOptions   = api.ContextListOptions
	InboundEvent         = api.InboundEvent
	Outcome              = api.Outcome
	Effect               = api.Effect
	RetryPolicy          = api.RetryPolicy
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	Messenger            = api.Messenger
	DecisionService      = api.DecisionService
	DecisionRequest      = api.DecisionRequest
	DecisionResponse     = api.DecisionResponse
	WebhookCaller        = api.WebhookCaller
	LeadDirectory        = api.LeadDirectory
	WakeScheduler        = api.WakeScheduler
)

// Re-export common observer helpers and the event constructor.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	Message              = api.Message
)

// Re-export lead status values for convenience.

const (
	StatusRunning      = api.StatusRunning
	StatusWaitingTimer = api.StatusWaitingTimer
	StatusWaitingReply = api.StatusWaitingReply
	StatusHandedOff    = api.StatusHandedOff
	StatusClosed       = api.StatusClosed
)

// Re-export the sentinel errors callers branch on.

var (
	ErrTriggerRejected  = api.ErrTriggerRejected
	ErrAlreadyEnrolled  = api.ErrAlreadyEnrolled
	ErrLeadBusy         = api.ErrLeadBusy
	ErrLeadNotFound     = api.ErrLeadNotFound
	ErrCampaignNotFound = api.ErrCampaignNotFound
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine(api.EngineOptions{})
}

// NewInMemoryEngineWithOptions returns an in-memory Engine with the given
// collaborators and tuning.
func NewInMemoryEngineWithOptions(opts EngineOptions) Engine {
	return engine.NewInMemoryEngine(opts)
}

// NewSQLiteEngine returns an Engine that persists campaign graphs and lead
// contexts in a SQLite database.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db, api.EngineOptions{})
}

// NewSQLiteEngineWithOptions returns a SQLite-backed Engine with the given
// collaborators and tuning.
func NewSQLiteEngineWithOptions(db *sql.DB, opts EngineOptions) (Engine, error) {
	return engine.NewSQLiteEngine(db, opts)
}

// NewRedisEngine returns an Engine that persists graphs and contexts in Redis.
func NewRedisEngine(client *redis.Client) Engine {
	return engine.NewRedisEngine(client, api.EngineOptions{})
}

// NewRedisEngineWithOptions returns a Redis-backed Engine with the given
// collaborators and tuning.
func NewRedisEngineWithOptions(client *redis.Client, opts EngineOptions) Engine {
	return engine.NewRedisEngine(client, opts)
}

// Convenience helpers that just forward to the underlying Engine.

// Enroll enrolls a lead into a campaign and runs the graph synchronously
// until the lead waits on something external.
func Enroll(ctx context.Context, eng Engine, leadID, campaignID string, ev InboundEvent) (*LeadContext, error) {
	return eng.Enroll(ctx, leadID, campaignID, ev)
}

// HandleInbound applies an inbound message to a lead's current node.
func HandleInbound(ctx context.Context, eng Engine, ev InboundEvent) (*LeadContext, error) {
	return eng.HandleInbound(ctx, ev)
}

// GetContext fetches a lead's execution context.
func GetContext(ctx context.Context, eng Engine, leadID string) (*LeadContext, error) {
	return eng.GetContext(ctx, leadID)
}

// ListContexts lists lead contexts according to the given options.
func ListContexts(ctx context.Context, eng Engine, opts ContextListOptions) ([]*LeadContext, error) {
	return eng.ListContexts(ctx, opts)
}
