package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the driver for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay event processing.
type Observer interface {
	// OnEnroll is called once when a lead's context is created.
	OnEnroll(ctx context.Context, lead *LeadContext)

	// OnNodeOutcome is called after each node evaluation with the applied
	// outcome.
	OnNodeOutcome(ctx context.Context, lead *LeadContext, nodeID string, kind NodeKind, outcome Outcome, duration time.Duration)

	// OnEffect is called after each side-effect attempt, successful or not.
	OnEffect(ctx context.Context, lead *LeadContext, effect Effect, err error)

	// OnLeadClosed is called when a lead reaches StatusClosed.
	OnLeadClosed(ctx context.Context, lead *LeadContext)

	// OnEscalated is called when a lead is handed off to a human.
	OnEscalated(ctx context.Context, lead *LeadContext, reason string)

	// OnTransfer is called when a lead is re-enrolled onto another campaign.
	OnTransfer(ctx context.Context, lead *LeadContext, fromCampaign string)

	// OnEventDropped is called for events that are provably stale or aimed
	// at a closed or handed-off lead. Dropping them is the correct,
	// idempotent behavior; the callback exists so nothing disappears
	// silently.
	OnEventDropped(ctx context.Context, leadID string, ev InboundEvent, reason string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnEnroll(ctx context.Context, lead *LeadContext) {}
func (NoopObserver) OnNodeOutcome(ctx context.Context, lead *LeadContext, nodeID string, kind NodeKind, outcome Outcome, d time.Duration) {
}
func (NoopObserver) OnEffect(ctx context.Context, lead *LeadContext, effect Effect, err error) {}
func (NoopObserver) OnLeadClosed(ctx context.Context, lead *LeadContext)                      {}
func (NoopObserver) OnEscalated(ctx context.Context, lead *LeadContext, reason string)        {}
func (NoopObserver) OnTransfer(ctx context.Context, lead *LeadContext, fromCampaign string)   {}
func (NoopObserver) OnEventDropped(ctx context.Context, leadID string, ev InboundEvent, reason string) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnEnroll(ctx context.Context, lead *LeadContext) {
	for _, o := range c.observers {
		o.OnEnroll(ctx, lead)
	}
}

func (c *CompositeObserver) OnNodeOutcome(ctx context.Context, lead *LeadContext, nodeID string, kind NodeKind, outcome Outcome, d time.Duration) {
	for _, o := range c.observers {
		o.OnNodeOutcome(ctx, lead, nodeID, kind, outcome, d)
	}
}

func (c *CompositeObserver) OnEffect(ctx context.Context, lead *LeadContext, effect Effect, err error) {
	for _, o := range c.observers {
		o.OnEffect(ctx, lead, effect, err)
	}
}

func (c *CompositeObserver) OnLeadClosed(ctx context.Context, lead *LeadContext) {
	for _, o := range c.observers {
		o.OnLeadClosed(ctx, lead)
	}
}

func (c *CompositeObserver) OnEscalated(ctx context.Context, lead *LeadContext, reason string) {
	for _, o := range c.observers {
		o.OnEscalated(ctx, lead, reason)
	}
}

func (c *CompositeObserver) OnTransfer(ctx context.Context, lead *LeadContext, fromCampaign string) {
	for _, o := range c.observers {
		o.OnTransfer(ctx, lead, fromCampaign)
	}
}

func (c *CompositeObserver) OnEventDropped(ctx context.Context, leadID string, ev InboundEvent, reason string) {
	for _, o := range c.observers {
		o.OnEventDropped(ctx, leadID, ev, reason)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs lead lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnEnroll(ctx context.Context, lead *LeadContext) {
	o.Logger.InfoContext(ctx, "lead_enrolled",
		slog.String("lead_id", lead.LeadID),
		slog.String("campaign_id", lead.CampaignID),
		slog.Int64("graph_version", lead.GraphVersion),
	)
}

func (o *LoggingObserver) OnNodeOutcome(ctx context.Context, lead *LeadContext, nodeID string, kind NodeKind, outcome Outcome, d time.Duration) {
	o.Logger.DebugContext(ctx, "node_outcome",
		slog.String("lead_id", lead.LeadID),
		slog.String("campaign_id", lead.CampaignID),
		slog.String("node_id", nodeID),
		slog.String("node_kind", string(kind)),
		slog.String("outcome", outcome.String()),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnEffect(ctx context.Context, lead *LeadContext, effect Effect, err error) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "effect",
		slog.String("lead_id", lead.LeadID),
		slog.String("effect", string(effect.Kind)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnLeadClosed(ctx context.Context, lead *LeadContext) {
	o.Logger.InfoContext(ctx, "lead_closed",
		slog.String("lead_id", lead.LeadID),
		slog.String("campaign_id", lead.CampaignID),
		slog.String("final_status", lead.FinalStatus),
	)
}

func (o *LoggingObserver) OnEscalated(ctx context.Context, lead *LeadContext, reason string) {
	o.Logger.InfoContext(ctx, "lead_escalated",
		slog.String("lead_id", lead.LeadID),
		slog.String("campaign_id", lead.CampaignID),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnTransfer(ctx context.Context, lead *LeadContext, fromCampaign string) {
	o.Logger.InfoContext(ctx, "lead_transferred",
		slog.String("lead_id", lead.LeadID),
		slog.String("from_campaign", fromCampaign),
		slog.String("to_campaign", lead.CampaignID),
	)
}

func (o *LoggingObserver) OnEventDropped(ctx context.Context, leadID string, ev InboundEvent, reason string) {
	o.Logger.WarnContext(ctx, "event_dropped",
		slog.String("lead_id", leadID),
		slog.String("event_kind", string(ev.Kind)),
		slog.String("reason", reason),
	)
}

// BasicMetrics collects simple counters and aggregate evaluation durations.
// It implements Observer and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	leadsEnrolled     atomic.Int64
	leadsClosed       atomic.Int64
	leadsEscalated    atomic.Int64
	leadsTransferred  atomic.Int64
	eventsDropped     atomic.Int64
	nodesEvaluated    atomic.Int64
	effectFailures    atomic.Int64
	totalEvalDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	LeadsEnrolled    int64
	LeadsClosed      int64
	LeadsEscalated   int64
	LeadsTransferred int64
	EventsDropped    int64
	NodesEvaluated   int64
	EffectFailures   int64
	AvgEvalDuration  time.Duration
}

func (m *BasicMetrics) OnEnroll(ctx context.Context, lead *LeadContext) {
	m.leadsEnrolled.Add(1)
}

func (m *BasicMetrics) OnNodeOutcome(ctx context.Context, lead *LeadContext, nodeID string, kind NodeKind, outcome Outcome, d time.Duration) {
	m.nodesEvaluated.Add(1)
	m.totalEvalDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnEffect(ctx context.Context, lead *LeadContext, effect Effect, err error) {
	if err != nil {
		m.effectFailures.Add(1)
	}
}

func (m *BasicMetrics) OnLeadClosed(ctx context.Context, lead *LeadContext) {
	m.leadsClosed.Add(1)
}

func (m *BasicMetrics) OnEscalated(ctx context.Context, lead *LeadContext, reason string) {
	m.leadsEscalated.Add(1)
}

func (m *BasicMetrics) OnTransfer(ctx context.Context, lead *LeadContext, fromCampaign string) {
	m.leadsTransferred.Add(1)
}

func (m *BasicMetrics) OnEventDropped(ctx context.Context, leadID string, ev InboundEvent, reason string) {
	m.eventsDropped.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	nodes := m.nodesEvaluated.Load()
	totalNs := m.totalEvalDuration.Load()

	var avg time.Duration
	if nodes > 0 {
		avg = time.Duration(totalNs / nodes)
	}

	return BasicMetricsSnapshot{
		LeadsEnrolled:    m.leadsEnrolled.Load(),
		LeadsClosed:      m.leadsClosed.Load(),
		LeadsEscalated:   m.leadsEscalated.Load(),
		LeadsTransferred: m.leadsTransferred.Load(),
		EventsDropped:    m.eventsDropped.Load(),
		NodesEvaluated:   nodes,
		EffectFailures:   m.effectFailures.Load(),
		AvgEvalDuration:  avg,
	}
}
