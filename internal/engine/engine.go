package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/outflow/internal/persistence"
	"github.com/petrijr/outflow/pkg/api"
)

const (
	defaultLeaseTTL = 30 * time.Second

	// maxChainHops bounds a single synchronous evaluation chain so a
	// mis-authored goto cycle without a wait cannot spin forever.
	maxChainHops = 100
)

// engineImpl is the scheduler/driver: it serializes events per lead behind
// a store lease, dispatches node evaluators, executes their side effects
// with bounded retry, and persists every transition with an
// optimistic-concurrency check.
type engineImpl struct {
	graphs   persistence.GraphStore
	contexts persistence.ContextStore

	observer  api.Observer
	messenger api.Messenger
	decider   api.DecisionService
	webhooks  api.WebhookCaller
	directory api.LeadDirectory
	scheduler api.WakeScheduler

	clock func() time.Time

	randMu sync.Mutex
	randFn func() float64

	effectRetry   api.RetryPolicy
	decisionRetry api.RetryPolicy
	leaseTTL      time.Duration

	guards *guardCache
}

// Config describes how to construct an engineImpl. Only used inside this
// package; external callers use the outflow facade constructors.
type Config struct {
	Persistence persistence.Persistence
	Options     api.EngineOptions
}

// NewEngineWithConfig creates a new Engine using the given configuration.
// Nil collaborators default to no-ops so a graph without agent or webhook
// nodes needs no wiring at all.
func NewEngineWithConfig(cfg Config) api.Engine {
	opts := cfg.Options
	if opts.Observer == nil {
		opts.Observer = api.NoopObserver{}
	}
	if opts.Messenger == nil {
		opts.Messenger = noopMessenger{}
	}
	if opts.Decider == nil {
		opts.Decider = noopDecider{}
	}
	if opts.Webhooks == nil {
		opts.Webhooks = &api.HTTPWebhookCaller{}
	}
	if opts.Directory == nil {
		opts.Directory = noopDirectory{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Rand == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		opts.Rand = rng.Float64
	}
	if opts.EffectRetry.MaxAttempts == 0 {
		opts.EffectRetry = api.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		}
	}
	if opts.DecisionRetry.MaxAttempts == 0 {
		opts.DecisionRetry = api.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		}
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}

	return &engineImpl{
		graphs:        cfg.Persistence.Graphs,
		contexts:      cfg.Persistence.Contexts,
		observer:      opts.Observer,
		messenger:     opts.Messenger,
		decider:       opts.Decider,
		webhooks:      opts.Webhooks,
		directory:     opts.Directory,
		scheduler:     opts.Scheduler,
		clock:         opts.Clock,
		randFn:        opts.Rand,
		effectRetry:   opts.EffectRetry,
		decisionRetry: opts.DecisionRetry,
		leaseTTL:      opts.LeaseTTL,
		guards:        newGuardCache(),
	}
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(opts api.EngineOptions) api.Engine {
	mem := persistence.NewInMemoryStore()
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Graphs: mem, Contexts: mem},
		Options:     opts,
	})
}

// NewSQLiteEngine returns an Engine that persists graphs and contexts in a
// SQLite database.
func NewSQLiteEngine(db *sql.DB, opts api.EngineOptions) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Graphs: store, Contexts: store},
		Options:     opts,
	}), nil
}

// NewRedisEngine returns an Engine that persists graphs and contexts in
// Redis.
func NewRedisEngine(client *redis.Client, opts api.EngineOptions) api.Engine {
	store := persistence.NewRedisStore(client, "outflow:")
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Graphs: store, Contexts: store},
		Options:     opts,
	})
}

func (e *engineImpl) draw() float64 {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return e.randFn()
}

func (e *engineImpl) PublishGraph(ctx context.Context, g *api.FlowGraph) (int64, error) {
	if err := g.Validate(); err != nil {
		return 0, err
	}
	return e.graphs.PublishGraph(g)
}

func (e *engineImpl) Enroll(ctx context.Context, leadID, campaignID string, ev api.InboundEvent) (*api.LeadContext, error) {
	if leadID == "" || campaignID == "" {
		return nil, errors.New("lead id and campaign id are required")
	}

	version, err := e.graphs.LatestVersion(campaignID)
	if err != nil {
		if errors.Is(err, persistence.ErrGraphNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrCampaignNotFound, campaignID)
		}
		return nil, err
	}
	g, err := e.graphs.GetGraph(campaignID, version)
	if err != nil {
		return nil, err
	}

	if existing, err := e.contexts.GetContext(leadID); err == nil && !existing.Closed() {
		return existing, api.ErrAlreadyEnrolled
	} else if err != nil && !errors.Is(err, persistence.ErrContextNotFound) {
		return nil, err
	}

	ev.Kind = api.EventEnroll
	ev.LeadID = leadID
	ev.CampaignID = campaignID
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = e.clock()
	}

	entry := g.Entry()
	if ok, err := e.triggerMatches(entry.Trigger, &ev); err != nil {
		return nil, err
	} else if !ok {
		return nil, api.ErrTriggerRejected
	}

	lc := &api.LeadContext{
		LeadID:        leadID,
		CampaignID:    campaignID,
		GraphVersion:  version,
		CurrentNodeID: entry.ID,
		Status:        api.StatusRunning,
		Variables:     make(map[string]any),
		EnrolledAt:    e.clock(),
	}
	if err := e.contexts.SaveContext(lc); err != nil {
		if errors.Is(err, persistence.ErrContextLive) {
			// A concurrent enrollment created the context between the check
			// above and this save; the store rejected the reset.
			if existing, gerr := e.contexts.GetContext(leadID); gerr == nil {
				return existing, api.ErrAlreadyEnrolled
			}
			return nil, api.ErrAlreadyEnrolled
		}
		return nil, err
	}
	e.observer.OnEnroll(ctx, lc)

	return e.process(ctx, leadID, ev)
}

func (e *engineImpl) HandleInbound(ctx context.Context, ev api.InboundEvent) (*api.LeadContext, error) {
	if ev.LeadID == "" {
		return nil, errors.New("event has no lead id")
	}
	if ev.Kind == "" {
		ev.Kind = api.EventMessage
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = e.clock()
	}
	return e.process(ctx, ev.LeadID, ev)
}

func (e *engineImpl) FireTimer(ctx context.Context, leadID string, generation int64) (*api.LeadContext, error) {
	return e.process(ctx, leadID, api.InboundEvent{
		Kind:       api.EventTimer,
		LeadID:     leadID,
		Generation: generation,
		ReceivedAt: e.clock(),
	})
}

func (e *engineImpl) ForceAdvance(ctx context.Context, leadID string) (*api.LeadContext, error) {
	return e.process(ctx, leadID, api.InboundEvent{
		Kind:       api.EventCommand,
		Command:    api.CommandForceAdvance,
		LeadID:     leadID,
		ReceivedAt: e.clock(),
	})
}

func (e *engineImpl) ReturnFromHandoff(ctx context.Context, leadID string) (*api.LeadContext, error) {
	return e.process(ctx, leadID, api.InboundEvent{
		Kind:       api.EventCommand,
		Command:    api.CommandReturnFromHandoff,
		LeadID:     leadID,
		ReceivedAt: e.clock(),
	})
}

func (e *engineImpl) GetContext(ctx context.Context, leadID string) (*api.LeadContext, error) {
	lc, err := e.contexts.GetContext(leadID)
	if err != nil {
		if errors.Is(err, persistence.ErrContextNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrLeadNotFound, leadID)
		}
		return nil, err
	}
	return lc, nil
}

func (e *engineImpl) ListContexts(ctx context.Context, opts api.ContextListOptions) ([]*api.LeadContext, error) {
	return e.contexts.ListContexts(opts)
}

// process applies one event to one lead under the per-lead exclusivity
// lease. An optimistic-save conflict causes an immediate reload-and-
// reapply; further conflicts are treated like a transient side-effect
// failure with backed-off retries, and on exhaustion the lead is handed
// to a human rather than the event being lost.
func (e *engineImpl) process(ctx context.Context, leadID string, ev api.InboundEvent) (*api.LeadContext, error) {
	owner := uuid.NewString()
	acquired, err := e.contexts.TryAcquireLease(ctx, leadID, owner, e.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		// Stores that keep the lease on the context row report a missing
		// lead the same way as a held lease; disambiguate before failing.
		if _, err := e.contexts.GetContext(leadID); errors.Is(err, persistence.ErrContextNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrLeadNotFound, leadID)
		}
		return nil, api.ErrLeadBusy
	}
	defer func() {
		_ = e.contexts.ReleaseLease(context.WithoutCancel(ctx), leadID, owner)
	}()

	// Attempt 0 is the initial apply, attempt 1 the immediate reapply;
	// everything after that follows the side-effect retry policy.
	attempts := 1 + e.effectRetry.Attempts()
	for attempt := 0; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, e.effectRetry.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}

		lc, err := e.contexts.GetContext(leadID)
		if err != nil {
			if errors.Is(err, persistence.ErrContextNotFound) {
				return nil, fmt.Errorf("%w: %s", api.ErrLeadNotFound, leadID)
			}
			return nil, err
		}

		if dropped, reason := e.shouldDrop(lc, ev); dropped {
			e.observer.OnEventDropped(ctx, leadID, ev, reason)
			return lc, nil
		}

		if ev.Kind == api.EventCommand && ev.Command == api.CommandReturnFromHandoff {
			return e.applyReturnFromHandoff(ctx, lc)
		}

		g, err := e.graphs.GetGraph(lc.CampaignID, lc.GraphVersion)
		if err != nil {
			return nil, err
		}

		lc, err = e.runChain(ctx, g, lc, ev)
		if errors.Is(err, persistence.ErrVersionConflict) {
			continue
		}
		if errors.Is(err, errTriggerRejected) {
			return nil, api.ErrTriggerRejected
		}
		return lc, err
	}
	return e.escalateAfterConflicts(ctx, leadID)
}

// escalateAfterConflicts hands a lead to a human after the conflict retry
// budget is spent. The event is not reapplied; a persistent revision storm
// means another writer keeps winning and only an operator can untangle it.
func (e *engineImpl) escalateAfterConflicts(ctx context.Context, leadID string) (*api.LeadContext, error) {
	lc, err := e.contexts.GetContext(leadID)
	if err != nil {
		if errors.Is(err, persistence.ErrContextNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrLeadNotFound, leadID)
		}
		return nil, err
	}
	if lc.Closed() || lc.Status == api.StatusHandedOff {
		// The winning writer already parked the lead; nothing to rescue.
		return lc, nil
	}
	g, err := e.graphs.GetGraph(lc.CampaignID, lc.GraphVersion)
	if err != nil {
		return nil, err
	}

	outcome := api.EscalateHuman("automation failure")
	if _, _, err := e.apply(ctx, g, lc, g.Node(lc.CurrentNodeID), outcome); err != nil {
		return nil, fmt.Errorf("event for lead %s: %w", leadID, err)
	}
	return lc, nil
}

// shouldDrop implements the idempotent no-op paths: closed leads accept
// nothing, handed-off leads accept only the return command, and a timer
// fire against a superseded generation is provably stale.
func (e *engineImpl) shouldDrop(lc *api.LeadContext, ev api.InboundEvent) (bool, string) {
	if lc.Closed() {
		return true, "lead is closed"
	}
	if lc.Status == api.StatusHandedOff {
		if ev.Kind == api.EventCommand && ev.Command == api.CommandReturnFromHandoff {
			return false, ""
		}
		return true, "lead is handed off"
	}
	if ev.Kind == api.EventTimer {
		if lc.Status != api.StatusWaitingTimer || ev.Generation != lc.Generation {
			return true, "stale timer"
		}
	}
	if ev.Kind == api.EventCommand && ev.Command == api.CommandReturnFromHandoff {
		return true, "lead is not handed off"
	}
	return false, ""
}

func (e *engineImpl) applyReturnFromHandoff(ctx context.Context, lc *api.LeadContext) (*api.LeadContext, error) {
	lc.Status = api.StatusWaitingReply
	lc.Generation++
	lc.AppendHistory(api.HistoryEntry{
		NodeID:    lc.CurrentNodeID,
		EnteredAt: e.clock(),
		Outcome:   "returned_from_handoff",
	})
	if err := e.contexts.UpdateContext(lc); err != nil {
		return nil, err
	}
	return lc, nil
}

// runChain resolves the lead synchronously until an outcome requires
// external input (wait, terminate, escalate-to-human). Chains of
// immediately resolvable nodes (action -> goto -> logic) are applied inside
// the same lease hold so concurrent events never observe a half-applied
// multi-hop transition.
func (e *engineImpl) runChain(ctx context.Context, g *api.FlowGraph, lc *api.LeadContext, ev api.InboundEvent) (*api.LeadContext, error) {
	forced := ev.Kind == api.EventCommand && ev.Command == api.CommandForceAdvance

	for hop := 0; hop < maxChainHops; hop++ {
		node := g.Node(lc.CurrentNodeID)
		if node == nil {
			return nil, fmt.Errorf("lead %s: current node %q not in graph %s@%d",
				lc.LeadID, lc.CurrentNodeID, lc.CampaignID, lc.GraphVersion)
		}

		var outcome api.Outcome
		var err error
		start := e.clock()

		if forced {
			// Manual override: skip the evaluator and take the default edge.
			forced = false
			target, ok := g.Out(node.ID, api.PortDefault)
			if !ok {
				e.observer.OnEventDropped(ctx, lc.LeadID, ev, "no default edge to force")
				return lc, nil
			}
			outcome = api.Advance(target, api.PortDefault)
		} else {
			outcome, err = e.evaluate(ctx, g, node, lc, &ev)
			if err != nil {
				return nil, err
			}
		}

		if err := e.runEffects(ctx, lc, outcome.Effects); err != nil {
			// Retries are exhausted; never lose the lead, hand it over.
			outcome = api.EscalateHuman("automation failure")
		}

		e.observer.OnNodeOutcome(ctx, lc, node.ID, node.Kind, outcome, e.clock().Sub(start))

		done, next, err := e.apply(ctx, g, lc, node, outcome)
		if err != nil {
			return nil, err
		}
		if done {
			return lc, nil
		}
		if next != nil {
			g = next
		}
	}

	// The graph loops without ever waiting; refuse to spin.
	outcome := api.EscalateHuman("automation failure: evaluation chain limit reached")
	if _, _, err := e.apply(ctx, g, lc, g.Node(lc.CurrentNodeID), outcome); err != nil {
		return nil, err
	}
	return lc, nil
}

// apply mutates the context per the outcome and persists it. It returns
// done=false when the chain should continue on the (possibly new) graph.
func (e *engineImpl) apply(ctx context.Context, g *api.FlowGraph, lc *api.LeadContext, node *api.NodeSpec, outcome api.Outcome) (done bool, next *api.FlowGraph, err error) {
	now := e.clock()
	lc.AppendHistory(api.HistoryEntry{
		NodeID:    node.ID,
		EnteredAt: now,
		Outcome:   outcome.String(),
		Note:      outcome.Reason,
	})
	// Every applied transition supersedes whatever timer was outstanding.
	lc.Generation++
	lc.PendingWakeAt = nil

	switch outcome.Kind {
	case api.OutcomeAdvance:
		lc.CurrentNodeID = outcome.Target
		lc.Status = api.StatusRunning
		if err := e.contexts.UpdateContext(lc); err != nil {
			return false, nil, err
		}
		return false, nil, nil

	case api.OutcomeWait:
		if outcome.WakeAt != nil {
			lc.Status = api.StatusWaitingTimer
			lc.PendingWakeAt = outcome.WakeAt
		} else {
			lc.Status = api.StatusWaitingReply
		}
		if err := e.contexts.UpdateContext(lc); err != nil {
			return false, nil, err
		}
		if outcome.WakeAt != nil && e.scheduler != nil {
			if err := e.scheduler.ScheduleWake(ctx, lc.LeadID, *outcome.WakeAt, lc.Generation); err != nil {
				return false, nil, err
			}
		}
		return true, nil, nil

	case api.OutcomeTerminate:
		lc.Status = api.StatusClosed
		lc.FinalStatus = outcome.FinalStatus
		if outcome.ClearVariables {
			// Same atomic update as the status change; no crash window with
			// half-cleared state.
			lc.Variables = make(map[string]any)
		}
		if err := e.contexts.UpdateContext(lc); err != nil {
			return false, nil, err
		}
		e.observer.OnLeadClosed(ctx, lc)
		return true, nil, nil

	case api.OutcomeEscalate:
		if outcome.ToHuman {
			lc.Status = api.StatusHandedOff
			if err := e.contexts.UpdateContext(lc); err != nil {
				return false, nil, err
			}
			e.observer.OnEscalated(ctx, lc, outcome.Reason)
			return true, nil, nil
		}
		// Escalation to a campaign re-enrolls like a transfer.
		return e.applyTransfer(ctx, lc, outcome)

	case api.OutcomeTransfer:
		return e.applyTransfer(ctx, lc, outcome)
	}

	return false, nil, fmt.Errorf("unknown outcome kind %q", outcome.Kind)
}

// applyTransfer re-enrolls the lead on the target campaign's current graph
// version. Variables carry over; the trigger filter is bypassed because the
// lead is already qualified. The chain continues past the new entry node.
func (e *engineImpl) applyTransfer(ctx context.Context, lc *api.LeadContext, outcome api.Outcome) (bool, *api.FlowGraph, error) {
	from := lc.CampaignID

	version, err := e.graphs.LatestVersion(outcome.CampaignID)
	if err != nil {
		if errors.Is(err, persistence.ErrGraphNotFound) {
			return false, nil, fmt.Errorf("%w: %s", api.ErrCampaignNotFound, outcome.CampaignID)
		}
		return false, nil, err
	}
	g, err := e.graphs.GetGraph(outcome.CampaignID, version)
	if err != nil {
		return false, nil, err
	}

	entry := g.Entry()
	target, ok := g.Out(entry.ID, api.PortDefault)
	if !ok {
		return false, nil, fmt.Errorf("campaign %s: trigger has no default edge", outcome.CampaignID)
	}

	lc.CampaignID = outcome.CampaignID
	lc.GraphVersion = version
	lc.CurrentNodeID = target
	lc.Status = api.StatusRunning
	if err := e.contexts.UpdateContext(lc); err != nil {
		return false, nil, err
	}
	e.observer.OnTransfer(ctx, lc, from)
	return false, g, nil
}

// runEffects executes side effects in order with bounded retry. A nil
// return means every effect succeeded; the chain only advances then, which
// matches the "retried without re-advancing" action contract.
func (e *engineImpl) runEffects(ctx context.Context, lc *api.LeadContext, effects []api.Effect) error {
	for _, effect := range effects {
		var lastErr error
		attempts := e.effectRetry.Attempts()
		for attempt := 1; attempt <= attempts; attempt++ {
			lastErr = e.runEffect(ctx, lc, effect)
			e.observer.OnEffect(ctx, lc, effect, lastErr)
			if lastErr == nil {
				break
			}
			if attempt == attempts {
				return fmt.Errorf("effect %s for lead %s: %w", effect.Kind, lc.LeadID, lastErr)
			}
			if err := sleep(ctx, e.effectRetry.Delay(attempt)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *engineImpl) runEffect(ctx context.Context, lc *api.LeadContext, effect api.Effect) error {
	switch effect.Kind {
	case api.EffectSendMessage:
		return e.messenger.Send(ctx, lc.LeadID, effect.Channel, effect.Text)
	case api.EffectAddTag:
		return e.directory.AddTag(ctx, lc.LeadID, effect.Tag)
	case api.EffectRemoveTag:
		return e.directory.RemoveTag(ctx, lc.LeadID, effect.Tag)
	case api.EffectSetLeadStatus:
		return e.directory.SetStatus(ctx, lc.LeadID, effect.LeadStatus)
	case api.EffectWebhook:
		return e.webhooks.Post(ctx, effect.URL, api.LeadSnapshot{
			LeadID:     lc.LeadID,
			CampaignID: lc.CampaignID,
			NodeID:     lc.CurrentNodeID,
			Variables:  lc.Variables,
		})
	case api.EffectSummarize:
		summary, err := e.decider.Summarize(ctx, lc.LeadID, lc.History)
		if err != nil {
			return err
		}
		lc.SetVar("handoff_summary", summary)
		return nil
	}
	return fmt.Errorf("unknown effect kind %q", effect.Kind)
}

// Noop collaborators used when no real implementation is wired.

type noopMessenger struct{}

func (noopMessenger) Send(ctx context.Context, leadID, channel, text string) error { return nil }

type noopDecider struct{}

func (noopDecider) Decide(ctx context.Context, req api.DecisionRequest) (api.DecisionResponse, error) {
	return api.DecisionResponse{}, errors.New("no decision service configured")
}

func (noopDecider) Summarize(ctx context.Context, leadID string, history []api.HistoryEntry) (string, error) {
	return "", nil
}

type noopDirectory struct{}

func (noopDirectory) AddTag(ctx context.Context, leadID, tag string) error       { return nil }
func (noopDirectory) RemoveTag(ctx context.Context, leadID, tag string) error    { return nil }
func (noopDirectory) SetStatus(ctx context.Context, leadID, status string) error { return nil }
