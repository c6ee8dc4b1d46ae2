package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/outflow/pkg/api"
)

// Test collaborators.

type sentMessage struct {
	LeadID  string
	Channel string
	Text    string
}

type fakeMessenger struct {
	mu       sync.Mutex
	sent     []sentMessage
	failures int // fail this many calls before succeeding
}

func (m *fakeMessenger) Send(ctx context.Context, leadID, channel, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("delivery failed")
	}
	m.sent = append(m.sent, sentMessage{LeadID: leadID, Channel: channel, Text: text})
	return nil
}

func (m *fakeMessenger) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

type fakeDirectory struct {
	mu       sync.Mutex
	tags     map[string][]string
	statuses map[string]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		tags:     make(map[string][]string),
		statuses: make(map[string]string),
	}
}

func (d *fakeDirectory) AddTag(ctx context.Context, leadID, tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tags[leadID] = append(d.tags[leadID], tag)
	return nil
}

func (d *fakeDirectory) RemoveTag(ctx context.Context, leadID, tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.tags[leadID][:0]
	for _, t := range d.tags[leadID] {
		if t != tag {
			kept = append(kept, t)
		}
	}
	d.tags[leadID] = kept
	return nil
}

func (d *fakeDirectory) SetStatus(ctx context.Context, leadID, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses[leadID] = status
	return nil
}

func (d *fakeDirectory) tagCount(tag string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, tags := range d.tags {
		for _, t := range tags {
			if t == tag {
				n++
			}
		}
	}
	return n
}

type fakeDecider struct {
	mu      sync.Mutex
	decide  func(req api.DecisionRequest) (api.DecisionResponse, error)
	calls   int
	summary string
}

func (d *fakeDecider) Decide(ctx context.Context, req api.DecisionRequest) (api.DecisionResponse, error) {
	d.mu.Lock()
	d.calls++
	fn := d.decide
	d.mu.Unlock()
	if fn == nil {
		return api.DecisionResponse{}, errors.New("no decide func")
	}
	return fn(req)
}

func (d *fakeDecider) Summarize(ctx context.Context, leadID string, history []api.HistoryEntry) (string, error) {
	if d.summary == "" {
		return fmt.Sprintf("%d steps", len(history)), nil
	}
	return d.summary, nil
}

type scheduledWake struct {
	LeadID     string
	At         time.Time
	Generation int64
}

type fakeScheduler struct {
	mu    sync.Mutex
	wakes []scheduledWake
}

func (s *fakeScheduler) ScheduleWake(ctx context.Context, leadID string, at time.Time, generation int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakes = append(s.wakes, scheduledWake{LeadID: leadID, At: at, Generation: generation})
	return nil
}

func (s *fakeScheduler) last() (scheduledWake, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.wakes) == 0 {
		return scheduledWake{}, false
	}
	return s.wakes[len(s.wakes)-1], true
}

// immediate retries keep failure-path tests fast.
var immediateRetry = api.RetryPolicy{MaxAttempts: 3}

func newTestEngine(opts api.EngineOptions) api.Engine {
	if opts.EffectRetry.MaxAttempts == 0 {
		opts.EffectRetry = immediateRetry
	}
	if opts.DecisionRetry.MaxAttempts == 0 {
		opts.DecisionRetry = immediateRetry
	}
	return NewInMemoryEngine(opts)
}

// messageFlowGraph is the bread-and-butter campaign shape: enroll, greet,
// close.
func messageFlowGraph(campaignID string) *api.FlowGraph {
	return &api.FlowGraph{
		CampaignID: campaignID,
		Nodes: map[string]*api.NodeSpec{
			"entry": {ID: "entry", Kind: api.KindTrigger, Trigger: &api.TriggerConfig{}},
			"greet": {ID: "greet", Kind: api.KindAction, Action: &api.ActionConfig{
				Op: api.ActionSendMessage, Template: "Hi ${first_name}!", Channel: "whatsapp",
			}},
			"done": {ID: "done", Kind: api.KindClosing, Closing: &api.ClosingConfig{FinalStatus: api.FinalCompleted}},
		},
		Edges: []api.Edge{
			{Source: "entry", Port: api.PortDefault, Target: "greet"},
			{Source: "greet", Port: api.PortDefault, Target: "done"},
		},
	}
}

func mustPublish(t *testing.T, eng api.Engine, g *api.FlowGraph) {
	t.Helper()
	if _, err := eng.PublishGraph(context.Background(), g); err != nil {
		t.Fatalf("PublishGraph: %v", err)
	}
}

func TestEnrollRunsChainToClose(t *testing.T) {
	ctx := context.Background()
	messenger := &fakeMessenger{}
	eng := newTestEngine(api.EngineOptions{Messenger: messenger})
	mustPublish(t, eng, messageFlowGraph("camp-1"))

	lc, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "hi"))
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	if lc.Status != api.StatusClosed {
		t.Fatalf("expected closed, got %s", lc.Status)
	}
	if lc.FinalStatus != api.FinalCompleted {
		t.Fatalf("expected final status completed, got %s", lc.FinalStatus)
	}
	if lc.CurrentNodeID != "done" {
		t.Fatalf("expected current node done, got %s", lc.CurrentNodeID)
	}

	// trigger -> greet -> done, all inside one call.
	if len(lc.History) != 3 {
		t.Fatalf("expected 3 history entries, got %d: %+v", len(lc.History), lc.History)
	}
	if lc.History[0].NodeID != "entry" || lc.History[2].NodeID != "done" {
		t.Fatalf("unexpected history order: %+v", lc.History)
	}

	msgs := messenger.messages()
	if len(msgs) != 1 || msgs[0].Channel != "whatsapp" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	// Missing variables expand to the empty string.
	if msgs[0].Text != "Hi !" {
		t.Fatalf("unexpected rendered template: %q", msgs[0].Text)
	}
}

func TestEnrollTriggerFilter(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(api.EngineOptions{})

	g := messageFlowGraph("camp-1")
	g.Nodes["entry"].Trigger = &api.TriggerConfig{
		Channels: []string{"whatsapp"},
		Guard:    `text contains "demo"`,
	}
	mustPublish(t, eng, g)

	if _, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "email", "book a demo")); !errors.Is(err, api.ErrTriggerRejected) {
		t.Fatalf("expected ErrTriggerRejected for wrong channel, got %v", err)
	}
	if _, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "hello")); !errors.Is(err, api.ErrTriggerRejected) {
		t.Fatalf("expected ErrTriggerRejected for guard miss, got %v", err)
	}

	lc, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "book a demo"))
	if err != nil {
		t.Fatalf("Enroll with matching event: %v", err)
	}
	if lc.Status != api.StatusClosed {
		t.Fatalf("expected closed, got %s", lc.Status)
	}
}

func TestEnrollRejectsDuplicatesAndUnknownCampaign(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(api.EngineOptions{})

	if _, err := eng.Enroll(ctx, "lead-1", "ghost", api.Message("lead-1", "whatsapp", "hi")); !errors.Is(err, api.ErrCampaignNotFound) {
		t.Fatalf("expected ErrCampaignNotFound, got %v", err)
	}

	// A graph that waits keeps the lead live, so a second enroll collides.
	g := messageFlowGraph("camp-1")
	g.Nodes["wait"] = &api.NodeSpec{ID: "wait", Kind: api.KindDelay, Delay: &api.DelayConfig{Value: 1, Unit: "h"}}
	g.Edges = []api.Edge{
		{Source: "entry", Port: api.PortDefault, Target: "wait"},
		{Source: "wait", Port: api.PortDefault, Target: "greet"},
		{Source: "greet", Port: api.PortDefault, Target: "done"},
	}
	mustPublish(t, eng, g)

	if _, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "hi")); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if _, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "hi")); !errors.Is(err, api.ErrAlreadyEnrolled) {
		t.Fatalf("expected ErrAlreadyEnrolled, got %v", err)
	}
}

func TestReEnrollAfterClose(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(api.EngineOptions{})
	mustPublish(t, eng, messageFlowGraph("camp-1"))

	first, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "hi"))
	if err != nil || first.Status != api.StatusClosed {
		t.Fatalf("first enrollment: %+v, %v", first, err)
	}

	second, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "hi again"))
	if err != nil {
		t.Fatalf("re-enroll after close: %v", err)
	}
	if second.Status != api.StatusClosed || len(second.History) != 3 {
		t.Fatalf("re-enrollment did not start fresh: %+v", second)
	}
}

func TestGetAndListContexts(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(api.EngineOptions{})
	mustPublish(t, eng, messageFlowGraph("camp-1"))

	if _, err := eng.GetContext(ctx, "ghost"); !errors.Is(err, api.ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound, got %v", err)
	}

	for _, lead := range []string{"lead-1", "lead-2"} {
		if _, err := eng.Enroll(ctx, lead, "camp-1", api.Message(lead, "whatsapp", "hi")); err != nil {
			t.Fatalf("Enroll %s: %v", lead, err)
		}
	}

	got, err := eng.GetContext(ctx, "lead-1")
	if err != nil || got.LeadID != "lead-1" {
		t.Fatalf("GetContext: %+v, %v", got, err)
	}

	closed, err := eng.ListContexts(ctx, api.ContextListOptions{Status: api.StatusClosed})
	if err != nil || len(closed) != 2 {
		t.Fatalf("ListContexts closed = %d, %v", len(closed), err)
	}
}

func TestChainHopLimitEscalates(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(api.EngineOptions{})

	// a goto cycle with no wait in it
	g := &api.FlowGraph{
		CampaignID: "camp-1",
		Nodes: map[string]*api.NodeSpec{
			"entry": {ID: "entry", Kind: api.KindTrigger, Trigger: &api.TriggerConfig{}},
			"a":     {ID: "a", Kind: api.KindGoto, Goto: &api.GotoConfig{Target: "b"}},
			"b":     {ID: "b", Kind: api.KindGoto, Goto: &api.GotoConfig{Target: "a"}},
		},
		Edges: []api.Edge{{Source: "entry", Port: api.PortDefault, Target: "a"}},
	}
	mustPublish(t, eng, g)

	lc, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "hi"))
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if lc.Status != api.StatusHandedOff {
		t.Fatalf("expected escalation to a human, got %s", lc.Status)
	}
}
