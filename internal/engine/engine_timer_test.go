package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/outflow/pkg/api"
)

func delayGraph(campaignID string) *api.FlowGraph {
	g := messageFlowGraph(campaignID)
	g.Nodes["wait"] = &api.NodeSpec{ID: "wait", Kind: api.KindDelay, Delay: &api.DelayConfig{Value: 2, Unit: "h"}}
	g.Edges = []api.Edge{
		{Source: "entry", Port: api.PortDefault, Target: "wait"},
		{Source: "wait", Port: api.PortDefault, Target: "greet"},
		{Source: "greet", Port: api.PortDefault, Target: "done"},
	}
	return g
}

func TestDelayParksLeadAndArmsTimer(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	scheduler := &fakeScheduler{}
	eng := newTestEngine(api.EngineOptions{
		Scheduler: scheduler,
		Clock:     func() time.Time { return now },
	})
	mustPublish(t, eng, delayGraph("camp-1"))

	lc, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "hi"))
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	if lc.Status != api.StatusWaitingTimer || lc.CurrentNodeID != "wait" {
		t.Fatalf("expected parked on wait, got %s at %s", lc.Status, lc.CurrentNodeID)
	}
	if lc.PendingWakeAt == nil || !lc.PendingWakeAt.Equal(now.Add(2*time.Hour)) {
		t.Fatalf("unexpected wake time: %v", lc.PendingWakeAt)
	}

	wake, ok := scheduler.last()
	if !ok {
		t.Fatalf("no wake scheduled")
	}
	if wake.LeadID != "lead-1" || !wake.At.Equal(now.Add(2*time.Hour)) {
		t.Fatalf("unexpected wake: %+v", wake)
	}
	if wake.Generation != lc.Generation {
		t.Fatalf("wake generation %d does not match context generation %d", wake.Generation, lc.Generation)
	}
}

func TestTimerFireAdvancesParkedLead(t *testing.T) {
	ctx := context.Background()
	scheduler := &fakeScheduler{}
	messenger := &fakeMessenger{}
	eng := newTestEngine(api.EngineOptions{Scheduler: scheduler, Messenger: messenger})
	mustPublish(t, eng, delayGraph("camp-1"))

	if _, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "hi")); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	wake, _ := scheduler.last()

	lc, err := eng.FireTimer(ctx, "lead-1", wake.Generation)
	if err != nil {
		t.Fatalf("FireTimer: %v", err)
	}
	if lc.Status != api.StatusClosed {
		t.Fatalf("expected timer to run the rest of the chain, got %s at %s", lc.Status, lc.CurrentNodeID)
	}
	if len(messenger.messages()) != 1 {
		t.Fatalf("expected greeting after the wait, got %d messages", len(messenger.messages()))
	}
}

func TestStaleTimerIsDroppedWithoutChanges(t *testing.T) {
	ctx := context.Background()
	scheduler := &fakeScheduler{}
	eng := newTestEngine(api.EngineOptions{Scheduler: scheduler})
	mustPublish(t, eng, delayGraph("camp-1"))

	parked, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "hi"))
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	lc, err := eng.FireTimer(ctx, "lead-1", parked.Generation-1)
	if err != nil {
		t.Fatalf("FireTimer stale: %v", err)
	}
	if lc.Status != api.StatusWaitingTimer || lc.CurrentNodeID != "wait" {
		t.Fatalf("stale timer mutated the lead: %s at %s", lc.Status, lc.CurrentNodeID)
	}
	if lc.Generation != parked.Generation {
		t.Fatalf("stale timer bumped the generation: %d -> %d", parked.Generation, lc.Generation)
	}
}

func TestInboundMessagePreemptsDelay(t *testing.T) {
	ctx := context.Background()
	scheduler := &fakeScheduler{}
	eng := newTestEngine(api.EngineOptions{Scheduler: scheduler})
	mustPublish(t, eng, delayGraph("camp-1"))

	parked, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "hi"))
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	armedGeneration := parked.Generation

	// The lead replies while the timer is pending; the reply wins.
	lc, err := eng.HandleInbound(ctx, api.Message("lead-1", "whatsapp", "any news?"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if lc.Status != api.StatusClosed {
		t.Fatalf("expected the reply to advance past the delay, got %s", lc.Status)
	}

	// The armed timer is now provably stale.
	after, err := eng.FireTimer(ctx, "lead-1", armedGeneration)
	if err != nil {
		t.Fatalf("FireTimer after preemption: %v", err)
	}
	if after.Status != api.StatusClosed || after.FinalStatus != api.FinalCompleted {
		t.Fatalf("stale timer changed a closed lead: %+v", after)
	}
}

func TestTimerForUnknownLead(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(api.EngineOptions{})
	mustPublish(t, eng, delayGraph("camp-1"))

	if _, err := eng.FireTimer(ctx, "ghost", 1); !errors.Is(err, api.ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound, got %v", err)
	}
}
