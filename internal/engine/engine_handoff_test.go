package engine

import (
	"context"
	"testing"

	"github.com/petrijr/outflow/pkg/api"
)

func handoffGraph(campaignID string, cfg *api.HandoffConfig) *api.FlowGraph {
	return &api.FlowGraph{
		CampaignID: campaignID,
		Nodes: map[string]*api.NodeSpec{
			"entry": {ID: "entry", Kind: api.KindTrigger, Trigger: &api.TriggerConfig{}},
			"human": {ID: "human", Kind: api.KindHandoff, Handoff: cfg},
			"done":  {ID: "done", Kind: api.KindClosing, Closing: &api.ClosingConfig{FinalStatus: api.FinalCompleted}},
		},
		Edges: []api.Edge{
			{Source: "entry", Port: api.PortDefault, Target: "human"},
			{Source: "human", Port: api.PortDefault, Target: "done"},
		},
	}
}

func TestHandoffParksLeadWithHuman(t *testing.T) {
	ctx := context.Background()
	metrics := &api.BasicMetrics{}
	eng := newTestEngine(api.EngineOptions{Observer: metrics})
	mustPublish(t, eng, handoffGraph("camp-1", &api.HandoffConfig{Reason: "pricing question"}))

	lc, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "how much?"))
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if lc.Status != api.StatusHandedOff {
		t.Fatalf("expected handed_off, got %s", lc.Status)
	}
	if lc.CurrentNodeID != "human" {
		t.Fatalf("lead should stay on the handoff node, got %s", lc.CurrentNodeID)
	}
	if got := metrics.Snapshot().LeadsEscalated; got != 1 {
		t.Fatalf("LeadsEscalated = %d, want 1", got)
	}

	// While handed off, automation ignores the lead entirely.
	gen := lc.Generation
	lc, err = eng.HandleInbound(ctx, api.Message("lead-1", "whatsapp", "still there?"))
	if err != nil {
		t.Fatalf("HandleInbound while handed off: %v", err)
	}
	if lc.Status != api.StatusHandedOff || lc.Generation != gen {
		t.Fatalf("message mutated a handed-off lead: %+v", lc)
	}
	if got := metrics.Snapshot().EventsDropped; got != 1 {
		t.Fatalf("EventsDropped = %d, want 1", got)
	}
}

func TestHandoffGeneratesSummary(t *testing.T) {
	ctx := context.Background()
	decider := &fakeDecider{summary: "lead asked about enterprise pricing"}
	eng := newTestEngine(api.EngineOptions{Decider: decider})
	mustPublish(t, eng, handoffGraph("camp-1", &api.HandoffConfig{GenerateSummary: true}))

	lc, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "pricing?"))
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if v, _ := lc.Var("handoff_summary"); v != "lead asked about enterprise pricing" {
		t.Fatalf("handoff_summary = %v", v)
	}
}

func TestReturnFromHandoffResumesLead(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(api.EngineOptions{})
	mustPublish(t, eng, handoffGraph("camp-1", &api.HandoffConfig{}))

	lc, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "hi"))
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	gen := lc.Generation

	lc, err = eng.ReturnFromHandoff(ctx, "lead-1")
	if err != nil {
		t.Fatalf("ReturnFromHandoff: %v", err)
	}
	if lc.Status != api.StatusWaitingReply {
		t.Fatalf("expected waiting_reply after return, got %s", lc.Status)
	}
	if lc.Generation != gen+1 {
		t.Fatalf("return must bump the generation: %d -> %d", gen, lc.Generation)
	}
	last := lc.History[len(lc.History)-1]
	if last.Outcome != "returned_from_handoff" {
		t.Fatalf("unexpected history tail: %+v", last)
	}

	// The resumed lead leaves the handoff node through its default edge on
	// the next message and the chain runs to close.
	lc, err = eng.HandleInbound(ctx, api.Message("lead-1", "whatsapp", "back"))
	if err != nil {
		t.Fatalf("HandleInbound after return: %v", err)
	}
	if lc.Status != api.StatusClosed || lc.FinalStatus != api.FinalCompleted {
		t.Fatalf("resumed lead did not continue past the handoff node: %+v", lc)
	}
}

func TestReturnFromHandoffWithoutEdgeReEscalates(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(api.EngineOptions{})

	// A terminal handoff node: no default edge, so a returned lead has
	// nowhere to resume and hands off again on its next message.
	g := handoffGraph("camp-1", &api.HandoffConfig{Reason: "vip"})
	g.Edges = g.Edges[:1]
	delete(g.Nodes, "done")
	mustPublish(t, eng, g)

	if _, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "hi")); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if _, err := eng.ReturnFromHandoff(ctx, "lead-1"); err != nil {
		t.Fatalf("ReturnFromHandoff: %v", err)
	}

	lc, err := eng.HandleInbound(ctx, api.Message("lead-1", "whatsapp", "back"))
	if err != nil {
		t.Fatalf("HandleInbound after return: %v", err)
	}
	if lc.Status != api.StatusHandedOff {
		t.Fatalf("expected re-escalation, got %s", lc.Status)
	}
}

func TestReturnFromHandoffOnLiveLeadIsDropped(t *testing.T) {
	ctx := context.Background()
	metrics := &api.BasicMetrics{}
	eng := newTestEngine(api.EngineOptions{Observer: metrics})

	g := messageFlowGraph("camp-1")
	g.Nodes["wait"] = &api.NodeSpec{ID: "wait", Kind: api.KindDelay, Delay: &api.DelayConfig{Value: 1, Unit: "h"}}
	g.Edges = []api.Edge{
		{Source: "entry", Port: api.PortDefault, Target: "wait"},
		{Source: "wait", Port: api.PortDefault, Target: "greet"},
		{Source: "greet", Port: api.PortDefault, Target: "done"},
	}
	mustPublish(t, eng, g)

	lc, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "hi"))
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	gen := lc.Generation

	lc, err = eng.ReturnFromHandoff(ctx, "lead-1")
	if err != nil {
		t.Fatalf("ReturnFromHandoff: %v", err)
	}
	if lc.Status != api.StatusWaitingTimer || lc.Generation != gen {
		t.Fatalf("return command mutated a lead that was never handed off: %+v", lc)
	}
	if got := metrics.Snapshot().EventsDropped; got != 1 {
		t.Fatalf("EventsDropped = %d, want 1", got)
	}
}

func TestHandoffToCampaignReEnrolls(t *testing.T) {
	ctx := context.Background()
	metrics := &api.BasicMetrics{}
	eng := newTestEngine(api.EngineOptions{Observer: metrics})

	mustPublish(t, eng, messageFlowGraph("nurture"))
	mustPublish(t, eng, handoffGraph("camp-1", &api.HandoffConfig{ToCampaign: "nurture", Reason: "cold"}))

	lc, err := eng.Enroll(ctx, "lead-1", "camp-1", api.Message("lead-1", "whatsapp", "hi"))
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	// The escalation re-enrolls onto nurture, whose chain runs to close.
	if lc.CampaignID != "nurture" {
		t.Fatalf("expected campaign transfer to nurture, got %s", lc.CampaignID)
	}
	if lc.Status != api.StatusClosed || lc.FinalStatus != api.FinalCompleted {
		t.Fatalf("transferred chain did not finish: %+v", lc)
	}
	if got := metrics.Snapshot().LeadsTransferred; got != 1 {
		t.Fatalf("LeadsTransferred = %d, want 1", got)
	}
}
