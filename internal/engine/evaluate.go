package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/petrijr/outflow/pkg/api"
)

// errTriggerRejected is internal to the enrollment path; Enroll maps it to
// api.ErrTriggerRejected.
var errTriggerRejected = fmt.Errorf("trigger filter rejected event")

// evaluate dispatches the lead's current node to its kind-specific
// evaluator. The switch is exhaustive over the closed NodeKind set; graphs
// carrying anything else never pass validation.
//
// ev is a pointer so an agent node's classification can flow to a logic
// node later in the same synchronous chain.
func (e *engineImpl) evaluate(ctx context.Context, g *api.FlowGraph, node *api.NodeSpec, lc *api.LeadContext, ev *api.InboundEvent) (api.Outcome, error) {
	switch node.Kind {
	case api.KindTrigger:
		return e.evalTrigger(g, node, ev)
	case api.KindDelay:
		return e.evalDelay(g, node, lc, ev)
	case api.KindSplit:
		return e.evalSplit(g, node, lc)
	case api.KindAction, api.KindBroadcast:
		return e.evalAction(g, node, lc, ev)
	case api.KindLogic:
		return e.evalLogic(g, node, lc, ev)
	case api.KindGoto:
		return api.Advance(node.Goto.Target, "goto"), nil
	case api.KindGotoCampaign:
		return api.TransferCampaign(node.GotoCampaign.CampaignID, node.GotoCampaign.Reason), nil
	case api.KindHandoff:
		return e.evalHandoff(g, node, lc), nil
	case api.KindClosing:
		return api.Terminate(node.Closing.FinalStatus, node.Closing.ClearVariables), nil
	case api.KindAgent:
		return e.evalAgent(ctx, g, node, lc, ev)
	}
	return api.Outcome{}, fmt.Errorf("node %s: unknown kind %q", node.ID, node.Kind)
}

// triggerMatches applies the trigger filter: channel allow-list (empty
// matches all), triage flag, and the optional guard expression.
func (e *engineImpl) triggerMatches(cfg *api.TriggerConfig, ev *api.InboundEvent) (bool, error) {
	if len(cfg.Channels) > 0 {
		found := false
		for _, ch := range cfg.Channels {
			if ch == ev.Channel {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	if cfg.TriageOnly && !ev.Triage {
		return false, nil
	}
	if cfg.Guard != "" {
		ok, err := e.guards.Evaluate(cfg.Guard, api.GuardEnv(ev.Channel, ev.Text, ev.Triage))
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *engineImpl) evalTrigger(g *api.FlowGraph, node *api.NodeSpec, ev *api.InboundEvent) (api.Outcome, error) {
	ok, err := e.triggerMatches(node.Trigger, ev)
	if err != nil {
		return api.Outcome{}, err
	}
	if !ok {
		return api.Outcome{}, errTriggerRejected
	}
	target, _ := g.Out(node.ID, api.PortDefault)
	return api.Advance(target, api.PortDefault), nil
}

// evalDelay parks the lead on first entry and advances when the armed timer
// fires. Any external event arriving while parked wins over the timer: the
// lead advances immediately and the now-stale timer is rejected later by
// its generation stamp.
func (e *engineImpl) evalDelay(g *api.FlowGraph, node *api.NodeSpec, lc *api.LeadContext, ev *api.InboundEvent) (api.Outcome, error) {
	target, _ := g.Out(node.ID, api.PortDefault)

	parked := lc.Status == api.StatusWaitingTimer && lc.CurrentNodeID == node.ID
	if parked {
		return api.Advance(target, api.PortDefault), nil
	}

	d, err := node.Delay.Duration()
	if err != nil {
		return api.Outcome{}, err
	}
	return api.WaitUntil(e.clock().Add(d)), nil
}

// evalSplit draws once per lead visit and persists the draw in the lead's
// variables before consulting it, so retries and replays reproduce the same
// branch.
func (e *engineImpl) evalSplit(g *api.FlowGraph, node *api.NodeSpec, lc *api.LeadContext) (api.Outcome, error) {
	key := "split:" + node.ID

	var draw float64
	if v, ok := lc.Var(key); ok {
		f, ok := v.(float64)
		if !ok {
			return api.Outcome{}, fmt.Errorf("node %s: stored draw has type %T", node.ID, v)
		}
		draw = f
	} else {
		draw = e.draw() * 100
		lc.SetVar(key, draw)
	}

	port := api.PortVariantB
	if draw < float64(node.Split.PercentA) {
		port = api.PortVariantA
	}
	target, _ := g.Out(node.ID, port)
	return api.Advance(target, port), nil
}

func (e *engineImpl) evalAction(g *api.FlowGraph, node *api.NodeSpec, lc *api.LeadContext, ev *api.InboundEvent) (api.Outcome, error) {
	cfg := node.Action
	target, _ := g.Out(node.ID, api.PortDefault)

	var effect api.Effect
	switch cfg.Op {
	case api.ActionSendMessage:
		channel := cfg.Channel
		if channel == "" {
			channel = ev.Channel
		}
		effect = api.Effect{
			Kind:    api.EffectSendMessage,
			Channel: channel,
			Text:    expandTemplate(cfg.Template, lc),
		}
	case api.ActionAddTag:
		effect = api.Effect{Kind: api.EffectAddTag, Tag: cfg.Tag}
	case api.ActionRemoveTag:
		effect = api.Effect{Kind: api.EffectRemoveTag, Tag: cfg.Tag}
	case api.ActionSetStatus:
		effect = api.Effect{Kind: api.EffectSetLeadStatus, LeadStatus: cfg.LeadStatus}
	case api.ActionWebhook:
		effect = api.Effect{Kind: api.EffectWebhook, URL: cfg.URL}
	default:
		return api.Outcome{}, fmt.Errorf("node %s: unknown action op %q", node.ID, cfg.Op)
	}

	return api.Advance(target, api.PortDefault).WithEffects(effect), nil
}

// evalLogic routes on the intent attached to the event, falling back to the
// intent the last agent node recorded, and finally to the default port.
func (e *engineImpl) evalLogic(g *api.FlowGraph, node *api.NodeSpec, lc *api.LeadContext, ev *api.InboundEvent) (api.Outcome, error) {
	intent := ev.Intent
	if intent == "" {
		// The "intent" variable is the persisted form of the last agent
		// node's classification, so timer wakes and commands that carry no
		// intent of their own still route the way the conversation went.
		if v, ok := lc.Var("intent"); ok {
			intent, _ = v.(string)
		}
	}

	port := api.PortDefault
	switch intent {
	case api.PortInterested, api.PortNotInterested, api.PortQuestion, api.PortHandoff:
		if _, ok := g.Out(node.ID, intent); ok {
			port = intent
		}
	}
	target, _ := g.Out(node.ID, port)
	return api.Advance(target, port), nil
}

// evalHandoff escalates the lead out of automation. A lead that was
// returned via returnFromHandoff sits on this node in waiting_reply; its
// next event resumes through the default edge when one is wired, and
// re-escalates when not.
func (e *engineImpl) evalHandoff(g *api.FlowGraph, node *api.NodeSpec, lc *api.LeadContext) api.Outcome {
	cfg := node.Handoff

	returned := lc.Status == api.StatusWaitingReply && lc.CurrentNodeID == node.ID
	if returned {
		if target, ok := g.Out(node.ID, api.PortDefault); ok {
			return api.Advance(target, api.PortDefault)
		}
	}

	var out api.Outcome
	if cfg.ToCampaign == "" {
		out = api.EscalateHuman(cfg.Reason)
	} else {
		out = api.EscalateCampaign(cfg.ToCampaign, cfg.Reason)
	}
	if cfg.GenerateSummary {
		out = out.WithEffects(api.Effect{Kind: api.EffectSummarize})
	}
	return out
}

// evalAgent drives one turn of the AI conversational step: ask the decision
// service, merge newly filled slots, and either keep the conversation on
// this node or advance once the success criteria are met or the AI signals
// an explicit intent.
func (e *engineImpl) evalAgent(ctx context.Context, g *api.FlowGraph, node *api.NodeSpec, lc *api.LeadContext, ev *api.InboundEvent) (api.Outcome, error) {
	cfg := node.Agent

	if ev.Kind == api.EventMessage && ev.Text != "" {
		lc.SetVar("conversation", appendWindow(lc, ev.Text))
	}

	resp, err := e.decide(ctx, api.DecisionRequest{
		PersonaID:          cfg.PersonaID,
		Goal:               cfg.Goal,
		CustomGoal:         cfg.CustomGoal,
		Vertical:           cfg.Vertical,
		AllowedActions:     cfg.AllowedActions,
		Slots:              cfg.Slots,
		CurrentSlots:       currentSlots(cfg, lc),
		ConversationWindow: window(lc),
	})
	if err != nil {
		// The decision service is retried inside decide; exhaustion
		// degrades the agent step to a handoff rather than losing the lead.
		return api.EscalateHuman("automation failure: ai decision unavailable"), nil
	}

	for name, value := range resp.FilledSlots {
		lc.SetVar(name, value)
	}
	if resp.Intent != "" {
		lc.SetVar("intent", resp.Intent)
		ev.Intent = resp.Intent
	}

	var effects []api.Effect
	if resp.ReplyText != "" {
		effects = append(effects, api.Effect{
			Kind:    api.EffectSendMessage,
			Channel: ev.Channel,
			Text:    resp.ReplyText,
		})
	}

	filled := 0
	for _, slot := range cfg.Slots {
		if _, ok := lc.Var(slot); ok {
			filled++
		}
	}

	if resp.Intent != "" || filled >= cfg.MinSlotsFilled {
		target, _ := g.Out(node.ID, api.PortDefault)
		return api.Advance(target, api.PortDefault).WithEffects(effects...), nil
	}
	return api.WaitForReply().WithEffects(effects...), nil
}

// decide calls the AI collaborator with bounded retry.
func (e *engineImpl) decide(ctx context.Context, req api.DecisionRequest) (api.DecisionResponse, error) {
	var lastErr error
	attempts := e.decisionRetry.Attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := e.decider.Decide(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, e.decisionRetry.Delay(attempt)); err != nil {
			return api.DecisionResponse{}, err
		}
	}
	return api.DecisionResponse{}, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// expandTemplate substitutes ${var} references with the lead's variables.
func expandTemplate(tmpl string, lc *api.LeadContext) string {
	return os.Expand(tmpl, func(name string) string {
		if v, ok := lc.Var(name); ok {
			return fmt.Sprint(v)
		}
		return ""
	})
}

const conversationWindowSize = 20

func window(lc *api.LeadContext) []string {
	v, ok := lc.Var("conversation")
	if !ok {
		return nil
	}
	w, _ := v.([]string)
	return w
}

func appendWindow(lc *api.LeadContext, text string) []string {
	w := append(window(lc), text)
	if len(w) > conversationWindowSize {
		w = w[len(w)-conversationWindowSize:]
	}
	return w
}

func currentSlots(cfg *api.AgentConfig, lc *api.LeadContext) map[string]any {
	slots := make(map[string]any)
	for _, name := range cfg.Slots {
		if v, ok := lc.Var(name); ok {
			slots[name] = v
		}
	}
	return slots
}
