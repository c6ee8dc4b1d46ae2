package api

import (
	"fmt"
	"net/url"

	"github.com/expr-lang/expr"
)

// Port names emitted by node evaluators. Edges reference these labels; an
// edge whose port is not emitted by its source node makes the graph invalid.
const (
	PortDefault       = "default"
	PortVariantA      = "variant_a"
	PortVariantB      = "variant_b"
	PortInterested    = "interested"
	PortNotInterested = "not_interested"
	PortQuestion      = "question"
	PortHandoff       = "handoff"
)

// Edge connects Source's named Port to Target.
type Edge struct {
	Source string
	Port   string
	Target string
}

// FlowGraph is the immutable, validated graph of one campaign version.
// Graphs are never mutated after Validate; publishing a change produces a
// new version while in-flight leads stay pinned to the version they were
// enrolled on.
type FlowGraph struct {
	CampaignID string
	Version    int64
	Nodes      map[string]*NodeSpec
	Edges      []Edge
}

// GraphError describes a structural or configuration problem found during
// validation. It is fatal at publish time and never surfaces at runtime.
type GraphError struct {
	NodeID string
	Reason string
}

func (e *GraphError) Error() string {
	if e.NodeID == "" {
		return "invalid graph: " + e.Reason
	}
	return fmt.Sprintf("invalid graph: node %q: %s", e.NodeID, e.Reason)
}

func graphErrf(nodeID, format string, args ...any) error {
	return &GraphError{NodeID: nodeID, Reason: fmt.Sprintf(format, args...)}
}

// Entry returns the graph's trigger node. It assumes the graph has passed
// Validate, which guarantees exactly one trigger exists.
func (g *FlowGraph) Entry() *NodeSpec {
	for _, n := range g.Nodes {
		if n.Kind == KindTrigger {
			return n
		}
	}
	return nil
}

// Node returns the node with the given id, or nil.
func (g *FlowGraph) Node(id string) *NodeSpec {
	return g.Nodes[id]
}

// Out returns the target of the edge leaving node id via port, and whether
// such an edge exists.
func (g *FlowGraph) Out(id, port string) (string, bool) {
	for _, e := range g.Edges {
		if e.Source == id && e.Port == port {
			return e.Target, true
		}
	}
	return "", false
}

// emittedPorts lists the ports a node's evaluator can emit, and which of
// them must be wired for the graph to be executable.
func emittedPorts(kind NodeKind) (allowed []string, required []string) {
	switch kind {
	case KindTrigger, KindDelay, KindAction, KindBroadcast:
		return []string{PortDefault}, []string{PortDefault}
	case KindSplit:
		ports := []string{PortVariantA, PortVariantB}
		return ports, ports
	case KindLogic:
		return []string{PortInterested, PortNotInterested, PortQuestion, PortHandoff, PortDefault},
			[]string{PortDefault}
	case KindAgent:
		return []string{PortDefault}, []string{PortDefault}
	case KindHandoff:
		// Optional: a wired default edge is where the lead resumes after
		// returnFromHandoff. Without one the node re-escalates on resume.
		return []string{PortDefault}, nil
	default:
		// goto, goto_campaign, closing: no outgoing edges.
		return nil, nil
	}
}

// Validate checks every structural invariant and per-kind configuration of
// the graph. A nil return means the graph is safe to execute: no dangling
// edge targets, exactly one trigger entry, every wired port is one the
// source node can emit, and every required port is wired.
func (g *FlowGraph) Validate() error {
	if g.CampaignID == "" {
		return &GraphError{Reason: "campaign id is required"}
	}
	if len(g.Nodes) == 0 {
		return &GraphError{Reason: "graph has no nodes"}
	}

	var entry string
	for id, n := range g.Nodes {
		if n == nil {
			return graphErrf(id, "nil node spec")
		}
		if n.ID != id {
			return graphErrf(id, "node id %q does not match map key", n.ID)
		}
		if n.Kind == KindTrigger {
			if entry != "" {
				return graphErrf(id, "second trigger node (entry is %q)", entry)
			}
			entry = id
		}
		if err := n.validateConfig(); err != nil {
			return err
		}
	}
	if entry == "" {
		return &GraphError{Reason: "graph has no trigger node"}
	}

	seen := make(map[[2]string]bool, len(g.Edges))
	wired := make(map[string]map[string]bool, len(g.Nodes))
	for _, e := range g.Edges {
		src, ok := g.Nodes[e.Source]
		if !ok {
			return graphErrf(e.Source, "edge source does not exist")
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			return graphErrf(e.Source, "edge target %q does not exist", e.Target)
		}
		if e.Target == entry {
			return graphErrf(e.Source, "edge targets the trigger node %q", e.Target)
		}
		key := [2]string{e.Source, e.Port}
		if seen[key] {
			return graphErrf(e.Source, "duplicate edge for port %q", e.Port)
		}
		seen[key] = true

		allowed, _ := emittedPorts(src.Kind)
		if !contains(allowed, e.Port) {
			return graphErrf(e.Source, "%s node does not emit port %q", src.Kind, e.Port)
		}
		if wired[e.Source] == nil {
			wired[e.Source] = make(map[string]bool)
		}
		wired[e.Source][e.Port] = true
	}

	for id, n := range g.Nodes {
		_, required := emittedPorts(n.Kind)
		for _, p := range required {
			if !wired[id][p] {
				return graphErrf(id, "missing edge for required port %q", p)
			}
		}
		if n.Kind == KindGoto {
			if _, ok := g.Nodes[n.Goto.Target]; !ok {
				return graphErrf(id, "goto target %q does not exist", n.Goto.Target)
			}
			if n.Goto.Target == entry {
				return graphErrf(id, "goto target must not be the trigger node")
			}
		}
	}

	return nil
}

func (n *NodeSpec) validateConfig() error {
	cfg := n.config()
	if cfg == nil {
		return graphErrf(n.ID, "missing or mismatched config for kind %q", n.Kind)
	}
	switch c := cfg.(type) {
	case *TriggerConfig:
		if c.Guard != "" {
			if _, err := expr.Compile(c.Guard, expr.Env(GuardEnv("", "", false)), expr.AsBool()); err != nil {
				return graphErrf(n.ID, "guard does not compile: %v", err)
			}
		}
	case *DelayConfig:
		if _, err := c.Duration(); err != nil {
			return graphErrf(n.ID, "%v", err)
		}
	case *SplitConfig:
		if c.PercentA < 0 || c.PercentA > 100 {
			return graphErrf(n.ID, "split percentage %d outside [0,100]", c.PercentA)
		}
	case *ActionConfig:
		switch c.Op {
		case ActionSendMessage:
			if c.Template == "" {
				return graphErrf(n.ID, "send_message action needs a template")
			}
		case ActionAddTag, ActionRemoveTag:
			if c.Tag == "" {
				return graphErrf(n.ID, "%s action needs a tag", c.Op)
			}
		case ActionSetStatus:
			if c.LeadStatus == "" {
				return graphErrf(n.ID, "set_status action needs a lead status")
			}
		case ActionWebhook:
			u, err := url.ParseRequestURI(c.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return graphErrf(n.ID, "webhook action needs a well-formed http(s) url, got %q", c.URL)
			}
		default:
			return graphErrf(n.ID, "unknown action op %q", c.Op)
		}
	case *LogicConfig:
		// No config to check; the required default edge is verified above.
	case *GotoConfig:
		if c.Target == "" {
			return graphErrf(n.ID, "goto needs a target")
		}
	case *GotoCampaignConfig:
		if c.CampaignID == "" {
			return graphErrf(n.ID, "goto_campaign needs a campaign id")
		}
	case *HandoffConfig:
		// Empty ToCampaign means "to human"; nothing else to check.
	case *ClosingConfig:
		switch c.FinalStatus {
		case FinalCompleted, FinalWon, FinalLost, FinalArchived:
		default:
			return graphErrf(n.ID, "unknown final status %q", c.FinalStatus)
		}
	case *AgentConfig:
		if c.PersonaID == "" {
			return graphErrf(n.ID, "agent needs a persona id")
		}
		if c.MinSlotsFilled < 0 || c.MinSlotsFilled > len(c.Slots) {
			return graphErrf(n.ID, "min_slots_filled %d outside [0,%d]", c.MinSlotsFilled, len(c.Slots))
		}
	}
	return nil
}

// GuardEnv builds the evaluation environment a trigger guard expression
// sees. Kept public so validation and execution agree on the shape.
func GuardEnv(channel, text string, triage bool) map[string]any {
	return map[string]any{
		"channel": channel,
		"text":    text,
		"triage":  triage,
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
