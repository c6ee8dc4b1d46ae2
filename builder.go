package outflow

import (
	"fmt"

	"github.com/petrijr/outflow/pkg/api"
)

// GraphBuilder provides a fluent API for defining campaign graphs:
//
//	g, err := outflow.NewGraph("summer-promo").
//	    Trigger("entry", outflow.TriggerConfig{Channels: []string{"whatsapp"}}).
//	    Delay("cooloff", 1, "d").
//	    Action("hello", outflow.ActionConfig{Op: outflow.ActionSendMessage, Template: "Hi ${first_name}!"}).
//	    Closing("done", outflow.FinalCompleted, false).
//	    Edge("entry", outflow.PortDefault, "cooloff").
//	    Edge("cooloff", outflow.PortDefault, "hello").
//	    Edge("hello", outflow.PortDefault, "done").
//	    Build()
//
// Build validates the assembled graph; the builder itself never fails
// part-way, so chains read without error plumbing.
type GraphBuilder struct {
	graph api.FlowGraph
}

// Re-export node configuration types and port names used with the builder.

type (
	TriggerConfig      = api.TriggerConfig
	DelayConfig        = api.DelayConfig
	SplitConfig        = api.SplitConfig
	ActionConfig       = api.ActionConfig
	LogicConfig        = api.LogicConfig
	GotoConfig         = api.GotoConfig
	GotoCampaignConfig = api.GotoCampaignConfig
	HandoffConfig      = api.HandoffConfig
	ClosingConfig      = api.ClosingConfig
	AgentConfig        = api.AgentConfig
)

const (
	PortDefault       = api.PortDefault
	PortVariantA      = api.PortVariantA
	PortVariantB      = api.PortVariantB
	PortInterested    = api.PortInterested
	PortNotInterested = api.PortNotInterested
	PortQuestion      = api.PortQuestion
	PortHandoff       = api.PortHandoff
)

const (
	ActionSendMessage = api.ActionSendMessage
	ActionAddTag      = api.ActionAddTag
	ActionRemoveTag   = api.ActionRemoveTag
	ActionSetStatus   = api.ActionSetStatus
	ActionWebhook     = api.ActionWebhook
)

const (
	FinalCompleted = api.FinalCompleted
	FinalWon       = api.FinalWon
	FinalLost      = api.FinalLost
	FinalArchived  = api.FinalArchived
)

// NewGraph creates a new graph builder for the given campaign.
func NewGraph(campaignID string) *GraphBuilder {
	return &GraphBuilder{
		graph: api.FlowGraph{
			CampaignID: campaignID,
			Nodes:      make(map[string]*api.NodeSpec),
		},
	}
}

func (b *GraphBuilder) add(spec *api.NodeSpec) *GraphBuilder {
	if spec.ID == "" {
		panic("outflow: node id must not be empty")
	}
	if _, exists := b.graph.Nodes[spec.ID]; exists {
		panic(fmt.Sprintf("outflow: duplicate node id %q", spec.ID))
	}
	b.graph.Nodes[spec.ID] = spec
	return b
}

// Trigger adds the campaign entry node. Every graph needs exactly one.
func (b *GraphBuilder) Trigger(id string, cfg TriggerConfig) *GraphBuilder {
	return b.add(&api.NodeSpec{ID: id, Kind: api.KindTrigger, Trigger: &cfg})
}

// Delay adds a timed wait of value units ("s", "m", "h" or "d").
func (b *GraphBuilder) Delay(id string, value int, unit string) *GraphBuilder {
	return b.add(&api.NodeSpec{ID: id, Kind: api.KindDelay, Delay: &api.DelayConfig{Value: value, Unit: unit}})
}

// Split adds an A/B split that routes percentA percent of leads through the
// variant_a port.
func (b *GraphBuilder) Split(id string, percentA int) *GraphBuilder {
	return b.add(&api.NodeSpec{ID: id, Kind: api.KindSplit, Split: &api.SplitConfig{PercentA: percentA}})
}

// Action adds a side-effecting node.
func (b *GraphBuilder) Action(id string, cfg ActionConfig) *GraphBuilder {
	return b.add(&api.NodeSpec{ID: id, Kind: api.KindAction, Action: &cfg})
}

// Broadcast adds a broadcast node. It behaves like Action; the distinct kind
// exists so campaign tooling can render mass sends differently.
func (b *GraphBuilder) Broadcast(id string, cfg ActionConfig) *GraphBuilder {
	return b.add(&api.NodeSpec{ID: id, Kind: api.KindBroadcast, Action: &cfg})
}

// Logic adds an intent-routing node.
func (b *GraphBuilder) Logic(id string) *GraphBuilder {
	return b.add(&api.NodeSpec{ID: id, Kind: api.KindLogic, Logic: &api.LogicConfig{}})
}

// Goto adds an unconditional jump to target.
func (b *GraphBuilder) Goto(id, target string) *GraphBuilder {
	return b.add(&api.NodeSpec{ID: id, Kind: api.KindGoto, Goto: &api.GotoConfig{Target: target}})
}

// GotoCampaign adds a transfer to another campaign.
func (b *GraphBuilder) GotoCampaign(id, campaignID, reason string) *GraphBuilder {
	return b.add(&api.NodeSpec{ID: id, Kind: api.KindGotoCampaign, GotoCampaign: &api.GotoCampaignConfig{CampaignID: campaignID, Reason: reason}})
}

// Handoff adds a transfer of control to a human (empty toCampaign) or to
// another campaign.
func (b *GraphBuilder) Handoff(id string, cfg HandoffConfig) *GraphBuilder {
	return b.add(&api.NodeSpec{ID: id, Kind: api.KindHandoff, Handoff: &cfg})
}

// Closing adds a terminal node with the given final status.
func (b *GraphBuilder) Closing(id, finalStatus string, clearVariables bool) *GraphBuilder {
	return b.add(&api.NodeSpec{ID: id, Kind: api.KindClosing, Closing: &api.ClosingConfig{FinalStatus: finalStatus, ClearVariables: clearVariables}})
}

// Agent adds an AI conversational node.
func (b *GraphBuilder) Agent(id string, cfg AgentConfig) *GraphBuilder {
	return b.add(&api.NodeSpec{ID: id, Kind: api.KindAgent, Agent: &cfg})
}

// Edge connects source's port to target.
func (b *GraphBuilder) Edge(source, port, target string) *GraphBuilder {
	b.graph.Edges = append(b.graph.Edges, api.Edge{Source: source, Port: port, Target: target})
	return b
}

// Build validates the assembled graph and returns it.
func (b *GraphBuilder) Build() (*api.FlowGraph, error) {
	g := b.graph
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// MustBuild is like Build but panics on error. Useful for initialization
// in main().
func (b *GraphBuilder) MustBuild() *api.FlowGraph {
	g, err := b.Build()
	if err != nil {
		panic(err)
	}
	return g
}
