package api

import (
	"fmt"
	"time"
)

// NodeKind identifies one of the closed set of node types a campaign graph
// may contain. The evaluator dispatches exhaustively over this set; a graph
// carrying an unknown kind is rejected at validation time, never at runtime.
type NodeKind string

const (
	KindTrigger      NodeKind = "trigger"
	KindDelay        NodeKind = "delay"
	KindSplit        NodeKind = "split"
	KindAction       NodeKind = "action"
	KindBroadcast    NodeKind = "broadcast"
	KindLogic        NodeKind = "logic"
	KindGoto         NodeKind = "goto"
	KindGotoCampaign NodeKind = "goto_campaign"
	KindHandoff      NodeKind = "handoff"
	KindClosing      NodeKind = "closing"
	KindAgent        NodeKind = "agent"
)

// NodeSpec is a tagged union over the node kinds. Exactly one config pointer,
// the one matching Kind, must be non-nil.
type NodeSpec struct {
	ID   string
	Kind NodeKind

	Trigger      *TriggerConfig
	Delay        *DelayConfig
	Split        *SplitConfig
	Action       *ActionConfig
	Logic        *LogicConfig
	Goto         *GotoConfig
	GotoCampaign *GotoCampaignConfig
	Handoff      *HandoffConfig
	Closing      *ClosingConfig
	Agent        *AgentConfig
}

// TriggerConfig filters which inbound enrollments may enter the graph.
// An empty Channels list matches every channel. Guard, if non-empty, is a
// boolean expr-lang expression evaluated against {channel, text, triage}.
type TriggerConfig struct {
	Channels   []string `mapstructure:"channels"`
	TriageOnly bool     `mapstructure:"triage_only"`
	Guard      string   `mapstructure:"guard"`
}

// DelayConfig parks the lead for Value Units before advancing.
type DelayConfig struct {
	Value int    `mapstructure:"value"`
	Unit  string `mapstructure:"unit"` // s, m, h or d
}

// Duration normalizes Value+Unit to a time.Duration.
func (c *DelayConfig) Duration() (time.Duration, error) {
	base, ok := delayUnits[c.Unit]
	if !ok {
		return 0, fmt.Errorf("unknown delay unit %q", c.Unit)
	}
	if c.Value < 0 {
		return 0, fmt.Errorf("negative delay value %d", c.Value)
	}
	return time.Duration(c.Value) * base, nil
}

var delayUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// SplitConfig routes PercentA percent of leads through the PortVariantA edge
// and the rest through PortVariantB. The draw is made once per lead visit and
// persisted in the lead's variables before being consulted, so a replay of
// the same event reproduces the same branch.
type SplitConfig struct {
	PercentA int `mapstructure:"percent_a"`
}

// ActionOp selects the side effect an action/broadcast node performs.
type ActionOp string

const (
	ActionSendMessage ActionOp = "send_message"
	ActionAddTag      ActionOp = "add_tag"
	ActionRemoveTag   ActionOp = "remove_tag"
	ActionSetStatus   ActionOp = "set_status"
	ActionWebhook     ActionOp = "webhook"
)

// ActionConfig is shared by action and broadcast nodes. Only the fields
// relevant to Op are consulted. Template supports ${var} expansion against
// the lead's variables.
type ActionConfig struct {
	Op         ActionOp `mapstructure:"op"`
	Template   string   `mapstructure:"template"`
	Channel    string   `mapstructure:"channel"`
	Tag        string   `mapstructure:"tag"`
	LeadStatus string   `mapstructure:"lead_status"`
	URL        string   `mapstructure:"url"`
}

// LogicConfig carries no configuration; the logic node dispatches purely on
// the intent label attached to the inbound event (or recorded by the last
// agent node).
type LogicConfig struct{}

// GotoConfig jumps directly to Target in the same graph, bypassing edges.
type GotoConfig struct {
	Target string `mapstructure:"target"`
}

// GotoCampaignConfig re-enrolls the lead on another campaign's current graph
// version, carrying its variables forward.
type GotoCampaignConfig struct {
	CampaignID string `mapstructure:"campaign_id"`
	Reason     string `mapstructure:"reason"`
}

// HandoffConfig transfers conversational control away from automation.
// An empty ToCampaign hands the lead to a human operator.
type HandoffConfig struct {
	ToCampaign      string `mapstructure:"to_campaign"`
	Reason          string `mapstructure:"reason"`
	GenerateSummary bool   `mapstructure:"generate_summary"`
}

// FinalStatus values accepted by closing nodes.
const (
	FinalCompleted = "completed"
	FinalWon       = "won"
	FinalLost      = "lost"
	FinalArchived  = "archived"
)

// ClosingConfig terminates the lead with a final status. When ClearVariables
// is set the variables map is emptied in the same atomic update as the status
// change.
type ClosingConfig struct {
	FinalStatus    string `mapstructure:"final_status"`
	ClearVariables bool   `mapstructure:"clear_variables"`
}

// AgentConfig drives an AI conversational step. The node keeps the
// conversation on itself (waiting for replies) until MinSlotsFilled of Slots
// are present in the lead's variables, or the AI signals an explicit intent.
type AgentConfig struct {
	PersonaID      string   `mapstructure:"persona_id"`
	Slots          []string `mapstructure:"slots"`
	MinSlotsFilled int      `mapstructure:"min_slots_filled"`
	Goal           string   `mapstructure:"goal"`
	CustomGoal     string   `mapstructure:"custom_goal"`
	AllowedActions []string `mapstructure:"allowed_actions"`
	Vertical       string   `mapstructure:"vertical"`
}

// config returns the kind-specific config pointer, or nil if it is missing
// or mismatched.
func (n *NodeSpec) config() any {
	switch n.Kind {
	case KindTrigger:
		if n.Trigger != nil {
			return n.Trigger
		}
	case KindDelay:
		if n.Delay != nil {
			return n.Delay
		}
	case KindSplit:
		if n.Split != nil {
			return n.Split
		}
	case KindAction, KindBroadcast:
		if n.Action != nil {
			return n.Action
		}
	case KindLogic:
		if n.Logic != nil {
			return n.Logic
		}
	case KindGoto:
		if n.Goto != nil {
			return n.Goto
		}
	case KindGotoCampaign:
		if n.GotoCampaign != nil {
			return n.GotoCampaign
		}
	case KindHandoff:
		if n.Handoff != nil {
			return n.Handoff
		}
	case KindClosing:
		if n.Closing != nil {
			return n.Closing
		}
	case KindAgent:
		if n.Agent != nil {
			return n.Agent
		}
	}
	return nil
}
