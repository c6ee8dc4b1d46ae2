package api

import (
	"fmt"
	"time"
)

// OutcomeKind tags the variant of an evaluator's result.
type OutcomeKind string

const (
	OutcomeAdvance   OutcomeKind = "advance"
	OutcomeWait      OutcomeKind = "wait"
	OutcomeTerminate OutcomeKind = "terminate"
	OutcomeTransfer  OutcomeKind = "transfer"
	OutcomeEscalate  OutcomeKind = "escalate"
)

// EffectKind tags a side effect an evaluator asks the driver to perform
// before the transition is applied.
type EffectKind string

const (
	EffectSendMessage   EffectKind = "send_message"
	EffectAddTag        EffectKind = "add_tag"
	EffectRemoveTag     EffectKind = "remove_tag"
	EffectSetLeadStatus EffectKind = "set_lead_status"
	EffectWebhook       EffectKind = "webhook"
	EffectSummarize     EffectKind = "summarize"
)

// Effect is one externally visible side effect. Effects are executed with
// bounded retry; a transition is only applied once its effects succeeded,
// which together with the transactional save gives at-least-once delivery
// without duplicate state application.
type Effect struct {
	Kind       EffectKind
	Channel    string
	Text       string
	Tag        string
	LeadStatus string
	URL        string
}

// Outcome is the tagged result of evaluating one node against one event.
type Outcome struct {
	Kind OutcomeKind

	// Advance
	Target string
	Port   string

	// Wait: a non-nil WakeAt waits on a timer, nil waits on an external
	// reply.
	WakeAt *time.Time

	// Terminate
	FinalStatus    string
	ClearVariables bool

	// Transfer / escalate-to-campaign
	CampaignID string

	// Escalate
	ToHuman bool
	Reason  string

	Effects []Effect
}

// Advance moves the lead to target via the named port.
func Advance(target, port string) Outcome {
	return Outcome{Kind: OutcomeAdvance, Target: target, Port: port}
}

// WaitUntil parks the lead until t (or an earlier external event).
func WaitUntil(t time.Time) Outcome {
	return Outcome{Kind: OutcomeWait, WakeAt: &t}
}

// WaitForReply parks the lead until the next inbound message.
func WaitForReply() Outcome {
	return Outcome{Kind: OutcomeWait}
}

// Terminate closes the lead with a final status.
func Terminate(finalStatus string, clearVariables bool) Outcome {
	return Outcome{Kind: OutcomeTerminate, FinalStatus: finalStatus, ClearVariables: clearVariables}
}

// TransferCampaign re-enrolls the lead on another campaign, carrying its
// variables forward.
func TransferCampaign(campaignID, reason string) Outcome {
	return Outcome{Kind: OutcomeTransfer, CampaignID: campaignID, Reason: reason}
}

// EscalateHuman hands the lead to a human operator.
func EscalateHuman(reason string) Outcome {
	return Outcome{Kind: OutcomeEscalate, ToHuman: true, Reason: reason}
}

// EscalateCampaign hands the lead to another campaign.
func EscalateCampaign(campaignID, reason string) Outcome {
	return Outcome{Kind: OutcomeEscalate, CampaignID: campaignID, Reason: reason}
}

// WithEffects returns a copy of the outcome carrying the given effects.
func (o Outcome) WithEffects(effects ...Effect) Outcome {
	o.Effects = append(o.Effects, effects...)
	return o
}

// String renders a compact form used in history entries and logs.
func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeAdvance:
		return fmt.Sprintf("advance:%s(%s)", o.Target, o.Port)
	case OutcomeWait:
		if o.WakeAt != nil {
			return "wait:timer"
		}
		return "wait:reply"
	case OutcomeTerminate:
		return "terminate:" + o.FinalStatus
	case OutcomeTransfer:
		return "transfer:" + o.CampaignID
	case OutcomeEscalate:
		if o.ToHuman {
			return "escalate:human"
		}
		return "escalate:" + o.CampaignID
	}
	return string(o.Kind)
}
