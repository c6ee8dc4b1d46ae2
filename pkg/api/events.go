package api

import "time"

// EventKind identifies what woke the driver up for a lead.
type EventKind string

const (
	// EventEnroll is the first event of an enrollment; it is the only event
	// a trigger node ever sees.
	EventEnroll EventKind = "enroll"

	// EventMessage is an inbound message from the lead.
	EventMessage EventKind = "message"

	// EventTimer is a durable wake-up armed by a delay node. It carries the
	// context generation observed when the timer was armed; a fire against a
	// later generation is stale and dropped.
	EventTimer EventKind = "timer"

	// EventCommand is an external operator command.
	EventCommand EventKind = "command"
)

// CommandKind enumerates the external commands the driver accepts.
type CommandKind string

const (
	CommandForceAdvance      CommandKind = "force_advance"
	CommandReturnFromHandoff CommandKind = "return_from_handoff"
)

// InboundEvent is the single event envelope the driver consumes. Which
// fields are meaningful depends on Kind.
type InboundEvent struct {
	Kind       EventKind
	LeadID     string
	CampaignID string
	Channel    string
	Text       string
	Triage     bool

	// Intent, when set, routes logic nodes directly. It is normally filled
	// by an upstream agent node's classification rather than the caller.
	Intent string

	Generation int64
	Command    CommandKind
	ReceivedAt time.Time
}

// Message builds an inbound message event.
func Message(leadID, channel, text string) InboundEvent {
	return InboundEvent{
		Kind:       EventMessage,
		LeadID:     leadID,
		Channel:    channel,
		Text:       text,
		ReceivedAt: time.Now(),
	}
}
