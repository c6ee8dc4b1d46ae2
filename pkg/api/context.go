package api

import (
	"encoding/gob"
	"time"
)

func init() {
	// Variables is map[string]any; register the concrete types the engine
	// itself stores there so every gob-backed store can round-trip them.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]string{})
	gob.Register(time.Time{})
}

// Status is the lifecycle state of a lead's enrollment.
type Status string

const (
	StatusRunning      Status = "running"
	StatusWaitingTimer Status = "waiting_timer"
	StatusWaitingReply Status = "waiting_reply"
	StatusHandedOff    Status = "handed_off"
	StatusClosed       Status = "closed"
)

// HistoryEntry records one node evaluation. History is append-only and is
// what debugging tooling and the logic router's lookback read.
type HistoryEntry struct {
	NodeID    string
	EnteredAt time.Time
	Outcome   string
	Note      string
}

// LeadContext is the per-lead mutable execution state: where the lead is in
// its campaign graph, what it has told us so far, and what it is waiting on.
//
// Generation increments on every applied transition; a timer fire carrying a
// lower generation is provably stale and is dropped. Revision is the
// optimistic-concurrency stamp checked by ContextStore.UpdateContext.
type LeadContext struct {
	LeadID        string
	CampaignID    string
	GraphVersion  int64
	CurrentNodeID string
	Status        Status
	FinalStatus   string
	Variables     map[string]any
	History       []HistoryEntry
	PendingWakeAt *time.Time
	Generation    int64
	Revision      int64
	EnrolledAt    time.Time
}

// Closed reports whether the context is terminal. A closed context accepts
// no further events.
func (c *LeadContext) Closed() bool {
	return c.Status == StatusClosed
}

// Var returns a variable value and whether it is set.
func (c *LeadContext) Var(name string) (any, bool) {
	v, ok := c.Variables[name]
	return v, ok
}

// SetVar sets a variable, allocating the map on first use.
func (c *LeadContext) SetVar(name string, value any) {
	if c.Variables == nil {
		c.Variables = make(map[string]any)
	}
	c.Variables[name] = value
}

// AppendHistory appends an entry; history never shrinks.
func (c *LeadContext) AppendHistory(e HistoryEntry) {
	c.History = append(c.History, e)
}

// Clone returns a deep copy so stores can hand out snapshots without
// aliasing the caller's maps and slices.
func (c *LeadContext) Clone() *LeadContext {
	cp := *c
	if c.Variables != nil {
		cp.Variables = make(map[string]any, len(c.Variables))
		for k, v := range c.Variables {
			cp.Variables[k] = v
		}
	}
	if c.History != nil {
		cp.History = append([]HistoryEntry(nil), c.History...)
	}
	if c.PendingWakeAt != nil {
		t := *c.PendingWakeAt
		cp.PendingWakeAt = &t
	}
	return &cp
}

// ContextListOptions filters ListContexts. Zero values mean "no filter".
type ContextListOptions struct {
	CampaignID string
	Status     Status
}
