package taskqueue

import (
	"context"
	"time"

	"github.com/petrijr/outflow/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	TaskTypeEnroll  TaskType = "enroll"
	TaskTypeInbound TaskType = "inbound"
	TaskTypeTimer   TaskType = "timer"
	TaskTypeCommand TaskType = "command"
)

// Task is one unit of work for the worker: an enrollment, an inbound
// message, a timer fire, or an external command. All fields are flat so
// every queue backend can store them without an opaque payload blob.
type Task struct {
	ID   string
	Type TaskType

	LeadID     string
	CampaignID string

	// For inbound tasks.
	Channel string
	Text    string
	Intent  string
	Triage  bool

	// For timer tasks: the context generation observed when the wake was
	// scheduled.
	Generation int64

	// For command tasks.
	Command api.CommandKind

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task is eligible for processing.
	// Zero means "immediately". Timer tasks set it to the wake time.
	NotBefore time.Time

	// Attempts counts how often the task has been handed to a worker.
	Attempts int
}

// Event converts the task to the engine's event envelope.
func (t *Task) Event() api.InboundEvent {
	kind := api.EventMessage
	switch t.Type {
	case TaskTypeEnroll:
		kind = api.EventEnroll
	case TaskTypeTimer:
		kind = api.EventTimer
	case TaskTypeCommand:
		kind = api.EventCommand
	}
	return api.InboundEvent{
		Kind:       kind,
		LeadID:     t.LeadID,
		CampaignID: t.CampaignID,
		Channel:    t.Channel,
		Text:       t.Text,
		Intent:     t.Intent,
		Triage:     t.Triage,
		Generation: t.Generation,
		Command:    t.Command,
		ReceivedAt: t.EnqueuedAt,
	}
}

// Queue is the durable task queue interface. Dequeue must not return a task
// before its NotBefore time.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
