package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/outflow/internal/taskqueue"
	"github.com/petrijr/outflow/pkg/api"
)

// busyRetryDelay is how long a task waits after losing the per-lead lease
// race to another worker.
const busyRetryDelay = 50 * time.Millisecond

// Config controls worker behavior.
type Config struct {
	// MaxAttempts bounds how often a task is re-enqueued after losing the
	// lead lease before it is dropped. Zero means the default of 10.
	MaxAttempts int

	// BusyRetryDelay overrides the base wait of a contended task. The wait
	// grows linearly with the attempt count. Zero means the default of 50ms.
	BusyRetryDelay time.Duration

	// Observer receives drop notifications for tasks that exhaust their
	// contention budget. Nil means api.NoopObserver.
	Observer api.Observer
}

// Worker pulls tasks from a Queue and applies them to an Engine. Multiple
// workers may share one queue; the engine's per-lead lease keeps concurrent
// tasks for the same lead from interleaving.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
}

// New creates a new Worker with default configuration.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a new Worker with the given configuration.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BusyRetryDelay <= 0 {
		cfg.BusyRetryDelay = busyRetryDelay
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	return &Worker{
		engine: engine,
		queue:  queue,
		cfg:    cfg,
	}
}

// EnqueueEnroll enqueues an asynchronous enrollment of a lead into a
// campaign. The triggering event fields (channel, text, triage) travel with
// the task so the trigger filter sees them.
func (w *Worker) EnqueueEnroll(ctx context.Context, leadID, campaignID string, ev api.InboundEvent) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeEnroll,
		LeadID:     leadID,
		CampaignID: campaignID,
		Channel:    ev.Channel,
		Text:       ev.Text,
		Intent:     ev.Intent,
		Triage:     ev.Triage,
		EnqueuedAt: time.Now(),
	})
}

// EnqueueInbound enqueues an inbound message for asynchronous processing.
func (w *Worker) EnqueueInbound(ctx context.Context, ev api.InboundEvent) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeInbound,
		LeadID:     ev.LeadID,
		CampaignID: ev.CampaignID,
		Channel:    ev.Channel,
		Text:       ev.Text,
		Intent:     ev.Intent,
		Triage:     ev.Triage,
		EnqueuedAt: time.Now(),
	})
}

// EnqueueTimer enqueues a wake-up that becomes eligible at 'at'. The
// generation stamp lets the engine reject the wake if the lead has moved on
// by the time it fires.
func (w *Worker) EnqueueTimer(ctx context.Context, leadID string, at time.Time, generation int64) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeTimer,
		LeadID:     leadID,
		Generation: generation,
		EnqueuedAt: time.Now(),
		NotBefore:  at,
	})
}

// EnqueueCommand enqueues an operator command (force-advance or
// return-from-handoff).
func (w *Worker) EnqueueCommand(ctx context.Context, leadID string, cmd api.CommandKind) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeCommand,
		LeadID:     leadID,
		Command:    cmd,
		EnqueuedAt: time.Now(),
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false, err != nil: nothing processed (ctx cancelled or
//     dequeue failure).
//   - processed == true: a task was handled; err reports the engine call.
//
// A task that finds its lead busy is re-enqueued with a delay that grows
// with each attempt; once the contention budget is spent the drop goes to
// the configured observer. ErrAlreadyEnrolled and trigger rejections are
// terminal for the task but not errors of the worker.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	err = w.dispatch(ctx, task)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, api.ErrLeadBusy):
		return true, w.requeue(ctx, task)
	case errors.Is(err, api.ErrAlreadyEnrolled),
		errors.Is(err, api.ErrTriggerRejected):
		// Duplicate or filtered-out enrollment; the task did its job.
		return true, nil
	default:
		return true, err
	}
}

func (w *Worker) dispatch(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeEnroll:
		_, err := w.engine.Enroll(ctx, task.LeadID, task.CampaignID, task.Event())
		return err
	case taskqueue.TaskTypeInbound:
		_, err := w.engine.HandleInbound(ctx, task.Event())
		return err
	case taskqueue.TaskTypeTimer:
		_, err := w.engine.FireTimer(ctx, task.LeadID, task.Generation)
		return err
	case taskqueue.TaskTypeCommand:
		switch task.Command {
		case api.CommandForceAdvance:
			_, err := w.engine.ForceAdvance(ctx, task.LeadID)
			return err
		case api.CommandReturnFromHandoff:
			_, err := w.engine.ReturnFromHandoff(ctx, task.LeadID)
			return err
		}
		return errors.New("unknown command: " + string(task.Command))
	}
	return errors.New("unknown task type: " + string(task.Type))
}

func (w *Worker) requeue(ctx context.Context, task *taskqueue.Task) error {
	if task.Attempts >= w.cfg.MaxAttempts {
		// The contention budget is spent. Report the drop where the engine
		// reports its own dropped events instead of failing the loop; the
		// lead itself is intact, only this task gives up.
		w.cfg.Observer.OnEventDropped(ctx, task.LeadID, task.Event(),
			"lease contention budget exhausted")
		return nil
	}
	t := *task
	t.NotBefore = time.Now().Add(w.cfg.BusyRetryDelay * time.Duration(task.Attempts))
	return w.queue.Enqueue(ctx, t)
}

// Run processes tasks until the context is cancelled. Task-level errors are
// reported to onError (which may be nil) and do not stop the loop.
func (w *Worker) Run(ctx context.Context, onError func(error)) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if !processed {
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				return err
			}
			continue
		}
		if err != nil && onError != nil {
			onError(err)
		}
	}
}

// QueueScheduler implements api.WakeScheduler by enqueuing durable timer
// tasks. The queue backend decides how the delay survives restarts.
type QueueScheduler struct {
	queue taskqueue.Queue
}

// NewQueueScheduler wraps a queue as the engine's wake scheduler.
func NewQueueScheduler(q taskqueue.Queue) *QueueScheduler {
	return &QueueScheduler{queue: q}
}

var _ api.WakeScheduler = (*QueueScheduler)(nil)

func (s *QueueScheduler) ScheduleWake(ctx context.Context, leadID string, at time.Time, generation int64) error {
	return s.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeTimer,
		LeadID:     leadID,
		Generation: generation,
		EnqueuedAt: time.Now(),
		NotBefore:  at,
	})
}
