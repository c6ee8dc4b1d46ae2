package outflow

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/petrijr/outflow/internal/engine"
	"github.com/petrijr/outflow/internal/persistence"
	"github.com/petrijr/outflow/internal/taskqueue"
	"github.com/petrijr/outflow/pkg/api"
	"github.com/petrijr/outflow/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and a
// Worker into a simple single-process runner for development and tests. Its
// engine's wake scheduler is wired to the queue, so delay nodes work
// end-to-end: a parked lead is woken by a worker when its timer elapses.
//
// Typical usage:
//
//	runner := outflow.NewLocalRunner(outflow.EngineOptions{Messenger: m})
//	g := outflow.NewGraph("promo"). ... .MustBuild()
//	runner.Engine.PublishGraph(ctx, g)
//
//	_ = runner.StartWorkers(ctx, 2)
//	_ = runner.EnrollAsync(ctx, "lead-1", "promo", outflow.Message("lead-1", "whatsapp", "hi"))
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory campaign engine used by this runner.
	Engine Engine

	// Queue is the in-memory task queue used by the Worker.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner. The Scheduler field of opts is
// always replaced with the runner's own queue-backed scheduler.
func NewLocalRunner(opts EngineOptions) *LocalRunner {
	q := taskqueue.NewInMemoryQueue(1024)
	opts.Scheduler = worker.NewQueueScheduler(q)

	mem := persistence.NewInMemoryStore()
	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.Persistence{Graphs: mem, Contexts: mem},
		Options:     opts,
	})
	w := worker.NewWithConfig(eng, q, worker.Config{Observer: opts.Observer})

	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: w,
	}
}

// StartWorkers starts 'concurrency' worker goroutines that continuously call
// Worker.ProcessOne(ctx) until the context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("outflow: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				processed, err := r.Worker.ProcessOne(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					// A single bad task must not kill the worker loop.
					log.Printf("outflow: local runner worker error: %v", err)
					continue
				}
				if !processed {
					continue
				}
			}
		}()
	}
	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits for
// them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// EnrollAsync enqueues an enrollment task; a worker performs the actual
// enrollment and runs the graph.
func (r *LocalRunner) EnrollAsync(ctx context.Context, leadID, campaignID string, ev api.InboundEvent) error {
	return r.Worker.EnqueueEnroll(ctx, leadID, campaignID, ev)
}

// InboundAsync enqueues an inbound message for asynchronous processing.
func (r *LocalRunner) InboundAsync(ctx context.Context, ev api.InboundEvent) error {
	return r.Worker.EnqueueInbound(ctx, ev)
}
