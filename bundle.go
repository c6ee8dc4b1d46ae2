package outflow

import (
	"database/sql"

	"github.com/petrijr/outflow/internal/engine"
	"github.com/petrijr/outflow/internal/persistence"
	"github.com/petrijr/outflow/internal/taskqueue"
	workerpkg "github.com/petrijr/outflow/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable task queue, and a Worker
// that consumes tasks from that queue. The engine's wake scheduler is bound
// to the queue, so pending delay timers survive a process restart alongside
// the lead contexts they wake.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	// queue is kept unexported; it is primarily useful for internal
	// inspection and tests. The public API focuses on Engine and Worker.
	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Campaign graphs, lead contexts, and queued tasks
// all live in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:outflow.db?_journal=WAL")
//	bundle, err := outflow.NewSQLiteBundle(db, outflow.EngineOptions{}, worker.Config{})
//	// publish graphs on bundle.Engine
//	// enqueue enrollments and messages via bundle.Worker
func NewSQLiteBundle(db *sql.DB, opts EngineOptions, cfg workerpkg.Config) (*WorkerBundle, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	opts.Scheduler = workerpkg.NewQueueScheduler(q)

	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.Persistence{Graphs: store, Contexts: store},
		Options:     opts,
	})
	if cfg.Observer == nil {
		cfg.Observer = opts.Observer
	}
	w := workerpkg.NewWithConfig(eng, q, cfg)

	return &WorkerBundle{
		Engine: eng,
		Worker: w,
		queue:  q,
	}, nil
}
