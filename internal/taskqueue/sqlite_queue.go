package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/petrijr/outflow/pkg/api"
)

// SQLiteQueue is a persistent task queue backed by SQLite with simple FIFO
// semantics per eligibility time, based on an auto-incrementing id.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a
// new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS lead_tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT,
			type TEXT NOT NULL,
			lead_id TEXT NOT NULL,
			campaign_id TEXT,
			channel TEXT,
			text TEXT,
			intent TEXT,
			triage INTEGER NOT NULL DEFAULT 0,
			generation INTEGER NOT NULL DEFAULT 0,
			command TEXT,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL
		);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	now := time.Now()
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	notBefore := t.NotBefore
	if notBefore.IsZero() {
		notBefore = t.EnqueuedAt
	}

	triage := 0
	if t.Triage {
		triage = 1
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO lead_tasks (task_id, type, lead_id, campaign_id, channel, text, intent, triage, generation, command, enqueued_at, not_before, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		string(t.Type),
		t.LeadID,
		t.CampaignID,
		t.Channel,
		t.Text,
		t.Intent,
		triage,
		t.Generation,
		string(t.Command),
		t.EnqueuedAt.UnixNano(),
		notBefore.UnixNano(),
		t.Attempts,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		task, err := q.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// tryClaim pops the oldest eligible task inside a transaction, or returns
// (nil, nil) when nothing is due yet.
func (q *SQLiteQueue) tryClaim(ctx context.Context) (*Task, error) {
	now := time.Now().UnixNano()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	var (
		id          int64
		taskID      sql.NullString
		typeStr     string
		leadID      string
		campaignID  sql.NullString
		channel     sql.NullString
		text        sql.NullString
		intent      sql.NullString
		triage      int
		generation  int64
		command     sql.NullString
		enqueuedInt int64
		notBefore   int64
		attempts    int
	)

	row := tx.QueryRowContext(ctx, `
		SELECT id, task_id, type, lead_id, campaign_id, channel, text, intent, triage, generation, command, enqueued_at, not_before, attempts
		FROM lead_tasks
		WHERE not_before <= ?
		ORDER BY not_before, id
		LIMIT 1`, now)
	err = row.Scan(&id, &taskID, &typeStr, &leadID, &campaignID, &channel, &text, &intent, &triage, &generation, &command, &enqueuedInt, &notBefore, &attempts)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM lead_tasks WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t := &Task{
		ID:         taskID.String,
		Type:       TaskType(typeStr),
		LeadID:     leadID,
		CampaignID: campaignID.String,
		Channel:    channel.String,
		Text:       text.String,
		Intent:     intent.String,
		Triage:     triage != 0,
		Generation: generation,
		Command:    api.CommandKind(command.String),
		EnqueuedAt: time.Unix(0, enqueuedInt),
		NotBefore:  time.Unix(0, notBefore),
		Attempts:   attempts + 1,
	}
	return t, nil
}

func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM lead_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
