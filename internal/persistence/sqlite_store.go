package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/outflow/pkg/api"
)

// SQLiteStore implements GraphStore and ContextStore on a SQLite database.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var _ GraphStore = (*SQLiteStore)(nil)

var _ ContextStore = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS graphs (
			campaign_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			spec BLOB NOT NULL,
			published_at INTEGER NOT NULL,
			PRIMARY KEY (campaign_id, version)
		);
		CREATE TABLE IF NOT EXISTS lead_contexts (
			lead_id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload BLOB NOT NULL,
			revision INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires INTEGER NOT NULL DEFAULT 0
		);`,
	)
	return err
}

func (s *SQLiteStore) PublishGraph(g *api.FlowGraph) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(version), 0) + 1 FROM graphs WHERE campaign_id = ?`,
		g.CampaignID,
	).Scan(&version)
	if err != nil {
		return 0, err
	}

	stored := *g
	stored.Version = version
	spec, err := EncodeGraph(&stored)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(
		`INSERT INTO graphs (campaign_id, version, spec, published_at) VALUES (?, ?, ?, ?)`,
		g.CampaignID, version, spec, time.Now().UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return version, tx.Commit()
}

func (s *SQLiteStore) GetGraph(campaignID string, version int64) (*api.FlowGraph, error) {
	var spec []byte
	err := s.db.QueryRow(
		`SELECT spec FROM graphs WHERE campaign_id = ? AND version = ?`,
		campaignID, version,
	).Scan(&spec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGraphNotFound
		}
		return nil, err
	}
	return DecodeGraph(spec)
}

func (s *SQLiteStore) LatestVersion(campaignID string) (int64, error) {
	var version sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(version) FROM graphs WHERE campaign_id = ?`,
		campaignID,
	).Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid || version.Int64 == 0 {
		return 0, ErrGraphNotFound
	}
	return version.Int64, nil
}

func (s *SQLiteStore) SaveContext(lc *api.LeadContext) error {
	lc.Revision = 1
	payload, err := EncodeContext(lc)
	if err != nil {
		return err
	}

	// The conditional upsert only overwrites a closed row, so two racing
	// enrollments cannot both reset a live lead.
	res, err := s.db.Exec(`
		INSERT INTO lead_contexts (lead_id, campaign_id, status, payload, revision)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(lead_id) DO UPDATE SET
			campaign_id = excluded.campaign_id,
			status = excluded.status,
			payload = excluded.payload,
			revision = excluded.revision,
			lease_owner = '',
			lease_expires = 0
		WHERE lead_contexts.status = ?`,
		lc.LeadID, lc.CampaignID, string(lc.Status), payload, lc.Revision,
		string(api.StatusClosed),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrContextLive
	}
	return nil
}

func (s *SQLiteStore) UpdateContext(lc *api.LeadContext) error {
	next := lc.Revision + 1
	stored := lc.Clone()
	stored.Revision = next
	payload, err := EncodeContext(stored)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`
		UPDATE lead_contexts
		SET campaign_id = ?, status = ?, payload = ?, revision = ?
		WHERE lead_id = ? AND revision = ?`,
		lc.CampaignID, string(lc.Status), payload, next,
		lc.LeadID, lc.Revision,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Row missing entirely, or revision mismatch.
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM lead_contexts WHERE lead_id = ?`, lc.LeadID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrContextNotFound
		}
		if err != nil {
			return err
		}
		return ErrVersionConflict
	}
	lc.Revision = next
	return nil
}

func (s *SQLiteStore) GetContext(leadID string) (*api.LeadContext, error) {
	var payload []byte
	err := s.db.QueryRow(
		`SELECT payload FROM lead_contexts WHERE lead_id = ?`, leadID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrContextNotFound
		}
		return nil, err
	}
	return DecodeContext(payload)
}

func (s *SQLiteStore) ListContexts(opts api.ContextListOptions) ([]*api.LeadContext, error) {
	query := `SELECT payload FROM lead_contexts`
	var args []any
	var clauses []string

	if opts.CampaignID != "" {
		clauses = append(clauses, "campaign_id = ?")
		args = append(args, opts.CampaignID)
	}
	if opts.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(opts.Status))
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contexts []*api.LeadContext
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		lc, err := DecodeContext(payload)
		if err != nil {
			return nil, err
		}
		contexts = append(contexts, lc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return contexts, nil
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, leadID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE lead_contexts
		SET lease_owner = ?, lease_expires = ?
		WHERE lead_id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_expires < ?)`,
		owner, now.Add(ttl).UnixNano(),
		leadID, owner, now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, leadID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lead_contexts
		SET lease_expires = ?
		WHERE lead_id = ? AND lease_owner = ?`,
		time.Now().Add(ttl).UnixNano(), leadID, owner,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, leadID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE lead_contexts
		SET lease_owner = '', lease_expires = 0
		WHERE lead_id = ? AND lease_owner = ?`,
		leadID, owner,
	)
	return err
}
