package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/intake-cli/internal/model"
	"github.com/sells-group/intake-cli/internal/pipeline"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS run_outcomes (
	run_id      TEXT PRIMARY KEY,
	matter_id   INTEGER NOT NULL,
	step        TEXT NOT NULL,
	success     INTEGER NOT NULL DEFAULT 0,
	reason      TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS deliveries (
	matter_id   INTEGER NOT NULL,
	document_id INTEGER NOT NULL,
	run_id      TEXT NOT NULL,
	claimed_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (matter_id, document_id)
);

CREATE INDEX IF NOT EXISTS idx_run_outcomes_matter ON run_outcomes(matter_id);
CREATE INDEX IF NOT EXISTS idx_run_outcomes_started ON run_outcomes(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveOutcome(ctx context.Context, o *model.RunOutcome) error {
	if o == nil || o.RunID == "" {
		return eris.New("sqlite: outcome needs a run id")
	}
	outcomeJSON, err := json.Marshal(o)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal outcome")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_outcomes (run_id, matter_id, step, success, reason, outcome, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			step = excluded.step,
			success = excluded.success,
			reason = excluded.reason,
			outcome = excluded.outcome,
			finished_at = excluded.finished_at`,
		o.RunID, o.MatterID, string(o.Step), o.Success, string(o.Reason), string(outcomeJSON),
		o.StartedAt.UTC(), o.FinishedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save outcome %s", o.RunID)
}

func (s *SQLiteStore) GetOutcome(ctx context.Context, runID string) (*model.RunOutcome, error) {
	row := s.db.QueryRowContext(ctx, `SELECT outcome FROM run_outcomes WHERE run_id = ?`, runID)

	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
		}
		return nil, eris.Wrapf(err, "sqlite: get outcome %s", runID)
	}
	return decodeOutcome([]byte(raw))
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]model.RunOutcome, error) {
	query := `SELECT outcome FROM run_outcomes WHERE 1=1`
	var args []any

	if filter.MatterID > 0 {
		query += ` AND matter_id = ?`
		args = append(args, filter.MatterID)
	}
	if filter.FailedOnly {
		query += ` AND success = 0`
	}
	if !filter.StartedAfter.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, filter.StartedAfter.UTC())
	}
	query += ` ORDER BY started_at DESC, run_id LIMIT ?`
	args = append(args, filter.limit())

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list outcomes")
	}
	defer rows.Close()

	out := []model.RunOutcome{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outcome")
		}
		o, err := decodeOutcome([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list outcomes iterate")
}

func (s *SQLiteStore) Claim(ctx context.Context, key pipeline.DeliveryKey, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (matter_id, document_id, run_id, claimed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(matter_id, document_id) DO NOTHING`,
		key.MatterID, key.DocumentID, runID, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim delivery %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) Release(ctx context.Context, key pipeline.DeliveryKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE matter_id = ? AND document_id = ?`,
		key.MatterID, key.DocumentID,
	)
	return eris.Wrapf(err, "sqlite: release delivery %s", key)
}

func decodeOutcome(raw []byte) (*model.RunOutcome, error) {
	var o model.RunOutcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal outcome")
	}
	return &o, nil
}
