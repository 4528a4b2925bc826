package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-cli/internal/model"
	"github.com/sells-group/intake-cli/internal/pipeline"
)

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	if strings.TrimSpace(connString) == "" {
		return nil, eris.New("postgres: database url is required")
	}
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS run_outcomes (
	run_id      TEXT PRIMARY KEY,
	matter_id   BIGINT NOT NULL,
	step        TEXT NOT NULL,
	success     BOOLEAN NOT NULL DEFAULT false,
	reason      TEXT NOT NULL DEFAULT '',
	outcome     JSONB NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS deliveries (
	matter_id   BIGINT NOT NULL,
	document_id BIGINT NOT NULL,
	run_id      TEXT NOT NULL,
	claimed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (matter_id, document_id)
);

CREATE INDEX IF NOT EXISTS idx_run_outcomes_matter ON run_outcomes(matter_id);
CREATE INDEX IF NOT EXISTS idx_run_outcomes_started ON run_outcomes(started_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveOutcome(ctx context.Context, o *model.RunOutcome) error {
	if o == nil || o.RunID == "" {
		return eris.New("postgres: outcome needs a run id")
	}
	outcomeJSON, err := json.Marshal(o)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal outcome")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_outcomes (run_id, matter_id, step, success, reason, outcome, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (run_id) DO UPDATE SET
			step = EXCLUDED.step,
			success = EXCLUDED.success,
			reason = EXCLUDED.reason,
			outcome = EXCLUDED.outcome,
			finished_at = EXCLUDED.finished_at`,
		o.RunID, o.MatterID, string(o.Step), o.Success, string(o.Reason), outcomeJSON,
		o.StartedAt.UTC(), o.FinishedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save outcome %s", o.RunID)
}

func (s *PostgresStore) GetOutcome(ctx context.Context, runID string) (*model.RunOutcome, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT outcome FROM run_outcomes WHERE run_id = $1`, runID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get outcome %s", runID)
	}
	return decodeOutcome(raw)
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]model.RunOutcome, error) {
	query := `SELECT outcome FROM run_outcomes WHERE 1=1`
	var args []any
	argN := 1

	if filter.MatterID > 0 {
		query += fmt.Sprintf(` AND matter_id = $%d`, argN)
		args = append(args, filter.MatterID)
		argN++
	}
	if filter.FailedOnly {
		query += ` AND NOT success`
	}
	if !filter.StartedAfter.IsZero() {
		query += fmt.Sprintf(` AND started_at >= $%d`, argN)
		args = append(args, filter.StartedAfter.UTC())
		argN++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC, run_id LIMIT $%d`, argN)
	args = append(args, filter.limit())
	argN++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argN)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list outcomes")
	}
	defer rows.Close()

	out := []model.RunOutcome{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan outcome")
		}
		o, err := decodeOutcome(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list outcomes iterate")
}

func (s *PostgresStore) Claim(ctx context.Context, key pipeline.DeliveryKey, runID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO deliveries (matter_id, document_id, run_id) VALUES ($1, $2, $3)
		 ON CONFLICT (matter_id, document_id) DO NOTHING`,
		key.MatterID, key.DocumentID, runID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim delivery %s", key)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Release(ctx context.Context, key pipeline.DeliveryKey) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM deliveries WHERE matter_id = $1 AND document_id = $2`,
		key.MatterID, key.DocumentID,
	)
	return eris.Wrapf(err, "postgres: release delivery %s", key)
}
