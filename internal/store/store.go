// Package store keeps the audit history of pipeline runs and the delivery
// ledger that guards client notifications.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-cli/internal/model"
	"github.com/sells-group/intake-cli/internal/pipeline"
)

// ErrNotFound is returned when a run outcome does not exist.
var ErrNotFound = errors.New("store: not found")

// OutcomeFilter specifies criteria for listing run outcomes.
type OutcomeFilter struct {
	MatterID   int64 `json:"matter_id,omitempty"`
	FailedOnly bool  `json:"failed_only,omitempty"`

	// StartedAfter keeps runs that started at or after this instant.
	StartedAfter time.Time `json:"started_after,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Offset       int       `json:"offset,omitempty"`
}

const defaultListLimit = 50

func (f OutcomeFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// Store defines the persistence interface for run outcomes and deliveries.
type Store interface {
	// Outcomes
	SaveOutcome(ctx context.Context, o *model.RunOutcome) error
	GetOutcome(ctx context.Context, runID string) (*model.RunOutcome, error)
	ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]model.RunOutcome, error)

	// Delivery ledger
	Claim(ctx context.Context, key pipeline.DeliveryKey, runID string) (bool, error)
	Release(ctx context.Context, key pipeline.DeliveryKey) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

var (
	_ pipeline.DeliveryLedger = Store(nil)
	_ pipeline.Recorder       = Store(nil)
)

// Config selects and configures a Store.
type Config struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// Open creates the configured Store and applies its migrations.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		st  Store
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "intake.db"
		}
		st, err = NewSQLite(dsn)
	case "postgres":
		st, err = NewPostgres(ctx, cfg.DatabaseURL, &cfg.Pool)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}
