package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-cli/internal/model"
	"github.com/sells-group/intake-cli/internal/pipeline"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testOutcome(runID string, matterID int64, started time.Time, success bool) *model.RunOutcome {
	o := &model.RunOutcome{
		RunID:      runID,
		MatterID:   matterID,
		Step:       model.StepComplete,
		Success:    success,
		Steps:      []model.StepRecord{{Step: model.StepFieldsUpdated, Status: model.StepStatusSuccess, DurationMs: 12}},
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
	}
	if !success {
		o.Step = model.StepStageChanged
		o.Fail(model.StepDocumentReady, &model.RecordError{Err: errors.New("no plaintiff")})
	}
	return o
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	base := time.Date(2024, 3, 20, 15, 0, 0, 0, time.UTC)

	t.Run("SaveAndGetOutcome", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		o := testOutcome("run-1", 1001, base, true)
		o.CalendarEntryID = 8000
		o.Document = &model.DocumentRef{ID: 7000, Name: "Retainer Agreement.pdf"}
		require.NoError(t, s.SaveOutcome(ctx, o))

		got, err := s.GetOutcome(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1001), got.MatterID)
		assert.True(t, got.Success)
		assert.Equal(t, int64(8000), got.CalendarEntryID)
		require.NotNil(t, got.Document)
		assert.Equal(t, int64(7000), got.Document.ID)
		require.Len(t, got.Steps, 1)
		assert.True(t, base.Equal(got.StartedAt))
	})

	t.Run("SaveOutcomeOverwrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.SaveOutcome(ctx, testOutcome("run-1", 1001, base, false)))
		require.NoError(t, s.SaveOutcome(ctx, testOutcome("run-1", 1001, base, true)))

		got, err := s.GetOutcome(ctx, "run-1")
		require.NoError(t, err)
		assert.True(t, got.Success)

		all, err := s.ListOutcomes(ctx, OutcomeFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("SaveOutcomeNeedsRunID", func(t *testing.T) {
		s := newStore(t)
		assert.Error(t, s.SaveOutcome(context.Background(), &model.RunOutcome{}))
		assert.Error(t, s.SaveOutcome(context.Background(), nil))
	})

	t.Run("GetOutcomeNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetOutcome(context.Background(), "missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListOutcomesFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.SaveOutcome(ctx, testOutcome("a", 1001, base, true)))
		require.NoError(t, s.SaveOutcome(ctx, testOutcome("b", 1001, base.Add(time.Minute), false)))
		require.NoError(t, s.SaveOutcome(ctx, testOutcome("c", 2002, base.Add(2*time.Minute), true)))

		all, err := s.ListOutcomes(ctx, OutcomeFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "c", all[0].RunID, "newest first")

		byMatter, err := s.ListOutcomes(ctx, OutcomeFilter{MatterID: 1001})
		require.NoError(t, err)
		assert.Len(t, byMatter, 2)

		failed, err := s.ListOutcomes(ctx, OutcomeFilter{FailedOnly: true})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "b", failed[0].RunID)
		assert.Equal(t, model.ReasonInvalidRecord, failed[0].Reason)

		page, err := s.ListOutcomes(ctx, OutcomeFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "b", page[0].RunID)

		recent, err := s.ListOutcomes(ctx, OutcomeFilter{StartedAfter: base.Add(30 * time.Second)})
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "c", recent[0].RunID)
		assert.Equal(t, "b", recent[1].RunID)
	})

	t.Run("ListOutcomesEmpty", func(t *testing.T) {
		s := newStore(t)
		got, err := s.ListOutcomes(context.Background(), OutcomeFilter{})
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("ClaimOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := pipeline.DeliveryKey{MatterID: 1001, DocumentID: 7000}

		ok, err := s.Claim(ctx, key, "run-1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Claim(ctx, key, "run-2")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Release(ctx, key))
		ok, err = s.Claim(ctx, key, "run-3")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("ReleaseUnknownKey", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Release(context.Background(), pipeline.DeliveryKey{MatterID: 1, DocumentID: 2}))
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestSQLiteStore_MigrateIsRepeatable(t *testing.T) {
	s := newTestSQLite(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "intake.db")
	ctx := context.Background()

	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	ok, err := s.Claim(ctx, pipeline.DeliveryKey{MatterID: 1, DocumentID: 2}, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Close())

	s, err = NewSQLite(dbPath)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck
	require.NoError(t, s.Migrate(ctx))
	ok, err = s.Claim(ctx, pipeline.DeliveryKey{MatterID: 1, DocumentID: 2}, "run-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "open.db")})
	require.NoError(t, err)
	require.NoError(t, s.SaveOutcome(ctx, testOutcome("r", 1, time.Now(), true)))
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Driver: "mongo"})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Driver: "postgres"})
	assert.Error(t, err)
}

func TestOutcomeFilter_Limit(t *testing.T) {
	assert.Equal(t, defaultListLimit, OutcomeFilter{}.limit())
	assert.Equal(t, 5, OutcomeFilter{Limit: 5}.limit())
}
