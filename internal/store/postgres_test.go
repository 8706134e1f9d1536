package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/forecast-tuner/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS observations`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEntry_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT entry FROM cache_entries WHERE product_id = \$1 AND model_id = \$2`).
		WithArgs("A1", "ses").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetEntry(context.Background(), "A1", "ses")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEntry(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	raw, err := json.Marshal(model.CacheEntry{
		ProductID: "A1",
		ModelID:   "ses",
		Grid:      &model.OptimizedParameters{Parameters: map[string]float64{"alpha": 0.5}, Method: model.MethodGrid},
		Selected:  model.MethodGrid,
	})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT entry FROM cache_entries`).
		WithArgs("A1", "ses").
		WillReturnRows(mock.NewRows([]string{"entry"}).AddRow(raw))

	got, err := s.GetEntry(context.Background(), "A1", "ses")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.MethodGrid, got.Selected)
	assert.InDelta(t, 0.5, got.Grid.Parameters["alpha"], 1e-12)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutEntry_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO cache_entries .* ON CONFLICT`).
		WithArgs("A1", "ses", pgxmock.AnyArg(), "manual", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.PutEntry(context.Background(), &model.CacheEntry{
		ProductID: "A1", ModelID: "ses",
		Manual:   &model.OptimizedParameters{Parameters: map[string]float64{"alpha": 0.2}},
		Selected: model.MethodManual,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Enqueue(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO queue_items`).
		WithArgs(pgxmock.AnyArg(), "A1", "ses", "import", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO queue_items`).
		WithArgs(pgxmock.AnyArg(), "A1", "holt", "import", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	n, err := s.Enqueue(context.Background(), []model.QueueItem{item("A1", "ses"), item("A1", "holt")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DequeueCombinations(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT id, product_id, model_id, reason, created_at FROM queue_items ORDER BY seq`).
		WillReturnRows(mock.NewRows([]string{"id", "product_id", "model_id", "reason", "created_at"}).
			AddRow("q1", "B2", "ses", "", now).
			AddRow("q2", "A1", "ses", "import", now))

	items, err := s.DequeueCombinations(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "B2", items[0].ProductID)
	assert.Equal(t, "import", items[1].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RemovePairs(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM queue_items q USING unnest`).
		WithArgs([]string{"A1", "B2"}, []string{"ses", "holt"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	n, err := s.RemovePairs(context.Background(), []model.Pair{
		{ProductID: "A1", ModelID: "ses"},
		{ProductID: "B2", ModelID: "holt"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RemoveProducts_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM queue_items WHERE product_id = ANY`).
		WithArgs([]string{"A1"}).
		WillReturnError(fmt.Errorf("too many connections"))

	_, err := s.RemoveProducts(context.Background(), []string{"A1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: remove products")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_HasPair(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("A1", "ses").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.HasPair(context.Background(), model.Pair{ProductID: "A1", ModelID: "ses"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadSeries(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT product_id, obs_date, value, is_outlier, note FROM observations`).
		WithArgs("ds1", "A1").
		WillReturnRows(mock.NewRows([]string{"product_id", "obs_date", "value", "is_outlier", "note"}).
			AddRow("A1", month(1), 10.0, false, "").
			AddRow("A1", month(2), 12.5, true, "promo"))

	obs, err := s.LoadSeries(context.Background(), "ds1", "A1")
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, []float64{10, 12.5}, model.Values(obs))
	assert.True(t, obs[1].IsOutlier)
	assert.Equal(t, "promo", obs[1].Note)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveObservations(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_observations"}, observationColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "observations"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.SaveObservations(context.Background(), "ds1", []model.Observation{
		{ProductID: "A1", Date: month(1), Value: 10},
		{ProductID: "A1", Date: month(2), Value: 11},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListProducts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT DISTINCT product_id FROM observations`).
		WithArgs("ds1").
		WillReturnRows(mock.NewRows([]string{"product_id"}).AddRow("A1").AddRow("B2"))

	products, err := s.ListProducts(context.Background(), "ds1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "B2"}, products)
	assert.NoError(t, mock.ExpectationsWereMet())
}
