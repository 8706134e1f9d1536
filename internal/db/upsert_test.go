package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var obsSpec = UpsertSpec{
	Table:   "observations",
	Columns: []string{"dataset_id", "product_id", "obs_date", "value"},
	Keys:    []string{"dataset_id", "product_id", "obs_date"},
}

func TestUpsert_EmptyRows(t *testing.T) {
	n, err := Upsert(context.Background(), nil, obsSpec, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUpsert_InvalidSpec(t *testing.T) {
	rows := [][]any{{1, "a"}}
	tests := []struct {
		name string
		spec UpsertSpec
		want string
	}{
		{"no table", UpsertSpec{Columns: []string{"id"}, Keys: []string{"id"}}, "table is required"},
		{"no columns", UpsertSpec{Table: "t", Keys: []string{"id"}}, "no columns specified"},
		{"no keys", UpsertSpec{Table: "t", Columns: []string{"id"}}, "no conflict keys specified"},
		{"unknown key", UpsertSpec{Table: "t", Columns: []string{"id"}, Keys: []string{"other"}}, `key "other" is not a column`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Upsert(context.Background(), nil, tt.spec, rows)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_observations"}, obsSpec.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "observations" .* ON CONFLICT \("dataset_id", "product_id", "obs_date"\) DO UPDATE SET "value" = EXCLUDED."value"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := Upsert(context.Background(), mock, obsSpec,
		[][]any{{"d", "A1", "2024-01-01", 1.0}, {"d", "A1", "2024-02-01", 2.0}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_CopyFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_observations"}, obsSpec.Columns).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = Upsert(context.Background(), mock, obsSpec, [][]any{{"d", "A1", "2024-01-01", 1.0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into stage")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLastByKey(t *testing.T) {
	rows := [][]any{
		{"d", "A1", "2024-01-01", 1.0},
		{"d", "B2", "2024-01-01", 5.0},
		{"d", "A1", "2024-01-01", 3.0},
	}
	got := lastByKey(rows, obsSpec.Columns, obsSpec.Keys)
	require.Len(t, got, 2)
	assert.Equal(t, 3.0, got[0][3])
	assert.Equal(t, "B2", got[1][1])
}

func TestMergeSQL(t *testing.T) {
	sql := mergeSQL(UpsertSpec{
		Table:   "forecast.queue",
		Columns: []string{"product_id", "model_id"},
		Keys:    []string{"product_id", "model_id"},
	}, "_stage_forecast_queue")
	assert.Equal(t,
		`INSERT INTO "forecast"."queue" ("product_id", "model_id") SELECT "product_id", "model_id" FROM "_stage_forecast_queue" ON CONFLICT ("product_id", "model_id") DO NOTHING`,
		sql)
}

func TestQualified(t *testing.T) {
	assert.Equal(t, `"observations"`, qualified("observations"))
	assert.Equal(t, `"forecast"."observations"`, qualified("forecast.observations"))
}
