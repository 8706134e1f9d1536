package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/forecast-tuner/internal/db"
	"github.com/sells-group/forecast-tuner/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the per-pair batch path.
var preparedStatements = map[string]string{
	"get_cache_entry": `SELECT entry FROM cache_entries WHERE product_id = $1 AND model_id = $2`,
	"put_cache_entry": `INSERT INTO cache_entries (product_id, model_id, entry, selected, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_id, model_id) DO UPDATE SET entry = EXCLUDED.entry, selected = EXCLUDED.selected, updated_at = EXCLUDED.updated_at`,
	"has_pair":    `SELECT EXISTS (SELECT 1 FROM queue_items WHERE product_id = $1 AND model_id = $2)`,
	"load_series": `SELECT product_id, obs_date, value, is_outlier, note FROM observations WHERE dataset_id = $1 AND product_id = $2 ORDER BY obs_date`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.NewPool(ctx, connString, poolCfg, func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller keeps ownership.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS observations (
	dataset_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	obs_date   TIMESTAMPTZ NOT NULL,
	value      DOUBLE PRECISION NOT NULL,
	is_outlier BOOLEAN NOT NULL DEFAULT false,
	note       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (dataset_id, product_id, obs_date)
);

CREATE TABLE IF NOT EXISTS queue_items (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	product_id TEXT NOT NULL,
	model_id   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (product_id, model_id)
);

CREATE TABLE IF NOT EXISTS cache_entries (
	product_id TEXT NOT NULL,
	model_id   TEXT NOT NULL,
	entry      JSONB NOT NULL,
	selected   TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (product_id, model_id)
);

CREATE INDEX IF NOT EXISTS idx_queue_items_product ON queue_items(product_id);
CREATE INDEX IF NOT EXISTS idx_cache_entries_selected ON cache_entries(selected);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

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

// Cache entries

func (s *PostgresStore) GetEntry(ctx context.Context, productID, modelID string) (*model.CacheEntry, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT entry FROM cache_entries WHERE product_id = $1 AND model_id = $2`,
		productID, modelID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get cache entry %s/%s", productID, modelID)
	}
	return decodeEntry(raw)
}

func (s *PostgresStore) PutEntry(ctx context.Context, entry *model.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal cache entry")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO cache_entries (product_id, model_id, entry, selected, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (product_id, model_id) DO UPDATE SET entry = EXCLUDED.entry, selected = EXCLUDED.selected, updated_at = EXCLUDED.updated_at`,
		entry.ProductID, entry.ModelID, raw, entry.Selected.String(), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: put cache entry %s/%s", entry.ProductID, entry.ModelID)
}

func (s *PostgresStore) ListEntries(ctx context.Context, productID string) ([]model.CacheEntry, error) {
	query := `SELECT entry FROM cache_entries`
	var args []any
	if productID != "" {
		query += ` WHERE product_id = $1`
		args = append(args, productID)
	}
	query += ` ORDER BY product_id, model_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cache entries")
	}
	defer rows.Close()

	var out []model.CacheEntry
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cache entry")
		}
		e, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list cache entries iterate")
}

// Queue

func (s *PostgresStore) Enqueue(ctx context.Context, items []model.QueueItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: enqueue begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	added := 0
	for _, it := range items {
		it = withQueueDefaults(it)
		tag, err := tx.Exec(ctx,
			`INSERT INTO queue_items (id, product_id, model_id, reason, created_at) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (product_id, model_id) DO NOTHING`,
			it.ID, it.ProductID, it.ModelID, it.Reason, it.Timestamp,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: enqueue %s/%s", it.ProductID, it.ModelID)
		}
		added += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: enqueue commit")
	}
	return added, nil
}

func (s *PostgresStore) DequeueCombinations(ctx context.Context) ([]model.QueueItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, product_id, model_id, reason, created_at FROM queue_items ORDER BY seq`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list queue")
	}
	defer rows.Close()

	var out []model.QueueItem
	for rows.Next() {
		var q model.QueueItem
		if err := rows.Scan(&q.ID, &q.ProductID, &q.ModelID, &q.Reason, &q.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan queue item")
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list queue iterate")
}

func (s *PostgresStore) RemovePairs(ctx context.Context, pairs []model.Pair) (int, error) {
	if len(pairs) == 0 {
		return 0, nil
	}
	products := make([]string, len(pairs))
	models := make([]string, len(pairs))
	for i, p := range pairs {
		products[i] = p.ProductID
		models[i] = p.ModelID
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM queue_items q USING unnest($1::text[], $2::text[]) AS p(product_id, model_id)
		 WHERE q.product_id = p.product_id AND q.model_id = p.model_id`,
		products, models,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: remove pairs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) RemoveProducts(ctx context.Context, productIDs []string) (int, error) {
	if len(productIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue_items WHERE product_id = ANY($1)`, productIDs)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: remove products")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) HasPair(ctx context.Context, pair model.Pair) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM queue_items WHERE product_id = $1 AND model_id = $2)`,
		pair.ProductID, pair.ModelID,
	).Scan(&ok)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: has pair %s/%s", pair.ProductID, pair.ModelID)
	}
	return ok, nil
}

// Series

func (s *PostgresStore) LoadSeries(ctx context.Context, datasetID, productID string) ([]model.Observation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT product_id, obs_date, value, is_outlier, note FROM observations WHERE dataset_id = $1 AND product_id = $2 ORDER BY obs_date`,
		datasetID, productID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load series %s", productID)
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		if err := rows.Scan(&o.ProductID, &o.Date, &o.Value, &o.IsOutlier, &o.Note); err != nil {
			return nil, eris.Wrap(err, "postgres: scan observation")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load series iterate")
}

var observationColumns = []string{"dataset_id", "product_id", "obs_date", "value", "is_outlier", "note"}

func (s *PostgresStore) SaveObservations(ctx context.Context, datasetID string, obs []model.Observation) (int, error) {
	rows := make([][]any, len(obs))
	for i, o := range obs {
		rows[i] = []any{datasetID, o.ProductID, o.Date.UTC(), o.Value, o.IsOutlier, o.Note}
	}
	n, err := db.Upsert(ctx, s.pool, db.UpsertSpec{
		Table:   "observations",
		Columns: observationColumns,
		Keys:    []string{"dataset_id", "product_id", "obs_date"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: save observations")
	}
	return int(n), nil
}

func (s *PostgresStore) ListProducts(ctx context.Context, datasetID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT product_id FROM observations WHERE dataset_id = $1 ORDER BY product_id`,
		datasetID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list products")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan product")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list products iterate")
}
