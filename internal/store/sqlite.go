package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/forecast-tuner/internal/model"
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
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS observations (
	dataset_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	obs_date   DATETIME NOT NULL,
	value      REAL NOT NULL,
	is_outlier INTEGER NOT NULL DEFAULT 0,
	note       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (dataset_id, product_id, obs_date)
);

CREATE TABLE IF NOT EXISTS queue_items (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	product_id TEXT NOT NULL,
	model_id   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	UNIQUE (product_id, model_id)
);

CREATE TABLE IF NOT EXISTS cache_entries (
	product_id TEXT NOT NULL,
	model_id   TEXT NOT NULL,
	entry      TEXT NOT NULL,
	selected   TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (product_id, model_id)
);

CREATE INDEX IF NOT EXISTS idx_queue_items_product ON queue_items(product_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Cache entries

func (s *SQLiteStore) GetEntry(ctx context.Context, productID, modelID string) (*model.CacheEntry, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT entry FROM cache_entries WHERE product_id = ? AND model_id = ?`,
		productID, modelID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cache entry %s/%s", productID, modelID)
	}
	return decodeEntry([]byte(raw))
}

func (s *SQLiteStore) PutEntry(ctx context.Context, entry *model.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal cache entry")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (product_id, model_id, entry, selected, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (product_id, model_id) DO UPDATE SET entry = excluded.entry, selected = excluded.selected, updated_at = excluded.updated_at`,
		entry.ProductID, entry.ModelID, string(raw), entry.Selected.String(), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: put cache entry %s/%s", entry.ProductID, entry.ModelID)
}

func (s *SQLiteStore) ListEntries(ctx context.Context, productID string) ([]model.CacheEntry, error) {
	query := `SELECT entry FROM cache_entries`
	var args []any
	if productID != "" {
		query += ` WHERE product_id = ?`
		args = append(args, productID)
	}
	query += ` ORDER BY product_id, model_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cache entries")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CacheEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cache entry")
		}
		e, err := decodeEntry([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list cache entries iterate")
}

// Queue

func (s *SQLiteStore) Enqueue(ctx context.Context, items []model.QueueItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: enqueue begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	added := 0
	for _, it := range items {
		it = withQueueDefaults(it)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO queue_items (id, product_id, model_id, reason, created_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (product_id, model_id) DO NOTHING`,
			it.ID, it.ProductID, it.ModelID, it.Reason, it.Timestamp,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: enqueue %s/%s", it.ProductID, it.ModelID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		added += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: enqueue commit")
	}
	return added, nil
}

func (s *SQLiteStore) DequeueCombinations(ctx context.Context) ([]model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_id, model_id, reason, created_at FROM queue_items ORDER BY seq`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list queue")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.QueueItem
	for rows.Next() {
		var q model.QueueItem
		if err := rows.Scan(&q.ID, &q.ProductID, &q.ModelID, &q.Reason, &q.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queue item")
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list queue iterate")
}

func (s *SQLiteStore) RemovePairs(ctx context.Context, pairs []model.Pair) (int, error) {
	args := make([][]any, len(pairs))
	for i, p := range pairs {
		args[i] = []any{p.ProductID, p.ModelID}
	}
	return s.deleteEach(ctx, `DELETE FROM queue_items WHERE product_id = ? AND model_id = ?`, args, "remove pairs")
}

func (s *SQLiteStore) RemoveProducts(ctx context.Context, productIDs []string) (int, error) {
	args := make([][]any, len(productIDs))
	for i, id := range productIDs {
		args[i] = []any{id}
	}
	return s.deleteEach(ctx, `DELETE FROM queue_items WHERE product_id = ?`, args, "remove products")
}

func (s *SQLiteStore) deleteEach(ctx context.Context, stmt string, args [][]any, op string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: %s begin tx", op)
	}
	defer tx.Rollback() //nolint:errcheck

	removed := 0
	for _, a := range args {
		res, err := tx.ExecContext(ctx, stmt, a...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: %s", op)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		removed += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrapf(err, "sqlite: %s commit", op)
	}
	return removed, nil
}

func (s *SQLiteStore) HasPair(ctx context.Context, pair model.Pair) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM queue_items WHERE product_id = ? AND model_id = ? LIMIT 1`,
		pair.ProductID, pair.ModelID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: has pair %s/%s", pair.ProductID, pair.ModelID)
	}
	return true, nil
}

// Series

func (s *SQLiteStore) LoadSeries(ctx context.Context, datasetID, productID string) ([]model.Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, obs_date, value, is_outlier, note FROM observations
		 WHERE dataset_id = ? AND product_id = ? ORDER BY obs_date`,
		datasetID, productID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load series %s", productID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		if err := rows.Scan(&o.ProductID, &o.Date, &o.Value, &o.IsOutlier, &o.Note); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan observation")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load series iterate")
}

func (s *SQLiteStore) SaveObservations(ctx context.Context, datasetID string, obs []model.Observation) (int, error) {
	if len(obs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: save observations begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO observations (dataset_id, product_id, obs_date, value, is_outlier, note) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (dataset_id, product_id, obs_date) DO UPDATE SET value = excluded.value, is_outlier = excluded.is_outlier, note = excluded.note`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare observation upsert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, o := range obs {
		if _, err := stmt.ExecContext(ctx, datasetID, o.ProductID, o.Date.UTC(), o.Value, o.IsOutlier, o.Note); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert observation %s", o.ProductID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: save observations commit")
	}
	return len(obs), nil
}

func (s *SQLiteStore) ListProducts(ctx context.Context, datasetID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT product_id FROM observations WHERE dataset_id = ? ORDER BY product_id`,
		datasetID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list products")
	}
	defer rows.Close() //nolint:errcheck

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan product")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list products iterate")
}

// helpers

func withQueueDefaults(it model.QueueItem) model.QueueItem {
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	if it.Timestamp.IsZero() {
		it.Timestamp = time.Now().UTC()
	}
	return it
}

func decodeEntry(raw []byte) (*model.CacheEntry, error) {
	var e model.CacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal cache entry")
	}
	return &e, nil
}
