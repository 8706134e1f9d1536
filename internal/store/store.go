// Package store persists observations, the optimization queue and cache
// entries. Memory, SQLite and Postgres backends share one interface.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/forecast-tuner/internal/db"
	"github.com/sells-group/forecast-tuner/internal/model"
)

// CacheStore persists cache entries. The cache package owns selection; a
// backend only stores what it is given.
type CacheStore interface {
	// GetEntry returns nil, nil when the pair has no entry.
	GetEntry(ctx context.Context, productID, modelID string) (*model.CacheEntry, error)
	PutEntry(ctx context.Context, entry *model.CacheEntry) error
	// ListEntries returns every entry of productID, or all entries when
	// productID is empty.
	ListEntries(ctx context.Context, productID string) ([]model.CacheEntry, error)
}

// QueueStore holds pending (product, model) pairs in insertion order.
type QueueStore interface {
	// Enqueue adds items, assigning IDs and timestamps where missing. Pairs
	// already pending keep their position. Returns how many were added.
	Enqueue(ctx context.Context, items []model.QueueItem) (int, error)
	// DequeueCombinations lists pending items in insertion order without
	// removing them.
	DequeueCombinations(ctx context.Context) ([]model.QueueItem, error)
	RemovePairs(ctx context.Context, pairs []model.Pair) (int, error)
	RemoveProducts(ctx context.Context, productIDs []string) (int, error)
	HasPair(ctx context.Context, pair model.Pair) (bool, error)
}

// SeriesStore holds imported observations per dataset.
type SeriesStore interface {
	// LoadSeries returns the product's observations ordered by date.
	LoadSeries(ctx context.Context, datasetID, productID string) ([]model.Observation, error)
	// SaveObservations upserts by (dataset, product, date).
	SaveObservations(ctx context.Context, datasetID string, obs []model.Observation) (int, error)
	ListProducts(ctx context.Context, datasetID string) ([]string, error)
}

// Store is a complete backend.
type Store interface {
	CacheStore
	QueueStore
	SeriesStore

	Migrate(ctx context.Context) error
	Close() error
}

// Drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Driver string        `yaml:"driver" mapstructure:"driver"`
	DSN    string        `yaml:"dsn" mapstructure:"dsn"`
	Pool   db.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// Open creates the configured backend. The schema is not migrated.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverSQLite:
		if cfg.DSN == "" {
			return nil, eris.New("store: sqlite requires a dsn")
		}
		return NewSQLite(cfg.DSN)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, eris.New("store: postgres requires a dsn")
		}
		return NewPostgres(ctx, cfg.DSN, cfg.Pool)
	}
	return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
}

func pairSet(pairs []model.Pair) map[model.Pair]struct{} {
	set := make(map[model.Pair]struct{}, len(pairs))
	for _, p := range pairs {
		set[p] = struct{}{}
	}
	return set
}
