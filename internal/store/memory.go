package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/forecast-tuner/internal/model"
)

type seriesKey struct {
	dataset string
	product string
}

// MemoryStore keeps everything in process memory. Reads return copies.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[model.Pair]*model.CacheEntry
	queue   []model.QueueItem
	series  map[seriesKey][]model.Observation
	nowFunc func() time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		entries: make(map[model.Pair]*model.CacheEntry),
		series:  make(map[seriesKey][]model.Observation),
		nowFunc: time.Now,
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetEntry(_ context.Context, productID, modelID string) (*model.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[model.Pair{ProductID: productID, ModelID: modelID}].Clone(), nil
}

func (s *MemoryStore) PutEntry(_ context.Context, entry *model.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[model.Pair{ProductID: entry.ProductID, ModelID: entry.ModelID}] = entry.Clone()
	return nil
}

func (s *MemoryStore) ListEntries(_ context.Context, productID string) ([]model.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CacheEntry
	for k, e := range s.entries {
		if productID == "" || k.ProductID == productID {
			out = append(out, *e.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.CacheEntry) int {
		return cmp.Or(cmp.Compare(a.ProductID, b.ProductID), cmp.Compare(a.ModelID, b.ModelID))
	})
	return out, nil
}

func (s *MemoryStore) Enqueue(_ context.Context, items []model.QueueItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make(map[model.Pair]struct{}, len(s.queue))
	for _, q := range s.queue {
		pending[q.Pair()] = struct{}{}
	}

	added := 0
	for _, it := range items {
		if _, dup := pending[it.Pair()]; dup {
			continue
		}
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		if it.Timestamp.IsZero() {
			it.Timestamp = s.nowFunc().UTC()
		}
		s.queue = append(s.queue, it)
		pending[it.Pair()] = struct{}{}
		added++
	}
	return added, nil
}

func (s *MemoryStore) DequeueCombinations(context.Context) ([]model.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.queue), nil
}

func (s *MemoryStore) RemovePairs(_ context.Context, pairs []model.Pair) (int, error) {
	set := pairSet(pairs)
	return s.removeWhere(func(q model.QueueItem) bool {
		_, ok := set[q.Pair()]
		return ok
	}), nil
}

func (s *MemoryStore) RemoveProducts(_ context.Context, productIDs []string) (int, error) {
	return s.removeWhere(func(q model.QueueItem) bool {
		return slices.Contains(productIDs, q.ProductID)
	}), nil
}

func (s *MemoryStore) removeWhere(match func(model.QueueItem) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.queue)
	s.queue = slices.DeleteFunc(s.queue, match)
	return before - len(s.queue)
}

func (s *MemoryStore) HasPair(_ context.Context, pair model.Pair) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.ContainsFunc(s.queue, func(q model.QueueItem) bool { return q.Pair() == pair }), nil
}

func (s *MemoryStore) LoadSeries(_ context.Context, datasetID, productID string) ([]model.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.series[seriesKey{datasetID, productID}]), nil
}

func (s *MemoryStore) SaveObservations(_ context.Context, datasetID string, obs []model.Observation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range obs {
		key := seriesKey{datasetID, o.ProductID}
		cur := s.series[key]
		idx := slices.IndexFunc(cur, func(c model.Observation) bool { return c.Date.Equal(o.Date) })
		if idx >= 0 {
			cur[idx] = o
		} else {
			cur = append(cur, o)
		}
		slices.SortStableFunc(cur, func(a, b model.Observation) int { return a.Date.Compare(b.Date) })
		s.series[key] = cur
	}
	return len(obs), nil
}

func (s *MemoryStore) ListProducts(_ context.Context, datasetID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for k := range s.series {
		if k.dataset == datasetID {
			out = append(out, k.product)
		}
	}
	slices.Sort(out)
	return out, nil
}
