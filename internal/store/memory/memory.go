// Package memory implements rates.Store in process memory. It mirrors the
// Mongo adapter's semantics (unique asset ids and names, unique
// (asset, time) pairs, insert-or-noop upsert) and backs the test suites.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/quotelab/ratefeed/internal/rates"
)

// Store is an in-memory rates.Store safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	assets []rates.Asset
	points map[int][]rates.Point // assetID -> points, ascending time
	nextID int64
}

var _ rates.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{points: make(map[int][]rates.Point)}
}

func (s *Store) InitializeAssets(_ context.Context, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(names) == 0 {
		return nil
	}
	existing := make(map[string]bool, len(s.assets))
	ids := make(map[int]bool, len(s.assets))
	for _, a := range s.assets {
		existing[a.Name] = true
		ids[a.ID] = true
	}
	for i, name := range names {
		if existing[name] || ids[i+1] {
			return rates.ErrAlreadyPopulated
		}
	}
	for i, name := range names {
		s.assets = append(s.assets, rates.Asset{ID: i + 1, Name: name})
	}
	return nil
}

func (s *Store) ListAssets(_ context.Context) ([]rates.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]rates.Asset, len(s.assets))
	copy(assets, s.assets)
	sort.Slice(assets, func(i, j int) bool { return assets[i].ID < assets[j].ID })
	return assets, nil
}

func (s *Store) FindAssetByID(_ context.Context, id int) (*rates.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.assets {
		if a.ID == id {
			found := a
			return &found, nil
		}
	}
	return nil, nil
}

func (s *Store) UpsertPoint(_ context.Context, assetID int, t int64, value float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pts := s.points[assetID]
	i := sort.Search(len(pts), func(i int) bool { return pts[i].Time >= t })
	if i < len(pts) && pts[i].Time == t {
		return false, nil
	}
	s.nextID++
	p := rates.Point{
		ID:      strconv.FormatInt(s.nextID, 10),
		AssetID: assetID,
		Time:    t,
		Value:   value,
	}
	pts = append(pts, rates.Point{})
	copy(pts[i+1:], pts[i:])
	pts[i] = p
	s.points[assetID] = pts
	return true, nil
}

func (s *Store) LatestPoint(_ context.Context, assetID int) (*rates.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pts := s.points[assetID]
	if len(pts) == 0 {
		return nil, nil
	}
	p := pts[len(pts)-1]
	return &p, nil
}

func (s *Store) History(_ context.Context, assetID int, since int64) ([]rates.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pts := s.points[assetID]
	var out []rates.Point
	// Newest first.
	for i := len(pts) - 1; i >= 0; i-- {
		if pts[i].Time >= since {
			out = append(out, pts[i])
		}
	}
	return out, nil
}
