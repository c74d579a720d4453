package store

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

var _ Store = (*CachedStore)(nil)

// CachedStore keeps hot cases in an LRU in front of a slower Store.
// Writes go through to the backend first and refresh the cached copy only on success.
type CachedStore struct {
	Store
	cases *lru.Cache[string, *model.EmergencyCase]
	group singleflight.Group
}

func NewCachedStore(next Store, size int) (*CachedStore, error) {
	// [MEMORY_MANAGEMENT] Bounded cache; cold cases fall back to the backend.
	cache, err := lru.New[string, *model.EmergencyCase](size)
	if err != nil {
		return nil, fmt.Errorf("store: cache: %w", err)
	}
	return &CachedStore{Store: next, cases: cache}, nil
}

func (s *CachedStore) GetCase(ctx context.Context, id string) (*model.EmergencyCase, error) {
	// [HOT_PATH]
	if c, ok := s.cases.Get(id); ok {
		return c.Clone(), nil
	}

	// [COALESCING] Concurrent misses for the same case share one backend read.
	v, err, _ := s.group.Do(id, func() (any, error) {
		c, err := s.Store.GetCase(ctx, id)
		if err != nil {
			return nil, err
		}
		s.cases.Add(id, c.Clone())
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.EmergencyCase).Clone(), nil
}

func (s *CachedStore) CreateCase(ctx context.Context, c *model.EmergencyCase) error {
	if err := s.Store.CreateCase(ctx, c); err != nil {
		return err
	}
	s.cases.Add(c.ID, c.Clone())
	return nil
}

func (s *CachedStore) UpdateCase(ctx context.Context, c *model.EmergencyCase, expectedPrior model.CaseStatus) error {
	if err := s.Store.UpdateCase(ctx, c, expectedPrior); err != nil {
		// the cached copy may be the reason the caller lost the race
		s.cases.Remove(c.ID)
		return err
	}
	s.cases.Add(c.ID, c.Clone())
	return nil
}

func (s *CachedStore) Len() int { return s.cases.Len() }
