package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps everything in process. It backs tests and single-node
// deployments that accept losing state on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	cases       map[string]*model.EmergencyCase
	ambulances  map[string]*model.Ambulance
	hospitals   map[string]*model.Hospital
	assignments []*model.AssignmentRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:      make(map[string]*model.EmergencyCase),
		ambulances: make(map[string]*model.Ambulance),
		hospitals:  make(map[string]*model.Hospital),
	}
}

func (s *MemoryStore) CreateCase(_ context.Context, c *model.EmergencyCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[c.ID]; ok {
		return model.Conflictf("case %s already exists", c.ID)
	}
	s.cases[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetCase(_ context.Context, id string) (*model.EmergencyCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, model.NotFoundf("case %s", id)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) UpdateCase(_ context.Context, c *model.EmergencyCase, expectedPrior model.CaseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cases[c.ID]
	if !ok {
		return model.NotFoundf("case %s", c.ID)
	}
	if cur.Status != expectedPrior {
		return model.Conflictf("case %s is %s, expected %s", c.ID, cur.Status, expectedPrior)
	}
	s.cases[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) QueryCases(_ context.Context, f model.CaseFilter) ([]*model.EmergencyCase, int, error) {
	s.mu.RLock()
	matched := make([]*model.EmergencyCase, 0)
	for _, c := range s.cases {
		if f.Match(c) {
			matched = append(matched, c.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if f.Skip >= total {
		return []*model.EmergencyCase{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Skip+f.Limit < end {
		end = f.Skip + f.Limit
	}
	return matched[f.Skip:end], total, nil
}

func (s *MemoryStore) UpsertAmbulance(_ context.Context, a *model.Ambulance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ambulances[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) ListAmbulances(_ context.Context) ([]*model.Ambulance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Ambulance, 0, len(s.ambulances))
	for _, a := range s.ambulances {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpsertHospital(_ context.Context, h *model.Hospital) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hospitals[h.ID] = h.Clone()
	return nil
}

func (s *MemoryStore) ListHospitals(_ context.Context) ([]*model.Hospital, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Hospital, 0, len(s.hospitals))
	for _, h := range s.hospitals {
		out = append(out, h.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AppendAssignment(_ context.Context, r *model.AssignmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.assignments = append(s.assignments, &cp)
	return nil
}

// ListAssignments returns the records of a case in append order; an empty
// caseID lists the whole audit trail.
func (s *MemoryStore) ListAssignments(_ context.Context, caseID string) ([]*model.AssignmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.AssignmentRecord, 0)
	for _, r := range s.assignments {
		if caseID == "" || r.CaseID == caseID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestAssignment(_ context.Context, caseID string) (*model.AssignmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.assignments) - 1; i >= 0; i-- {
		if r := s.assignments[i]; r.CaseID == caseID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, model.NotFoundf("no assignment for case %s", caseID)
}

func (s *MemoryStore) Close() error { return nil }
