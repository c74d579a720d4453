// Package resource keeps the authoritative in-memory view of ambulances and
// hospitals. Every entity has its own mutex; the index lock only guards
// membership, so updates to different resources never contend.
package resource

import (
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

// Registrar is the contract used by services and the assignment engine.
type Registrar interface {
	UpdateAmbulance(u model.AmbulanceUpdate) (AmbulanceResult, error)
	UpdateHospital(u model.HospitalUpdate) (*model.Hospital, error)

	Ambulance(id string) (*model.Ambulance, error)
	Hospital(id string) (*model.Hospital, error)
	Ambulances() []*model.Ambulance
	Hospitals() []*model.Hospital

	FindCandidates(loc model.Location, t model.EmergencyType) iter.Seq2[*model.Ambulance, float64]
	NearestHospitals(loc model.Location) iter.Seq2[*model.Hospital, float64]

	ReserveAmbulance(id, caseID string) (*model.Ambulance, error)
	SetDestination(id, caseID, hospitalID string) (*model.Ambulance, error)
	ReleaseAmbulance(id, caseID string) (*model.Ambulance, error)
	ReserveBed(id string) (*model.Hospital, error)
	ReleaseBed(id string) (*model.Hospital, error)

	Load(ambulances []*model.Ambulance, hospitals []*model.Hospital)
}

var _ Registrar = (*Registry)(nil)

// AmbulanceResult reports side effects of an ambulance update that callers
// must act on.
type AmbulanceResult struct {
	Ambulance *model.Ambulance
	// OrphanedCaseID is the case the ambulance was serving when the update
	// took it out of the busy set.
	OrphanedCaseID string
	// BecameAvailable is true when the ambulance entered the available pool.
	BecameAvailable bool
}

type ambulanceEntry struct {
	mu sync.Mutex
	a  model.Ambulance
}

type hospitalEntry struct {
	mu sync.Mutex
	h  model.Hospital
}

type Registry struct {
	mu         sync.RWMutex
	ambulances map[string]*ambulanceEntry
	hospitals  map[string]*hospitalEntry

	now func() time.Time
}

type Option func(*Registry)

// WithClock overrides the time source used for updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		ambulances: make(map[string]*ambulanceEntry),
		hospitals:  make(map[string]*hospitalEntry),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load replaces nothing; it seeds entries that are not yet known.
func (r *Registry) Load(ambulances []*model.Ambulance, hospitals []*model.Hospital) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range ambulances {
		if _, ok := r.ambulances[a.ID]; !ok {
			r.ambulances[a.ID] = &ambulanceEntry{a: *a.Clone()}
		}
	}
	for _, h := range hospitals {
		if _, ok := r.hospitals[h.ID]; !ok {
			r.hospitals[h.ID] = &hospitalEntry{h: *h.Clone()}
		}
	}
}

func (r *Registry) ambulanceEntry(id string) (*ambulanceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.ambulances[id]
	return e, ok
}

func (r *Registry) hospitalEntry(id string) (*hospitalEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.hospitals[id]
	return e, ok
}

// UpdateAmbulance applies a status and location report, creating the
// ambulance on first sight.
func (r *Registry) UpdateAmbulance(u model.AmbulanceUpdate) (AmbulanceResult, error) {
	if err := u.Validate(); err != nil {
		return AmbulanceResult{}, err
	}

	e, ok := r.ambulanceEntry(u.ID)
	if !ok {
		if u.Status.IsBusy() {
			return AmbulanceResult{}, model.Validationf("ambulance %s has no assignment and cannot report %s", u.ID, u.Status)
		}
		r.mu.Lock()
		if e, ok = r.ambulances[u.ID]; !ok {
			a := model.Ambulance{
				ID:           u.ID,
				Status:       u.Status,
				Location:     u.Location,
				Capabilities: u.Capabilities,
				UpdatedAt:    r.now(),
			}
			r.ambulances[u.ID] = &ambulanceEntry{a: a}
			r.mu.Unlock()
			return AmbulanceResult{
				Ambulance:       a.Clone(),
				BecameAvailable: a.Status == model.AmbulanceAvailable,
			}, nil
		}
		r.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	res := AmbulanceResult{}
	prev := e.a.Status
	switch {
	case u.Status.IsBusy() && e.a.AssignedCaseID == "":
		return res, model.Validationf("ambulance %s has no assignment and cannot report %s", u.ID, u.Status)
	case !u.Status.IsBusy() && e.a.AssignedCaseID != "":
		res.OrphanedCaseID = e.a.AssignedCaseID
		e.a.AssignedCaseID = ""
		e.a.DestinationHospitalID = ""
	}

	e.a.Status = u.Status
	e.a.Location = u.Location
	if u.Capabilities != nil {
		e.a.Capabilities = u.Capabilities
	}
	e.a.UpdatedAt = r.now()

	res.Ambulance = e.a.Clone()
	res.BecameAvailable = u.Status == model.AmbulanceAvailable && prev != model.AmbulanceAvailable
	return res, nil
}

// UpdateHospital applies an occupancy delta and optional registration fields.
// The hospital is created when TotalCapacity is supplied for an unknown id.
func (r *Registry) UpdateHospital(u model.HospitalUpdate) (*model.Hospital, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}

	e, ok := r.hospitalEntry(u.ID)
	if !ok {
		if u.TotalCapacity == nil {
			return nil, model.NotFoundf("hospital %s is not registered; total_capacity is required", u.ID)
		}
		r.mu.Lock()
		if e, ok = r.hospitals[u.ID]; !ok {
			// [REGISTER] Only a registration that passes the capacity check
			// becomes visible.
			next, err := r.applyHospital(model.Hospital{ID: u.ID, Active: true}, u)
			if err != nil {
				r.mu.Unlock()
				return nil, err
			}
			r.hospitals[u.ID] = &hospitalEntry{h: next}
			r.mu.Unlock()
			return next.Clone(), nil
		}
		r.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := r.applyHospital(e.h, u)
	if err != nil {
		return nil, err
	}
	e.h = next
	return e.h.Clone(), nil
}

func (r *Registry) applyHospital(next model.Hospital, u model.HospitalUpdate) (model.Hospital, error) {
	if u.TotalCapacity != nil {
		next.TotalCapacity = *u.TotalCapacity
	}
	if u.Active != nil {
		next.Active = *u.Active
	}
	if u.Name != nil {
		next.Name = *u.Name
	}
	if u.Location != nil {
		next.Location = *u.Location
	}
	next.Occupied += u.OccupiedDelta
	if next.Occupied < 0 || next.Occupied > next.TotalCapacity {
		return next, model.Capacityf("hospital %s occupancy %d outside [0, %d]", u.ID, next.Occupied, next.TotalCapacity)
	}
	next.UpdatedAt = r.now()
	return next, nil
}

func (r *Registry) Ambulance(id string) (*model.Ambulance, error) {
	e, ok := r.ambulanceEntry(id)
	if !ok {
		return nil, model.NotFoundf("ambulance %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.a.Clone(), nil
}

func (r *Registry) Hospital(id string) (*model.Hospital, error) {
	e, ok := r.hospitalEntry(id)
	if !ok {
		return nil, model.NotFoundf("hospital %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.h.Clone(), nil
}

func (r *Registry) ambulanceEntries() []*ambulanceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ambulanceEntry, 0, len(r.ambulances))
	for _, e := range r.ambulances {
		out = append(out, e)
	}
	return out
}

func (r *Registry) hospitalEntries() []*hospitalEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*hospitalEntry, 0, len(r.hospitals))
	for _, e := range r.hospitals {
		out = append(out, e)
	}
	return out
}

// Ambulances returns a snapshot sorted by id.
func (r *Registry) Ambulances() []*model.Ambulance {
	entries := r.ambulanceEntries()
	out := make([]*model.Ambulance, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.a.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Hospitals returns a snapshot sorted by id.
func (r *Registry) Hospitals() []*model.Hospital {
	entries := r.hospitalEntries()
	out := make([]*model.Hospital, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.h.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReserveAmbulance moves an available ambulance to en_route for caseID.
// Losing a race to another reservation returns model.ErrCapacity.
func (r *Registry) ReserveAmbulance(id, caseID string) (*model.Ambulance, error) {
	e, ok := r.ambulanceEntry(id)
	if !ok {
		return nil, model.NotFoundf("ambulance %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.a.Status != model.AmbulanceAvailable {
		return nil, model.Capacityf("ambulance %s is %s", id, e.a.Status)
	}
	e.a.Status = model.AmbulanceEnRoute
	e.a.AssignedCaseID = caseID
	e.a.UpdatedAt = r.now()
	return e.a.Clone(), nil
}

// SetDestination records the hospital an assigned ambulance transports to.
func (r *Registry) SetDestination(id, caseID, hospitalID string) (*model.Ambulance, error) {
	e, ok := r.ambulanceEntry(id)
	if !ok {
		return nil, model.NotFoundf("ambulance %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.a.AssignedCaseID != caseID {
		return nil, model.Conflictf("ambulance %s is not assigned to %s", id, caseID)
	}
	e.a.DestinationHospitalID = hospitalID
	e.a.UpdatedAt = r.now()
	return e.a.Clone(), nil
}

// ReleaseAmbulance returns an ambulance serving caseID to the available pool.
// It is a no-op (nil, nil) when the ambulance already moved on.
func (r *Registry) ReleaseAmbulance(id, caseID string) (*model.Ambulance, error) {
	e, ok := r.ambulanceEntry(id)
	if !ok {
		return nil, model.NotFoundf("ambulance %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.a.AssignedCaseID != caseID {
		return nil, nil
	}
	e.a.Status = model.AmbulanceAvailable
	e.a.AssignedCaseID = ""
	e.a.DestinationHospitalID = ""
	e.a.UpdatedAt = r.now()
	return e.a.Clone(), nil
}

// ReserveBed takes one bed of an active hospital with spare capacity.
func (r *Registry) ReserveBed(id string) (*model.Hospital, error) {
	e, ok := r.hospitalEntry(id)
	if !ok {
		return nil, model.NotFoundf("hospital %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.h.Active {
		return nil, model.Capacityf("hospital %s is inactive", id)
	}
	if e.h.Spare() <= 0 {
		return nil, model.Capacityf("hospital %s is full", id)
	}
	e.h.Occupied++
	e.h.UpdatedAt = r.now()
	return e.h.Clone(), nil
}

// ReleaseBed gives one bed back.
func (r *Registry) ReleaseBed(id string) (*model.Hospital, error) {
	e, ok := r.hospitalEntry(id)
	if !ok {
		return nil, model.NotFoundf("hospital %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.h.Occupied == 0 {
		return nil, model.Capacityf("hospital %s has no occupied beds", id)
	}
	e.h.Occupied--
	e.h.UpdatedAt = r.now()
	return e.h.Clone(), nil
}
