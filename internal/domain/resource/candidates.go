package resource

import (
	"container/heap"
	"iter"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

type ranked[T any] struct {
	item T
	id   string
	km   float64
}

// nearestHeap is a min-heap by distance, ties broken by id.
type nearestHeap[T any] []ranked[T]

func (h nearestHeap[T]) Len() int { return len(h) }
func (h nearestHeap[T]) Less(i, j int) bool {
	if h[i].km != h[j].km {
		return h[i].km < h[j].km
	}
	return h[i].id < h[j].id
}
func (h nearestHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *nearestHeap[T]) Push(x any)   { *h = append(*h, x.(ranked[T])) }
func (h *nearestHeap[T]) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// nearest yields heap entries in order; building is O(n), each pull O(log n).
func nearest[T any](h nearestHeap[T]) iter.Seq2[T, float64] {
	return func(yield func(T, float64) bool) {
		heap.Init(&h)
		for h.Len() > 0 {
			r := heap.Pop(&h).(ranked[T])
			if !yield(r.item, r.km) {
				return
			}
		}
	}
}

// FindCandidates lazily yields available ambulances able to serve t, nearest
// first, with their distance in km. Each range over the sequence takes a fresh
// snapshot, so it can be restarted; ranging has no side effects.
func (r *Registry) FindCandidates(loc model.Location, t model.EmergencyType) iter.Seq2[*model.Ambulance, float64] {
	return func(yield func(*model.Ambulance, float64) bool) {
		var h nearestHeap[*model.Ambulance]
		for _, e := range r.ambulanceEntries() {
			e.mu.Lock()
			if e.a.Status == model.AmbulanceAvailable && e.a.CanServe(t) {
				h = append(h, ranked[*model.Ambulance]{
					item: e.a.Clone(),
					id:   e.a.ID,
					km:   model.DistanceKm(loc, e.a.Location),
				})
			}
			e.mu.Unlock()
		}
		for a, km := range nearest(h) {
			if !yield(a, km) {
				return
			}
		}
	}
}

// NearestHospitals lazily yields active hospitals with a spare bed, nearest first.
func (r *Registry) NearestHospitals(loc model.Location) iter.Seq2[*model.Hospital, float64] {
	return func(yield func(*model.Hospital, float64) bool) {
		var h nearestHeap[*model.Hospital]
		for _, e := range r.hospitalEntries() {
			e.mu.Lock()
			if e.h.Active && e.h.Spare() > 0 {
				h = append(h, ranked[*model.Hospital]{
					item: e.h.Clone(),
					id:   e.h.ID,
					km:   model.DistanceKm(loc, e.h.Location),
				})
			}
			e.mu.Unlock()
		}
		for hosp, km := range nearest(h) {
			if !yield(hosp, km) {
				return
			}
		}
	}
}
