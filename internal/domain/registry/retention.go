package registry

import "github.com/shivay/dispatch-service/internal/domain/event"

// retention is a fixed-capacity ring of the most recent envelopes of a topic,
// oldest first. It is not safe for concurrent use; the owning Cell locks it.
type retention struct {
	buf   []event.Eventer
	start int
	size  int
}

func newRetention(capacity int) *retention {
	if capacity < 1 {
		capacity = 1
	}
	return &retention{buf: make([]event.Eventer, capacity)}
}

func (r *retention) push(ev event.Eventer) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = ev
		r.size++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

// oldest returns the sequence of the first retained envelope, 0 when empty.
func (r *retention) oldest() uint64 {
	if r.size == 0 {
		return 0
	}
	return r.buf[r.start].GetSeq()
}

// since returns retained envelopes with seq > after, in order.
func (r *retention) since(after uint64) []event.Eventer {
	out := make([]event.Eventer, 0, r.size)
	for i := range r.size {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.GetSeq() > after {
			out = append(out, ev)
		}
	}
	return out
}
